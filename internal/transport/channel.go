package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// EventKind tags a channel event.
type EventKind int

const (
	EventData EventKind = iota
	EventExtendedData
	EventExitStatus
	EventExitSignal
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventExtendedData:
		return "extended-data"
	case EventExitStatus:
		return "exit-status"
	case EventExitSignal:
		return "exit-signal"
	default:
		return "unknown"
	}
}

// Event is one item from a channel's output stream. Data is set for the
// data kinds, ExitStatus for EventExitStatus and Signal for EventExitSignal.
type Event struct {
	Kind       EventKind
	Data       []byte
	ExitStatus int
	Signal     string
}

type execMsg struct {
	Command string
}

type subsystemMsg struct {
	Name string
}

type exitStatusMsg struct {
	Status uint32
}

type exitSignalMsg struct {
	Signal     string
	CoreDumped bool
	Error      string
	Lang       string
}

const eventBuffer = 64

// Channel is a session channel running one remote command. Events is closed
// only once the remote side closes the channel, so output that arrives
// after the exit status is still delivered.
type Channel struct {
	ch     ssh.Channel
	reqs   <-chan *ssh.Request
	events chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenChannel opens a new session channel.
func (s *Session) OpenChannel(ctx context.Context) (*Channel, error) {
	client, err := s.authenticatedClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open session channel: %v", ErrChannel, err)
	}
	return &Channel{
		ch:     ch,
		reqs:   reqs,
		events: make(chan Event, eventBuffer),
		closed: make(chan struct{}),
	}, nil
}

// Exec asks the remote side to run command and starts delivering events.
func (c *Channel) Exec(command string) error {
	ok, err := c.ch.SendRequest("exec", true, ssh.Marshal(&execMsg{Command: command}))
	if err != nil {
		return fmt.Errorf("%w: exec request: %v", ErrChannel, err)
	}
	if !ok {
		return fmt.Errorf("%w: exec request rejected", ErrChannel)
	}
	// Nothing is sent on stdin.
	_ = c.ch.CloseWrite()

	c.start()
	return nil
}

// Events returns the channel's event stream.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Close closes the channel and releases its readers.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ch.Close()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}

func (c *Channel) start() {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		c.pump(c.ch, EventData)
	}()
	go func() {
		defer wg.Done()
		c.pump(c.ch.Stderr(), EventExtendedData)
	}()
	go func() {
		defer wg.Done()
		c.handleRequests()
	}()
	go func() {
		wg.Wait()
		close(c.events)
	}()
}

func (c *Channel) emit(event Event) bool {
	select {
	case c.events <- event:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Channel) pump(r io.Reader, kind EventKind) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !c.emit(Event{Kind: kind, Data: data}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Channel) handleRequests() {
	for req := range c.reqs {
		switch req.Type {
		case "exit-status":
			var msg exitStatusMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				c.emit(Event{Kind: EventExitStatus, ExitStatus: int(msg.Status)})
			}
		case "exit-signal":
			var msg exitSignalMsg
			if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
				c.emit(Event{Kind: EventExitSignal, Signal: msg.Signal})
			}
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
}
