package deploy

import (
	"context"
	"fmt"

	"github.com/danmuck/alphadep/internal/machine"
	"github.com/danmuck/alphadep/internal/transport"
	"golang.org/x/sync/errgroup"
)

// relay forwards stream events to sink on its own goroutine until the stream
// ends. An exit status does not end the relay; output may follow it.
func relay(ctx context.Context, stream machine.Stream, sink Sink) (CommandResult, error) {
	defer stream.Close()

	var result CommandResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		events := stream.Events()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				switch ev.Kind {
				case transport.EventData:
					if _, err := sink.Stdout.Write(ev.Data); err != nil {
						return fmt.Errorf("deploy: relay stdout: %w", err)
					}
				case transport.EventExtendedData:
					if _, err := sink.Stderr.Write(ev.Data); err != nil {
						return fmt.Errorf("deploy: relay stderr: %w", err)
					}
				case transport.EventExitStatus:
					result.ExitStatus = ev.ExitStatus
					result.Exited = true
				case transport.EventExitSignal:
					result.Signal = ev.Signal
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
