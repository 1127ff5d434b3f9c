// Package deploy sequences one deployment against one machine.
//
// Ownership boundary:
// - phase ordering and failure tagging
//
// - relaying remote output to the caller's sink
//
// Lifecycle order:
// - idle -> connected -> authenticated -> archive_uploaded -> wrapper_located
//   -> built (only with a build script) -> executed -> done
//
// - any phase may end in failed; remaining phases are skipped.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/alphadep/internal/config"
	"github.com/danmuck/alphadep/internal/locator"
	"github.com/danmuck/alphadep/internal/machine"
	"github.com/danmuck/alphadep/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrLifecycleOrder      = errors.New("deploy: invalid lifecycle transition")
	ErrRemoteCommandFailed = errors.New("deploy: remote command failed")
)

// Phase names an orchestrator state.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseConnected       Phase = "connected"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseArchiveUploaded Phase = "archive_uploaded"
	PhaseWrapperLocated  Phase = "wrapper_located"
	PhaseBuilt           Phase = "built"
	PhaseExecuted        Phase = "executed"
	PhaseDone            Phase = "done"
	PhaseFailed          Phase = "failed"
)

// PhaseError tags the error that stopped a run with the phase being entered.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("deploy: %s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Sink receives remote output. Nil writers discard.
type Sink struct {
	Stdout io.Writer
	Stderr io.Writer
}

// CommandResult is how a remote step ended.
type CommandResult struct {
	ExitStatus int
	Exited     bool
	Signal     string
}

// Success reports a clean zero exit.
func (r CommandResult) Success() bool {
	return r.Exited && r.ExitStatus == 0 && r.Signal == ""
}

// Result is the terminal record of a run.
type Result struct {
	DeploymentID string
	Phases       []Phase
	Durations    map[Phase]time.Duration
	Update       machine.UpdateReport
	Runtime      locator.Handle
	Build        *CommandResult
	Execute      *CommandResult
}

// Orchestrator owns a machine for exactly one run.
type Orchestrator struct {
	machine machine.Machine
	project config.Project
	sink    Sink
	phase   Phase
}

// New returns an orchestrator in the idle phase.
func New(m machine.Machine, project config.Project, sink Sink) *Orchestrator {
	if sink.Stdout == nil {
		sink.Stdout = io.Discard
	}
	if sink.Stderr == nil {
		sink.Stderr = io.Discard
	}
	return &Orchestrator{machine: m, project: project, sink: sink, phase: PhaseIdle}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	return o.phase
}

type step struct {
	to  Phase
	run func(ctx context.Context, res *Result) error
}

// Run drives every phase in order. Cancelling ctx closes the machine, which
// aborts whatever phase is in flight.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if o.phase != PhaseIdle {
		return Result{}, transitionError(o.phase, PhaseConnected)
	}

	res := Result{
		DeploymentID: o.project.Deployment.ID,
		Durations:    map[Phase]time.Duration{},
	}
	stop := context.AfterFunc(ctx, func() {
		log.Warn().Msg("deployment cancelled; closing machine")
		_ = o.machine.Close()
	})
	defer stop()

	for _, st := range o.steps() {
		if st.to == PhaseBuilt && !o.project.Deployment.Build.HasScript() {
			log.Debug().Msg("no build script; skipping build")
			continue
		}

		log.Info().Str("phase", string(st.to)).Msg("phase starting")
		start := time.Now()
		if err := st.run(ctx, &res); err != nil {
			return res, o.fail(st.to, err)
		}
		res.Durations[st.to] = time.Since(start)
		o.advance(st.to, &res)
	}

	if err := o.machine.Close(); err != nil {
		log.Warn().Err(err).Msg("machine close failed")
	}
	o.advance(PhaseDone, &res)
	return res, nil
}

func (o *Orchestrator) steps() []step {
	return []step{
		{to: PhaseConnected, run: o.connect},
		{to: PhaseAuthenticated, run: o.authenticate},
		{to: PhaseArchiveUploaded, run: o.update},
		{to: PhaseWrapperLocated, run: o.locate},
		{to: PhaseBuilt, run: o.build},
		{to: PhaseExecuted, run: o.execute},
	}
}

func (o *Orchestrator) connect(ctx context.Context, _ *Result) error {
	return o.machine.Connect(ctx)
}

func (o *Orchestrator) authenticate(ctx context.Context, _ *Result) error {
	outcome, err := o.machine.Authenticate(ctx)
	if err != nil {
		return err
	}
	if outcome != transport.AuthSuccess {
		return fmt.Errorf("%w: outcome %s", transport.ErrAuth, outcome)
	}
	return nil
}

func (o *Orchestrator) update(ctx context.Context, res *Result) error {
	report, err := o.machine.Update(ctx)
	if err != nil {
		return err
	}
	res.Update = report
	return nil
}

func (o *Orchestrator) locate(ctx context.Context, res *Result) error {
	handle, err := o.machine.LocateRuntime(ctx)
	if err != nil {
		return err
	}
	res.Runtime = handle
	return nil
}

func (o *Orchestrator) build(ctx context.Context, res *Result) error {
	stream, err := o.machine.Build(ctx)
	if err != nil {
		return err
	}
	result, err := relay(ctx, stream, o.sink)
	res.Build = &result
	if err != nil {
		return err
	}
	if !result.Success() {
		return fmt.Errorf("%w: build %s", ErrRemoteCommandFailed, describe(result))
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, res *Result) error {
	stream, err := o.machine.Execute(ctx)
	if err != nil {
		return err
	}
	result, err := relay(ctx, stream, o.sink)
	res.Execute = &result
	if err != nil {
		return err
	}
	if !result.Exited && result.Signal == "" {
		log.Warn().Msg("remote execute ended without an exit status")
	}
	log.Info().Str("status", describe(result)).Msg("remote execute finished")
	return nil
}

func (o *Orchestrator) advance(to Phase, res *Result) {
	log.Debug().Str("from", string(o.phase)).Str("to", string(to)).Msg("phase transition")
	o.phase = to
	res.Phases = append(res.Phases, to)
}

// fail closes the machine best-effort. A close error is logged and never
// replaces err.
func (o *Orchestrator) fail(phase Phase, err error) error {
	o.phase = PhaseFailed
	if closeErr := o.machine.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Str("phase", string(phase)).Msg("machine close after failure")
	}
	log.Error().Err(err).Str("phase", string(phase)).Msg("deployment failed")
	return &PhaseError{Phase: phase, Err: err}
}

func describe(r CommandResult) string {
	switch {
	case r.Signal != "":
		return "signal " + r.Signal
	case r.Exited:
		return fmt.Sprintf("exit status %d", r.ExitStatus)
	default:
		return "no exit status"
	}
}

func transitionError(from, to Phase) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
