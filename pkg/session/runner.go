package session

import (
	"context"
	"errors"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"

	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// Flasher is the capability the session needs from the flashing adapter.
// One Flash call is a single blocking unit of work; the adapter never
// retries internally.
type Flasher interface {
	Flash(ctx context.Context, port string, image *firmware.Image) esptool.Result
	Erase(ctx context.Context, port string, profile firmware.FlashProfile) error
}

// Prompt is one operator-input request raised by a session.
type Prompt struct {
	Role   firmware.Role
	Port   string
	Result *esptool.Result

	// EraseErr is set when the previous erase-and-retry failed at the
	// erase step.
	EraseErr error
}

// Prompter delivers prompts to the operator. Implementations serialize
// delivery: only one prompt is presented at a time.
type Prompter interface {
	Ask(ctx context.Context, prompt Prompt) (Choice, error)
}

// ErrNeedRescan is returned by Runner.Run when the operator chose to
// rescan: resolving a port to a role is the orchestrator's job, so the
// runner hands control back with the machine in StateAwaitingPort.
var ErrNeedRescan = errors.New("a port rescan was requested")

// ErrQuit is returned by Runner.Run when the operator chose to quit the
// entire run.
var ErrQuit = errors.New("the operator quit the run")

// Runner drives one device session to a terminal state (or to a rescan
// hand-off). It owns the Machine exclusively.
type Runner struct {
	machine  *Machine
	image    *firmware.Image
	flasher  Flasher
	prompter Prompter
}

// NewRunner returns a Runner for one role+image pair, with the machine in
// StateAwaitingPort.
func NewRunner(image *firmware.Image, flasher Flasher, prompter Prompter) *Runner {
	return &Runner{
		machine:  NewMachine(image.Role),
		image:    image,
		flasher:  flasher,
		prompter: prompter,
	}
}

// Machine exposes the session state for reporting.
func (r *Runner) Machine() *Machine { return r.machine }

// Bind binds a freshly resolved port: the orchestrator calls it before Run
// and again after a rescan.
func (r *Runner) Bind(port string) error {
	return r.machine.BindPort(port)
}

// Run drives the session until it reaches a terminal state, needs a rescan
// (ErrNeedRescan) or the operator quits (ErrQuit).
//
// A flash attempt, once started, always runs to completion: cancellation
// and quit are honored only at transition points, never mid-attempt.
func (r *Runner) Run(ctx context.Context) error {
	log := logger.FromCtx(ctx)

	for !r.machine.State().IsTerminal() {
		// quit/cancel is checked here, between transitions
		if ctx.Err() != nil {
			_ = r.machine.Quit()
			return ErrQuit
		}

		switch state := r.machine.State(); state {
		case StateAwaitingPort:
			return ErrNeedRescan

		case StateFlashing:
			// the attempt runs detached from the run's cancellation: a quit
			// (or Ctrl-C) must never kill esptool mid-write and leave the
			// device partially written
			result := r.flasher.Flash(detachedContext{parent: ctx}, r.machine.Port(), r.image)
			log.Debugf("[%s] attempt on %s: %s", r.machine.Role(), r.machine.Port(), result.Outcome)
			if err := r.machine.ObserveResult(result); err != nil {
				return err
			}

		case StateAwaitingUserAction:
			choice, err := r.prompter.Ask(ctx, Prompt{
				Role:     r.machine.Role(),
				Port:     r.machine.Port(),
				Result:   r.machine.LastResult(),
				EraseErr: r.machine.LastEraseError(),
			})
			if err != nil {
				// A dead prompt channel means the operator is gone.
				_ = r.machine.Quit()
				return ErrQuit
			}
			log.Debugf("[%s] operator chose '%s'", r.machine.Role(), choice)
			if err := r.machine.Apply(choice); err != nil {
				return err
			}
			if choice == ChoiceQuit {
				return ErrQuit
			}
			if r.machine.PendingErase() {
				r.runErase(ctx)
			}

		default:
			return ErrWrongState{State: state}
		}
	}
	return nil
}

func (r *Runner) runErase(ctx context.Context) {
	profile, err := r.image.Role.Profile()
	if err == nil {
		// erase writes to the flash too, so it gets the same
		// run-to-completion treatment as an attempt
		err = r.flasher.Erase(detachedContext{parent: ctx}, r.machine.Port(), profile)
	}
	if err != nil {
		logger.FromCtx(ctx).Warnf("[%s] erase failed: %v", r.machine.Role(), err)
		_ = r.machine.EraseFailed(err)
		return
	}
	_ = r.machine.EraseSucceeded()
}

// detachedContext carries its parent's values (the logger and the tracer
// ride on them) but not its cancellation. The flashing adapter still applies
// its own timeouts on top of it.
type detachedContext struct {
	parent context.Context
}

func (d detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (d detachedContext) Done() <-chan struct{}       { return nil }
func (d detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any           { return d.parent.Value(key) }
