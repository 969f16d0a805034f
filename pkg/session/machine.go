// Package session implements the per-device state machine of the
// provisioning flow: one session owns one port+image pair, runs flash
// attempts and applies the operator-chosen recovery policy.
//
// The state machine itself is a side-effect-free transition core
// (`Machine`); all I/O (flashing, erasing, prompting) lives in `Runner`.
// Operator input enters the machine as explicit Choice values, which keeps
// every transition unit-testable without a console attached.
package session

import (
	"fmt"

	"github.com/biscuitshop/biscuitflash/pkg/esptool"
	"github.com/biscuitshop/biscuitflash/pkg/firmware"
)

// State of a device session.
type State string

const (
	// StateAwaitingPort: no port is bound; the orchestrator still has to
	// resolve (or re-resolve) which physical port carries this role.
	StateAwaitingPort = State("awaiting-port")

	// StateFlashing: a flash attempt is due or in flight.
	StateFlashing = State("flashing")

	// StateAwaitingUserAction: the last attempt failed and the session
	// waits for an operator decision. Flash failures are overwhelmingly a
	// physical-mode problem, so the design defers to a human between
	// attempts instead of busy-retrying.
	StateAwaitingUserAction = State("awaiting-user-action")

	// StateSucceeded: terminal, the device holds the new image.
	StateSucceeded = State("succeeded")

	// StateSkipped: terminal, the operator gave up on this device. The
	// other device is unaffected, but the overall run cannot succeed.
	StateSkipped = State("skipped")

	// StateFailed: terminal, reached only through a global quit.
	StateFailed = State("failed")
)

// IsTerminal reports whether no transition may leave the state.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateSkipped, StateFailed:
		return true
	}
	return false
}

// Choice is an explicit operator decision fed into the state machine.
type Choice string

const (
	// ChoiceRetry re-attempts with the same port and image.
	ChoiceRetry = Choice("retry")

	// ChoiceEraseRetry erases the flash first, then re-attempts.
	ChoiceEraseRetry = Choice("erase-and-retry")

	// ChoiceSkip gives up on this device only.
	ChoiceSkip = Choice("skip")

	// ChoiceRescan releases the port and asks the orchestrator to
	// re-resolve this role from a fresh port scan.
	ChoiceRescan = Choice("rescan")

	// ChoiceQuit ends the entire run; it is global, not per-device.
	ChoiceQuit = Choice("quit")
)

// Machine is the transition core of one device session.
//
// It is intentionally free of side effects: it never flashes, never prompts,
// never sleeps. Owned exclusively by its Runner; not safe for concurrent use.
type Machine struct {
	role  firmware.Role
	state State
	port  string

	lastResult   *esptool.Result
	lastEraseErr error
	pendingErase bool
}

// NewMachine returns a Machine in StateAwaitingPort.
func NewMachine(role firmware.Role) *Machine {
	return &Machine{
		role:  role,
		state: StateAwaitingPort,
	}
}

// Role returns the device role this session provisions.
func (m *Machine) Role() firmware.Role { return m.role }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Port returns the bound port, empty in StateAwaitingPort.
func (m *Machine) Port() string { return m.port }

// LastResult returns the result of the most recent flash attempt, nil if
// none was made yet.
func (m *Machine) LastResult() *esptool.Result { return m.lastResult }

// LastEraseError returns the most recent erase failure, nil if none.
func (m *Machine) LastEraseError() error { return m.lastEraseErr }

// PendingErase reports whether an erase must be issued before the next
// attempt.
func (m *Machine) PendingErase() bool { return m.pendingErase }

// BindPort binds a resolved port: AwaitingPort -> Flashing. A session never
// holds more than one active port at a time.
func (m *Machine) BindPort(port string) error {
	if err := m.ensureState(StateAwaitingPort); err != nil {
		return err
	}
	if port == "" {
		return fmt.Errorf("an empty port identifier cannot be bound")
	}
	m.port = port
	m.state = StateFlashing
	return nil
}

// ObserveResult consumes the outcome of one flash attempt:
// Flashing -> Succeeded on success, Flashing -> AwaitingUserAction otherwise.
func (m *Machine) ObserveResult(result esptool.Result) error {
	if err := m.ensureState(StateFlashing); err != nil {
		return err
	}
	resultCopy := result
	m.lastResult = &resultCopy
	if result.Outcome.IsSuccess() {
		m.state = StateSucceeded
		return nil
	}
	m.state = StateAwaitingUserAction
	return nil
}

// Apply consumes an operator choice in StateAwaitingUserAction.
//
// ChoiceEraseRetry does not enter StateFlashing by itself: it arms a
// pending erase, and the session moves on only through EraseSucceeded or
// stays put through EraseFailed.
func (m *Machine) Apply(choice Choice) error {
	if err := m.ensureState(StateAwaitingUserAction); err != nil {
		return err
	}
	m.lastEraseErr = nil
	switch choice {
	case ChoiceRetry:
		m.state = StateFlashing
	case ChoiceEraseRetry:
		m.pendingErase = true
	case ChoiceSkip:
		m.state = StateSkipped
	case ChoiceRescan:
		m.port = ""
		m.state = StateAwaitingPort
	case ChoiceQuit:
		m.state = StateFailed
	default:
		return fmt.Errorf("unknown operator choice '%s'", string(choice))
	}
	return nil
}

// EraseSucceeded resolves a pending erase: AwaitingUserAction -> Flashing.
func (m *Machine) EraseSucceeded() error {
	if err := m.ensureState(StateAwaitingUserAction); err != nil {
		return err
	}
	if !m.pendingErase {
		return fmt.Errorf("no erase is pending")
	}
	m.pendingErase = false
	m.state = StateFlashing
	return nil
}

// EraseFailed resolves a pending erase without leaving
// StateAwaitingUserAction; the failure is kept for the next prompt.
func (m *Machine) EraseFailed(eraseErr error) error {
	if err := m.ensureState(StateAwaitingUserAction); err != nil {
		return err
	}
	if !m.pendingErase {
		return fmt.Errorf("no erase is pending")
	}
	m.pendingErase = false
	m.lastEraseErr = eraseErr
	return nil
}

// Quit forces the session into StateFailed from any non-terminal state.
// It is driven by the orchestrator on a global quit, never by a per-device
// decision.
func (m *Machine) Quit() error {
	if m.state.IsTerminal() {
		return ErrTerminalState{State: m.state}
	}
	m.state = StateFailed
	return nil
}

func (m *Machine) ensureState(expected State) error {
	if m.state.IsTerminal() {
		return ErrTerminalState{State: m.state}
	}
	if m.state != expected {
		return ErrWrongState{State: m.state, Expected: expected}
	}
	return nil
}

// ErrTerminalState implements "error", for the description see Error.
type ErrTerminalState struct {
	State State
}

func (err ErrTerminalState) Error() string {
	return fmt.Sprintf("the session already reached terminal state '%s'", string(err.State))
}

// ErrWrongState implements "error", for the description see Error.
type ErrWrongState struct {
	State    State
	Expected State
}

func (err ErrWrongState) Error() string {
	return fmt.Sprintf("the session is in state '%s', expected '%s'",
		string(err.State), string(err.Expected))
}
