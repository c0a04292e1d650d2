package pgstartup

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/qmuntal/stateless"
)

// State is the position of one handshake within its lifecycle.
type State int

const (
	// StateAwaitingChallenge is the initial state: the identification
	// message has been queued and the server has not answered yet, or
	// the last challenge has been answered.
	StateAwaitingChallenge State = iota
	// StateChallengeInFlight means a challenge has been received and its
	// response is being produced.
	StateChallengeInFlight
	// StateAuthenticated means the success signal was observed. Not
	// terminal for the message flow: later messages pass through.
	StateAuthenticated
	// StateFailed is terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateChallengeInFlight:
		return "challenge_in_flight"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type event int

const (
	eventChallenge event = iota
	eventAnswered
	eventAuthenticated
	eventFailed
)

// flowSession is the transient per-handshake state. It lives exactly as
// long as one flow and is never shared across invocations.
type flowSession struct {
	machine *stateless.StateMachine
	logger  hclog.Logger
}

func newFlowSession(logger hclog.Logger) *flowSession {
	machine := stateless.NewStateMachine(StateAwaitingChallenge)

	machine.Configure(StateAwaitingChallenge).
		Permit(eventChallenge, StateChallengeInFlight).
		Permit(eventAuthenticated, StateAuthenticated).
		Permit(eventFailed, StateFailed)
	machine.Configure(StateChallengeInFlight).
		Permit(eventAnswered, StateAwaitingChallenge).
		Permit(eventFailed, StateFailed)
	machine.Configure(StateAuthenticated).
		Permit(eventFailed, StateFailed)

	machine.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		logger.Debug("handshake state changed", "from", t.Source, "to", t.Destination)
	})

	return &flowSession{machine: machine, logger: logger}
}

// fire advances the state machine. Transitions outside the configured
// set are logged, not fatal: the protocol dispatch loop is the source
// of truth and the machine mirrors it.
func (s *flowSession) fire(e event) {
	if err := s.machine.Fire(e); err != nil {
		s.logger.Debug("state transition rejected",
			"event", int(e), "state", s.machine.MustState(), "error", err)
	}
}

func (s *flowSession) state() State {
	state, ok := s.machine.MustState().(State)
	if !ok {
		return StateFailed
	}
	return state
}
