// Package pgstartup drives the startup stage of the PostgreSQL wire
// protocol: the message exchange that runs from the moment a transport
// connection is open until the server has authenticated the client and
// normal traffic may begin.
//
// The flow sends the startup message, answers authentication challenges
// through pluggable handlers, swallows the AuthenticationOk signal, and
// hands every later server message to the caller untouched. Framing,
// sockets, and the mechanisms themselves live elsewhere: the transport
// behind the MessageChannel interface and the handlers in the auth
// package.
package pgstartup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gatewayd-io/pgstartup/auth"
)

// Exchange starts one handshake over channel, authenticating with the
// identity in opts and answering challenges through selector.
//
// The identification message is queued before the channel sees the
// outbound side, so it is always the first message on the wire. Missing
// required options or collaborators fail with ErrInvalidArgument before
// any conversation is opened.
//
// The returned Flow is lazy: consuming it drives the handshake. It is
// finite, ends when the channel's inbound sequence ends, and is not
// restartable; call Exchange again for a new handshake.
func Exchange(ctx context.Context, opts Options, selector auth.Selector, channel MessageChannel) (*Flow, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if selector == nil {
		return nil, fmt.Errorf("%w: selector must not be nil", ErrInvalidArgument)
	}
	if channel == nil {
		return nil, fmt.Errorf("%w: channel must not be nil", ErrInvalidArgument)
	}

	logger := opts.logger().Named("startup")

	pipe := NewPipe(opts.PipeCapacity)
	if err := pipe.Push(opts.startupMessage()); err != nil {
		return nil, err
	}

	inbound, err := channel.Exchange(ctx, pipe)
	if err != nil {
		pipe.CloseWithError(err)
		return nil, fmt.Errorf("starting conversation: %w", err)
	}

	FlowsStarted.Inc()
	ActiveFlows.Inc()
	logger.Debug("startup flow started",
		"user", opts.Username,
		"database", opts.Database,
		"application_name", opts.ApplicationName)

	return &Flow{
		logger:   logger,
		selector: selector,
		pipe:     pipe,
		inbound:  inbound,
		session:  newFlowSession(logger),
	}, nil
}

// Flow is the caller-visible message sequence of one handshake. Iterate
// with Next, read the current message with Message, and check Err once
// Next reports false.
//
// A Flow belongs to a single goroutine; only Close may be called from
// elsewhere.
type Flow struct {
	logger   hclog.Logger
	selector auth.Selector
	pipe     *Pipe
	inbound  <-chan InboundMessage

	session *flowSession

	msg           pgproto3.BackendMessage
	err           error
	done          bool
	authenticated bool
	closed        atomic.Bool
	finishOnce    sync.Once
}

// Next advances the flow to the next message meant for the caller,
// consuming challenges and the success signal along the way. It reports
// false when the sequence has ended; Err then tells success from
// failure.
func (f *Flow) Next(ctx context.Context) bool {
	if f.done || f.err != nil {
		return false
	}

	for {
		if f.closed.Load() {
			f.fail(ErrFlowAbandoned)
			return false
		}

		select {
		case <-ctx.Done():
			f.fail(ctx.Err())
			return false
		case in, ok := <-f.inbound:
			if !ok {
				f.end()
				return false
			}
			if in.Err != nil {
				// Transport errors pass through unreinterpreted.
				f.fail(in.Err)
				return false
			}

			switch msg := in.Msg.(type) {
			case *pgproto3.AuthenticationOk:
				f.completeAuthentication()
			case pgproto3.AuthenticationResponseMessage:
				if err := f.answer(msg); err != nil {
					f.fail(err)
					return false
				}
			default:
				f.msg = in.Msg
				return true
			}
		}
	}
}

// Message returns the message produced by the most recent successful
// Next call.
func (f *Flow) Message() pgproto3.BackendMessage {
	return f.msg
}

// Err returns the error that terminated the flow, or nil after a normal
// end. Meaningful once Next has reported false.
func (f *Flow) Err() error {
	return f.err
}

// State reports where the handshake is in its lifecycle.
func (f *Flow) State() State {
	return f.session.state()
}

// Authenticated reports whether the success signal has been observed.
func (f *Flow) Authenticated() bool {
	return f.authenticated
}

// Close abandons the flow. If the handshake has not completed, the
// outbound side is closed with ErrFlowAbandoned so the channel is not
// left holding a dangling write side. Safe to call from any goroutine
// and more than once.
func (f *Flow) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.pipe.CloseWithError(ErrFlowAbandoned)
	f.finish()
	return nil
}

// completeAuthentication consumes the success signal: the outbound side
// closes and everything that follows belongs to the caller.
func (f *Flow) completeAuthentication() {
	if f.authenticated {
		return
	}
	f.authenticated = true
	f.pipe.Close()
	f.session.fire(eventAuthenticated)
	FlowsAuthenticated.Inc()
	f.logger.Debug("authentication complete")
}

// answer resolves a challenge to its handler and pushes the response.
func (f *Flow) answer(challenge pgproto3.AuthenticationResponseMessage) error {
	mechanism := auth.ChallengeMechanism(challenge)
	ChallengesReceived.WithLabelValues(string(mechanism)).Inc()
	f.session.fire(eventChallenge)
	f.logger.Debug("authentication challenge", "mechanism", mechanism)

	handler, err := f.selector.Select(challenge)
	if err != nil {
		return fmt.Errorf("selecting authentication handler: %w", err)
	}

	response, err := handler.Handle(challenge)
	if err != nil {
		return fmt.Errorf("answering %s challenge: %w", mechanism, err)
	}

	// A nil response means the challenge was informational (the SASL
	// server-final message) and nothing goes back to the server.
	if response != nil {
		if err := f.pipe.Push(response); err != nil {
			return err
		}
	}

	f.session.fire(eventAnswered)
	return nil
}

// fail terminates both sides with the same error: the outbound pipe is
// closed with it and the caller sees it from Err.
func (f *Flow) fail(err error) {
	f.err = err
	f.pipe.CloseWithError(err)
	f.session.fire(eventFailed)
	FlowsFailed.Inc()
	f.finish()
	f.logger.Debug("startup flow failed", "error", err)
}

// end handles the inbound sequence finishing without an error.
func (f *Flow) end() {
	f.done = true
	f.pipe.Close()
	f.finish()
}

func (f *Flow) finish() {
	f.finishOnce.Do(ActiveFlows.Dec)
}
