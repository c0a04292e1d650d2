// Package auth provides the client-side answer to PostgreSQL
// authentication challenges: per-mechanism handlers, the selector that
// routes a challenge to its handler, and an optional policy gate over
// which mechanisms a client is willing to use.
package auth

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Mechanism identifies a PostgreSQL authentication mechanism.
type Mechanism string

const (
	MechanismCleartext   Mechanism = "cleartext_password"
	MechanismMD5         Mechanism = "md5"
	MechanismScramSHA256 Mechanism = "scram-sha-256"
	MechanismGSS         Mechanism = "gss"
	MechanismUnknown     Mechanism = "unknown"
)

var (
	// ErrUnsupportedMechanism means no handler exists for the mechanism
	// the server asked for.
	ErrUnsupportedMechanism = errors.New("unsupported authentication mechanism")

	// ErrUnexpectedChallenge means a handler received a challenge
	// belonging to a different mechanism.
	ErrUnexpectedChallenge = errors.New("unexpected authentication challenge")

	// ErrMalformedChallenge means a challenge arrived out of sequence or
	// carried data the mechanism cannot interpret.
	ErrMalformedChallenge = errors.New("malformed authentication challenge")

	// ErrMechanismNotAllowed means the mechanism policy refused the
	// mechanism the server asked for.
	ErrMechanismNotAllowed = errors.New("authentication mechanism not allowed by policy")
)

// Handler answers server challenges for one mechanism. Multi-step
// mechanisms keep conversation state between calls, so a handler
// instance belongs to a single handshake at a time.
//
// Handle returns the response to push to the server, or nil when the
// challenge is informational and needs no answer (the SASL final
// message), or an error when the challenge cannot be satisfied.
type Handler interface {
	Mechanism() Mechanism
	Handle(challenge pgproto3.AuthenticationResponseMessage) (pgproto3.FrontendMessage, error)
}

// Selector picks the handler responsible for a challenge. It must cover
// every challenge variant the server may legally send, or fail with an
// error that aborts the handshake.
type Selector interface {
	Select(challenge pgproto3.AuthenticationResponseMessage) (Handler, error)
}

// SelectorFunc adapts a function to the Selector interface.
type SelectorFunc func(challenge pgproto3.AuthenticationResponseMessage) (Handler, error)

func (f SelectorFunc) Select(challenge pgproto3.AuthenticationResponseMessage) (Handler, error) {
	return f(challenge)
}

// Credentials identifies the role authenticating to the server.
type Credentials struct {
	Username string
	Password string
}

// CredentialSelector is the default Selector. It serves the password
// mechanisms PostgreSQL can ask for, routing every SASL step to one
// shared SCRAM handler so the conversation state survives across
// challenges. One instance serves one handshake at a time.
type CredentialSelector struct {
	creds Credentials
	scram *ScramHandler
}

// NewCredentialSelector builds the default selector for creds.
func NewCredentialSelector(creds Credentials) *CredentialSelector {
	return &CredentialSelector{creds: creds}
}

// Select implements Selector.
func (s *CredentialSelector) Select(challenge pgproto3.AuthenticationResponseMessage) (Handler, error) {
	switch challenge.(type) {
	case *pgproto3.AuthenticationCleartextPassword:
		return &CleartextHandler{Password: s.creds.Password}, nil
	case *pgproto3.AuthenticationMD5Password:
		return &MD5Handler{Username: s.creds.Username, Password: s.creds.Password}, nil
	case *pgproto3.AuthenticationSASL, *pgproto3.AuthenticationSASLContinue, *pgproto3.AuthenticationSASLFinal:
		if s.scram == nil {
			s.scram = NewScramHandler(s.creds)
		}
		return s.scram, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, ChallengeMechanism(challenge))
	}
}

// ChallengeMechanism names the mechanism behind a challenge variant.
// All SASL steps map to SCRAM-SHA-256, the only SASL mechanism family
// PostgreSQL implements.
func ChallengeMechanism(challenge pgproto3.AuthenticationResponseMessage) Mechanism {
	switch challenge.(type) {
	case *pgproto3.AuthenticationCleartextPassword:
		return MechanismCleartext
	case *pgproto3.AuthenticationMD5Password:
		return MechanismMD5
	case *pgproto3.AuthenticationSASL, *pgproto3.AuthenticationSASLContinue, *pgproto3.AuthenticationSASLFinal:
		return MechanismScramSHA256
	case *pgproto3.AuthenticationGSS, *pgproto3.AuthenticationGSSContinue:
		return MechanismGSS
	default:
		return MechanismUnknown
	}
}
