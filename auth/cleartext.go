package auth

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
)

// CleartextHandler answers a cleartext password challenge by sending the
// password as-is. Only acceptable over TLS or a trusted network; the
// server decides whether to ask for it.
type CleartextHandler struct {
	Password string
}

// Mechanism returns the mechanism name.
func (h *CleartextHandler) Mechanism() Mechanism {
	return MechanismCleartext
}

// Handle responds to an AuthenticationCleartextPassword challenge.
func (h *CleartextHandler) Handle(challenge pgproto3.AuthenticationResponseMessage) (pgproto3.FrontendMessage, error) {
	if _, ok := challenge.(*pgproto3.AuthenticationCleartextPassword); !ok {
		return nil, fmt.Errorf("%w: cleartext handler got %T", ErrUnexpectedChallenge, challenge)
	}
	return &pgproto3.PasswordMessage{Password: h.Password}, nil
}
