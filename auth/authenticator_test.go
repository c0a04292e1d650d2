package auth

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialSelector_Routing(t *testing.T) {
	selector := NewCredentialSelector(Credentials{Username: "alice", Password: "secret"})

	tests := []struct {
		name      string
		challenge pgproto3.AuthenticationResponseMessage
		handler   interface{}
	}{
		{"cleartext", &pgproto3.AuthenticationCleartextPassword{}, &CleartextHandler{}},
		{"md5", &pgproto3.AuthenticationMD5Password{}, &MD5Handler{}},
		{"sasl", &pgproto3.AuthenticationSASL{}, &ScramHandler{}},
		{"sasl continue", &pgproto3.AuthenticationSASLContinue{}, &ScramHandler{}},
		{"sasl final", &pgproto3.AuthenticationSASLFinal{}, &ScramHandler{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, err := selector.Select(tt.challenge)
			require.NoError(t, err)
			assert.IsType(t, tt.handler, handler)
		})
	}
}

func TestCredentialSelector_UnsupportedMechanism(t *testing.T) {
	selector := NewCredentialSelector(Credentials{Username: "alice"})

	_, err := selector.Select(&pgproto3.AuthenticationGSS{})
	assert.ErrorIs(t, err, ErrUnsupportedMechanism)
}

func TestCredentialSelector_SharedScramHandler(t *testing.T) {
	selector := NewCredentialSelector(Credentials{Username: "alice", Password: "secret"})

	// Every SASL step must route to the same handler instance so the
	// conversation state carries across challenges.
	first, err := selector.Select(&pgproto3.AuthenticationSASL{})
	require.NoError(t, err)
	second, err := selector.Select(&pgproto3.AuthenticationSASLContinue{})
	require.NoError(t, err)
	third, err := selector.Select(&pgproto3.AuthenticationSASLFinal{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, third)
}

func TestCredentialSelector_FreshHandlersPerChallenge(t *testing.T) {
	selector := NewCredentialSelector(Credentials{Username: "alice", Password: "secret"})

	first, err := selector.Select(&pgproto3.AuthenticationCleartextPassword{})
	require.NoError(t, err)
	second, err := selector.Select(&pgproto3.AuthenticationCleartextPassword{})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestSelectorFunc(t *testing.T) {
	want := &CleartextHandler{Password: "secret"}
	selector := SelectorFunc(func(pgproto3.AuthenticationResponseMessage) (Handler, error) {
		return want, nil
	})

	got, err := selector.Select(&pgproto3.AuthenticationCleartextPassword{})
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestChallengeMechanism(t *testing.T) {
	tests := []struct {
		name      string
		challenge pgproto3.AuthenticationResponseMessage
		expected  Mechanism
	}{
		{"cleartext", &pgproto3.AuthenticationCleartextPassword{}, MechanismCleartext},
		{"md5", &pgproto3.AuthenticationMD5Password{}, MechanismMD5},
		{"sasl", &pgproto3.AuthenticationSASL{}, MechanismScramSHA256},
		{"sasl continue", &pgproto3.AuthenticationSASLContinue{}, MechanismScramSHA256},
		{"sasl final", &pgproto3.AuthenticationSASLFinal{}, MechanismScramSHA256},
		{"gss", &pgproto3.AuthenticationGSS{}, MechanismGSS},
		{"gss continue", &pgproto3.AuthenticationGSSContinue{}, MechanismGSS},
		{"ok", &pgproto3.AuthenticationOk{}, MechanismUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChallengeMechanism(tt.challenge))
		})
	}
}
