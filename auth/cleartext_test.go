package auth

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleartextHandler_Handle(t *testing.T) {
	handler := &CleartextHandler{Password: "s3cret"}

	response, err := handler.Handle(&pgproto3.AuthenticationCleartextPassword{})
	require.NoError(t, err)

	password, ok := response.(*pgproto3.PasswordMessage)
	require.True(t, ok)
	assert.Equal(t, "s3cret", password.Password)
}

func TestCleartextHandler_UnexpectedChallenge(t *testing.T) {
	handler := &CleartextHandler{Password: "s3cret"}

	_, err := handler.Handle(&pgproto3.AuthenticationMD5Password{})
	assert.ErrorIs(t, err, ErrUnexpectedChallenge)
}

func TestCleartextHandler_Mechanism(t *testing.T) {
	handler := &CleartextHandler{}
	assert.Equal(t, MechanismCleartext, handler.Mechanism())
}
