package auth

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"
)

// newScramServer builds a SCRAM server holding credentials for exactly
// one user, to play the PostgreSQL side of the handshake.
func newScramServer(t *testing.T, username, password string) *scram.Server {
	t.Helper()

	client, err := scram.SHA256.NewClient(username, password, "")
	require.NoError(t, err)
	stored := client.GetStoredCredentials(scram.KeyFactors{Salt: "0123456789abcdef", Iters: ScramIterationCount})

	server, err := scram.SHA256.NewServer(func(user string) (scram.StoredCredentials, error) {
		if user != username {
			return scram.StoredCredentials{}, fmt.Errorf("unknown user %q", user)
		}
		return stored, nil
	})
	require.NoError(t, err)
	return server
}

func TestScramHandler_FullHandshake(t *testing.T) {
	handler := NewScramHandler(Credentials{Username: "alice", Password: "s3cret"})
	serverConv := newScramServer(t, "alice", "s3cret").NewConversation()

	// Mechanism advertisement -> client-first message.
	response, err := handler.Handle(&pgproto3.AuthenticationSASL{
		AuthMechanisms: []string{"SCRAM-SHA-256-PLUS", "SCRAM-SHA-256"},
	})
	require.NoError(t, err)
	initial, ok := response.(*pgproto3.SASLInitialResponse)
	require.True(t, ok)
	assert.Equal(t, ScramSHA256Name, initial.AuthMechanism)
	assert.NotEmpty(t, initial.Data)

	// Server-first message -> client-final message with the proof.
	serverFirst, err := serverConv.Step(string(initial.Data))
	require.NoError(t, err)
	response, err = handler.Handle(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	require.NoError(t, err)
	final, ok := response.(*pgproto3.SASLResponse)
	require.True(t, ok)

	// The server accepts the proof and the handler accepts the server
	// signature without producing further output.
	serverFinal, err := serverConv.Step(string(final.Data))
	require.NoError(t, err)
	assert.True(t, serverConv.Valid())

	response, err = handler.Handle(&pgproto3.AuthenticationSASLFinal{Data: []byte(serverFinal)})
	require.NoError(t, err)
	assert.Nil(t, response)
}

func TestScramHandler_RejectsTamperedServerSignature(t *testing.T) {
	handler := NewScramHandler(Credentials{Username: "alice", Password: "s3cret"})
	serverConv := newScramServer(t, "alice", "s3cret").NewConversation()

	response, err := handler.Handle(&pgproto3.AuthenticationSASL{AuthMechanisms: []string{ScramSHA256Name}})
	require.NoError(t, err)
	serverFirst, err := serverConv.Step(string(response.(*pgproto3.SASLInitialResponse).Data))
	require.NoError(t, err)
	response, err = handler.Handle(&pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	require.NoError(t, err)
	_, err = serverConv.Step(string(response.(*pgproto3.SASLResponse).Data))
	require.NoError(t, err)

	// A forged server signature must not pass verification.
	forged := "v=" + base64.StdEncoding.EncodeToString([]byte("not the real signature"))
	_, err = handler.Handle(&pgproto3.AuthenticationSASLFinal{Data: []byte(forged)})
	assert.Error(t, err)
}

func TestScramHandler_NoSupportedMechanism(t *testing.T) {
	handler := NewScramHandler(Credentials{Username: "alice", Password: "s3cret"})

	_, err := handler.Handle(&pgproto3.AuthenticationSASL{
		AuthMechanisms: []string{"SCRAM-SHA-1", "SCRAM-SHA-512"},
	})
	assert.ErrorIs(t, err, ErrUnsupportedMechanism)
}

func TestScramHandler_ChallengeBeforeNegotiation(t *testing.T) {
	t.Run("continue", func(t *testing.T) {
		handler := NewScramHandler(Credentials{Username: "alice"})
		_, err := handler.Handle(&pgproto3.AuthenticationSASLContinue{Data: []byte("r=...")})
		assert.ErrorIs(t, err, ErrMalformedChallenge)
	})

	t.Run("final", func(t *testing.T) {
		handler := NewScramHandler(Credentials{Username: "alice"})
		_, err := handler.Handle(&pgproto3.AuthenticationSASLFinal{Data: []byte("v=...")})
		assert.ErrorIs(t, err, ErrMalformedChallenge)
	})
}

func TestScramHandler_UnexpectedChallenge(t *testing.T) {
	handler := NewScramHandler(Credentials{Username: "alice"})

	_, err := handler.Handle(&pgproto3.AuthenticationCleartextPassword{})
	assert.ErrorIs(t, err, ErrUnexpectedChallenge)
}

func TestScramVerifier(t *testing.T) {
	verifier, err := ScramVerifier("s3cret", ScramIterationCount)
	require.NoError(t, err)

	parts := strings.SplitN(verifier, "$", 3)
	require.Len(t, parts, 3)
	assert.Equal(t, ScramSHA256Name, parts[0])

	saltPart := strings.SplitN(parts[1], ":", 2)
	require.Len(t, saltPart, 2)
	iterations, err := strconv.Atoi(saltPart[0])
	require.NoError(t, err)
	assert.Equal(t, ScramIterationCount, iterations)
	salt, err := base64.StdEncoding.DecodeString(saltPart[1])
	require.NoError(t, err)
	assert.Len(t, salt, ScramSaltSize)

	keys := strings.SplitN(parts[2], ":", 2)
	require.Len(t, keys, 2)

	// Cross-check against the scram library's own key derivation for
	// the same salt and iteration count.
	client, err := scram.SHA256.NewClient("alice", "s3cret", "")
	require.NoError(t, err)
	stored := client.GetStoredCredentials(scram.KeyFactors{Salt: string(salt), Iters: iterations})
	assert.Equal(t, base64.StdEncoding.EncodeToString(stored.StoredKey), keys[0])
	assert.Equal(t, base64.StdEncoding.EncodeToString(stored.ServerKey), keys[1])
}

func TestScramVerifier_DefaultIterations(t *testing.T) {
	verifier, err := ScramVerifier("s3cret", 0)
	require.NoError(t, err)
	assert.Contains(t, verifier, fmt.Sprintf("$%d:", ScramIterationCount))
}

func TestScramVerifier_UniqueSalts(t *testing.T) {
	first, err := ScramVerifier("s3cret", ScramIterationCount)
	require.NoError(t, err)
	second, err := ScramVerifier("s3cret", ScramIterationCount)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
