package pgstartup

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe_PushAndDrain(t *testing.T) {
	pipe := NewPipe(4)

	require.NoError(t, pipe.Push(&pgproto3.StartupMessage{}))
	require.NoError(t, pipe.Push(&pgproto3.PasswordMessage{Password: "secret"}))
	pipe.Close()

	var msgs []pgproto3.FrontendMessage
	for msg := range pipe.Messages() {
		msgs = append(msgs, msg)
	}
	require.Len(t, msgs, 2)
	assert.IsType(t, &pgproto3.StartupMessage{}, msgs[0])
	assert.IsType(t, &pgproto3.PasswordMessage{}, msgs[1])
	assert.NoError(t, pipe.Err())
}

func TestPipe_PushAfterClose(t *testing.T) {
	pipe := NewPipe(4)
	pipe.Close()

	err := pipe.Push(&pgproto3.PasswordMessage{})
	assert.ErrorIs(t, err, ErrPipeClosed)
}

func TestPipe_Overflow(t *testing.T) {
	pipe := NewPipe(1)

	require.NoError(t, pipe.Push(&pgproto3.StartupMessage{}))
	err := pipe.Push(&pgproto3.PasswordMessage{})
	assert.ErrorIs(t, err, ErrPipeFull)
}

func TestPipe_CloseWithError(t *testing.T) {
	pipe := NewPipe(4)
	cause := errors.New("handler exploded")

	pipe.CloseWithError(cause)

	_, open := <-pipe.Messages()
	assert.False(t, open)
	assert.Equal(t, cause, pipe.Err())
}

func TestPipe_CloseWithNilError(t *testing.T) {
	pipe := NewPipe(4)
	pipe.CloseWithError(nil)
	assert.ErrorIs(t, pipe.Err(), ErrPipeClosed)
}

func TestPipe_FirstTerminationWins(t *testing.T) {
	t.Run("graceful then error", func(t *testing.T) {
		pipe := NewPipe(4)
		pipe.Close()
		pipe.CloseWithError(errors.New("too late"))
		assert.NoError(t, pipe.Err())
	})

	t.Run("error then graceful", func(t *testing.T) {
		pipe := NewPipe(4)
		cause := errors.New("first failure")
		pipe.CloseWithError(cause)
		pipe.Close()
		assert.Equal(t, cause, pipe.Err())
	})
}

func TestPipe_DefaultCapacity(t *testing.T) {
	pipe := NewPipe(0)
	assert.Equal(t, DefaultPipeCapacity, cap(pipe.Messages()))
}
