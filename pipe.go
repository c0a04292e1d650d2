package pgstartup

import (
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"
)

// DefaultPipeCapacity is the outbound buffer used when Options does not
// set one. The startup conversation sends one message per server
// challenge, so a handful of slots is plenty.
const DefaultPipeCapacity = 16

// RequestSource is the read side of the outbound production point. A
// message channel drains Messages until it is closed and then inspects
// Err to tell graceful completion apart from failure.
type RequestSource interface {
	// Messages yields outbound messages in push order. The channel is
	// closed once no further messages will ever be produced.
	Messages() <-chan pgproto3.FrontendMessage

	// Err reports how the source terminated: nil for graceful
	// completion, otherwise the error it was closed with. Meaningful
	// once Messages is closed.
	Err() error
}

// Pipe is the single-writer production point for frontend messages. The
// flow is the only writer; the message channel is the only reader. It
// terminates in exactly one of two ways: Close for graceful completion
// or CloseWithError for failure. The first termination wins.
type Pipe struct {
	mu     sync.Mutex
	ch     chan pgproto3.FrontendMessage
	closed bool
	err    error
}

// NewPipe returns a pipe buffering up to capacity outbound messages.
// A capacity below one falls back to DefaultPipeCapacity.
func NewPipe(capacity int) *Pipe {
	if capacity < 1 {
		capacity = DefaultPipeCapacity
	}
	return &Pipe{ch: make(chan pgproto3.FrontendMessage, capacity)}
}

// Push enqueues one outbound message. It never blocks: a closed pipe
// yields ErrPipeClosed and an undrained full buffer yields ErrPipeFull.
func (p *Pipe) Push(msg pgproto3.FrontendMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipeClosed
	}
	select {
	case p.ch <- msg:
		return nil
	default:
		return ErrPipeFull
	}
}

// Close completes the pipe gracefully. No-op if already terminated.
func (p *Pipe) Close() {
	p.terminate(nil)
}

// CloseWithError completes the pipe with err so the reader can tell the
// conversation is poisoned. No-op if already terminated.
func (p *Pipe) CloseWithError(err error) {
	if err == nil {
		err = ErrPipeClosed
	}
	p.terminate(err)
}

func (p *Pipe) terminate(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.err = err
	close(p.ch)
}

// Messages implements RequestSource.
func (p *Pipe) Messages() <-chan pgproto3.FrontendMessage {
	return p.ch
}

// Err implements RequestSource.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
