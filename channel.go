package pgstartup

import (
	"context"

	"github.com/jackc/pgx/v5/pgproto3"
)

// InboundMessage is one element of the inbound sequence. Exactly one of
// Msg and Err is set. An element with Err set is terminal: the channel
// delivers nothing after it.
type InboundMessage struct {
	Msg pgproto3.BackendMessage
	Err error
}

// MessageChannel is the duplex conversation the startup flow runs over.
//
// Exchange must write every message yielded by requests, in push order,
// and deliver the server's replies in arrival order, one at a time,
// without reordering or dropping. The protocol is synchronous
// request/response: the server sends the next challenge only after it
// has received the answer to the current one, and implementations must
// not deliver inbound messages concurrently, since that guarantee is
// what keeps at most one challenge in flight.
//
// Transport failures are delivered as a terminal InboundMessage.Err.
// The returned channel is closed when the conversation ends, whether
// normally or after a terminal error.
type MessageChannel interface {
	Exchange(ctx context.Context, requests RequestSource) (<-chan InboundMessage, error)
}
