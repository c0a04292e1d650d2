// Package client implements the transport side of the startup flow: a
// PostgreSQL frontend connection that speaks pgproto3 over TCP or Unix
// sockets and satisfies pgstartup.MessageChannel.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/gatewayd-io/pgstartup"
)

var (
	// ErrClosed is returned when the client has been closed.
	ErrClosed = errors.New("client is closed")

	// ErrConversationActive is returned by Exchange while a previous
	// conversation is still running.
	ErrConversationActive = errors.New("a conversation is already in progress")

	// ErrSSLRefused means the server answered the SSLRequest with 'N'
	// under an SSL mode that demands encryption.
	ErrSSLRefused = errors.New("server refused SSL")

	// ErrUnknownSSLMode is returned for SSL modes this client does not
	// implement.
	ErrUnknownSSLMode = errors.New("unknown ssl mode")

	// ErrNoBackendKeyData is returned by CancelRequest before the
	// server has issued a cancellation key.
	ErrNoBackendKeyData = errors.New("no backend key data received yet")
)

// Client is a PostgreSQL frontend connection. It writes frontend
// messages and delivers backend messages over a single net.Conn, one
// conversation at a time.
type Client struct {
	cfg      Config
	logger   hclog.Logger
	conn     net.Conn
	frontend *pgproto3.Frontend

	mu       sync.Mutex
	busy     bool
	closed   bool
	writeErr error

	stateMu sync.RWMutex
	params  map[string]string
	keyData *pgproto3.BackendKeyData
}

// Dial connects to cfg.Address, retrying per the backoff configuration,
// and negotiates SSL per cfg.SSLMode. Unix sockets skip SSL.
func Dial(ctx context.Context, cfg Config, logger hclog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	logger = logger.Named("pgclient")

	network, address := cfg.network()
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}

	var (
		conn net.Conn
		err  error
	)
	retry := backoff.New(ctx, backoff.Config{
		MinBackoff: cfg.MinBackoff,
		MaxBackoff: cfg.MaxBackoff,
		MaxRetries: cfg.MaxRetries,
	})
	for retry.Ongoing() {
		DialsTotal.Inc()
		conn, err = dialer.DialContext(ctx, network, address)
		if err == nil {
			break
		}
		logger.Debug("dial failed",
			"address", address,
			"attempt", retry.NumRetries()+1,
			"error", err)
		DialRetriesTotal.Inc()
		retry.Wait()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	if conn == nil {
		return nil, retry.Err()
	}

	if network != "unix" {
		secured, err := negotiateSSL(ctx, conn, cfg, logger)
		if err != nil {
			conn.Close()
			return nil, err
		}
		conn = secured
	}

	return NewClient(conn, cfg, logger), nil
}

// NewClient wraps an established connection assumed to be past any SSL
// negotiation. Dial is the usual constructor; this one exists for
// callers that manage their own transport.
func NewClient(conn net.Conn, cfg Config, logger hclog.Logger) *Client {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Client{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		conn:     conn,
		frontend: pgproto3.NewFrontend(conn, conn),
		params:   make(map[string]string),
	}
}

// negotiateSSL performs the SSLRequest dance and upgrades the
// connection when the server agrees. The answer is a single raw byte,
// which is why this runs before the Frontend owns the stream.
func negotiateSSL(ctx context.Context, conn net.Conn, cfg Config, logger hclog.Logger) (net.Conn, error) {
	switch cfg.SSLMode {
	case SSLModeDisable:
		return conn, nil
	case SSLModePrefer, SSLModeRequire, SSLModeVerifyFull:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSSLMode, cfg.SSLMode)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting negotiation deadline: %w", err)
		}
		defer conn.SetDeadline(time.Time{}) //nolint:errcheck
	}

	request, err := (&pgproto3.SSLRequest{}).Encode(nil)
	if err != nil {
		return nil, fmt.Errorf("encoding ssl request: %w", err)
	}
	if _, err := conn.Write(request); err != nil {
		return nil, fmt.Errorf("writing ssl request: %w", err)
	}

	answer := make([]byte, 1)
	if _, err := io.ReadFull(conn, answer); err != nil {
		return nil, fmt.Errorf("reading ssl answer: %w", err)
	}

	switch answer[0] {
	case 'S':
	case 'N':
		if cfg.SSLMode == SSLModePrefer {
			logger.Debug("server refused SSL, continuing in cleartext")
			return conn, nil
		}
		return nil, ErrSSLRefused
	default:
		return nil, fmt.Errorf("unexpected ssl answer byte %q", answer[0])
	}

	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		host = cfg.Address
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS, cfg.SSLMode, host)
	if err != nil {
		return nil, err
	}

	secured := tls.Client(conn, tlsConfig)
	if err := secured.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	logger.Debug("ssl negotiated", "server_name", tlsConfig.ServerName)
	return secured, nil
}

// Exchange implements pgstartup.MessageChannel. One conversation runs
// at a time; its inbound sequence ends when the server sends
// ReadyForQuery, closes the connection on a message boundary, or fails.
func (c *Client) Exchange(ctx context.Context, requests pgstartup.RequestSource) (<-chan pgstartup.InboundMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.busy {
		c.mu.Unlock()
		return nil, ErrConversationActive
	}
	c.busy = true
	c.writeErr = nil
	c.mu.Unlock()

	ConversationsTotal.Inc()
	inbound := make(chan pgstartup.InboundMessage, c.cfg.InboundBuffer)
	go c.writeLoop(ctx, requests)
	go c.readLoop(ctx, inbound)
	return inbound, nil
}

// writeLoop drains the request source onto the wire. Each message is
// flushed immediately: the startup conversation is strictly
// request/response.
func (c *Client) writeLoop(ctx context.Context, requests pgstartup.RequestSource) {
	for {
		select {
		case <-ctx.Done():
			c.abort(ctx.Err())
			return
		case msg, ok := <-requests.Messages():
			if !ok {
				if err := requests.Err(); err != nil {
					// The flow gave up mid-handshake; the session is
					// poisoned and the connection goes with it.
					c.abort(err)
				}
				return
			}
			c.frontend.Send(msg)
			if err := c.frontend.Flush(); err != nil {
				c.abort(fmt.Errorf("writing message: %w", err))
				return
			}
		}
	}
}

// readLoop delivers backend messages until the conversation window
// closes. Messages are copied out of the Frontend's reusable decoder
// structs before they cross the goroutine boundary.
func (c *Client) readLoop(ctx context.Context, inbound chan<- pgstartup.InboundMessage) {
	defer close(inbound)
	defer c.endConversation()

	for {
		msg, err := c.frontend.Receive()
		if err != nil {
			if cause := c.fatalError(); cause != nil {
				err = cause
			} else if errors.Is(err, io.EOF) {
				// Orderly close on a message boundary ends the
				// conversation without error.
				c.logger.Debug("server closed the connection")
				return
			}
			select {
			case inbound <- pgstartup.InboundMessage{Err: err}:
			case <-ctx.Done():
			}
			return
		}

		msg = cloneBackendMessage(msg)
		c.observe(msg)

		select {
		case inbound <- pgstartup.InboundMessage{Msg: msg}:
		case <-ctx.Done():
			return
		}

		if _, done := msg.(*pgproto3.ReadyForQuery); done {
			return
		}
	}
}

// abort records the first fatal error and drops the connection so the
// read side unblocks.
func (c *Client) abort(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}

func (c *Client) fatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *Client) endConversation() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// observe keeps the connection-scoped bookkeeping the startup
// conversation produces.
func (c *Client) observe(msg pgproto3.BackendMessage) {
	switch m := msg.(type) {
	case *pgproto3.ParameterStatus:
		c.stateMu.Lock()
		c.params[m.Name] = m.Value
		c.stateMu.Unlock()
	case *pgproto3.BackendKeyData:
		keyData := *m
		c.stateMu.Lock()
		c.keyData = &keyData
		c.stateMu.Unlock()
	}
}

// ServerParameters returns a snapshot of the run-time parameters the
// server has reported (server_version, client_encoding, ...).
func (c *Client) ServerParameters() map[string]string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	params := make(map[string]string, len(c.params))
	for name, value := range c.params {
		params[name] = value
	}
	return params
}

// BackendKeyData returns the cancellation key the server issued during
// startup.
func (c *Client) BackendKeyData() (processID, secretKey uint32, ok bool) {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.keyData == nil {
		return 0, 0, false
	}
	return c.keyData.ProcessID, c.keyData.SecretKey, true
}

// CancelRequest asks the server to cancel whatever the backend behind
// this client is running. The protocol requires a dedicated connection
// carrying exactly one CancelRequest message; the server answers by
// closing it.
func (c *Client) CancelRequest(ctx context.Context) error {
	processID, secretKey, ok := c.BackendKeyData()
	if !ok {
		return ErrNoBackendKeyData
	}

	network, address := c.cfg.network()
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return fmt.Errorf("dialing for cancel request: %w", err)
	}
	defer conn.Close()

	request, err := (&pgproto3.CancelRequest{ProcessID: processID, SecretKey: secretKey}).Encode(nil)
	if err != nil {
		return fmt.Errorf("encoding cancel request: %w", err)
	}
	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("writing cancel request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline) //nolint:errcheck
	}
	buf := make([]byte, 1)
	conn.Read(buf) //nolint:errcheck // wait for the server to hang up
	return nil
}

// Close drops the connection. An in-flight conversation ends with a
// transport error.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// cloneBackendMessage copies a message out of the Frontend's reusable
// decoder structs. Receive returns pointers that stay valid only until
// the next call, and the conversation hands messages to another
// goroutine.
func cloneBackendMessage(msg pgproto3.BackendMessage) pgproto3.BackendMessage {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		clone := *m
		return &clone
	case *pgproto3.AuthenticationCleartextPassword:
		clone := *m
		return &clone
	case *pgproto3.AuthenticationMD5Password:
		clone := *m
		return &clone
	case *pgproto3.AuthenticationSASL:
		clone := *m
		clone.AuthMechanisms = append([]string(nil), m.AuthMechanisms...)
		return &clone
	case *pgproto3.AuthenticationSASLContinue:
		clone := *m
		clone.Data = append([]byte(nil), m.Data...)
		return &clone
	case *pgproto3.AuthenticationSASLFinal:
		clone := *m
		clone.Data = append([]byte(nil), m.Data...)
		return &clone
	case *pgproto3.ParameterStatus:
		clone := *m
		return &clone
	case *pgproto3.BackendKeyData:
		clone := *m
		return &clone
	case *pgproto3.ReadyForQuery:
		clone := *m
		return &clone
	}

	// Everything else round-trips through its own wire encoding into a
	// fresh instance.
	encoded, err := msg.Encode(nil)
	if err != nil || len(encoded) < 5 {
		return msg
	}
	msgType := reflect.TypeOf(msg)
	if msgType.Kind() != reflect.Ptr {
		return msg
	}
	fresh, ok := reflect.New(msgType.Elem()).Interface().(pgproto3.BackendMessage)
	if !ok {
		return msg
	}
	if err := fresh.Decode(encoded[5:]); err != nil {
		return msg
	}
	return fresh
}
