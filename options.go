package pgstartup

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Options carries the identification parameters for one startup flow.
// Constructed once per handshake and not mutated afterwards.
type Options struct {
	// ApplicationName is reported to the server as application_name.
	// Required.
	ApplicationName string

	// Username is the role to authenticate as. Required.
	Username string

	// Database to attach to. Optional; when empty the server falls back
	// to its default for the role.
	Database string

	// Parameters holds additional run-time parameters (client_encoding,
	// DateStyle, ...) merged into the startup message. The identity
	// parameters above always win over entries here.
	Parameters map[string]string

	// PipeCapacity bounds the outbound message buffer. Zero means
	// DefaultPipeCapacity.
	PipeCapacity int

	// Logger receives flow-level debug logging. Nil disables logging.
	Logger hclog.Logger
}

func (o Options) validate() error {
	if o.ApplicationName == "" {
		return fmt.Errorf("%w: application name must not be empty", ErrInvalidArgument)
	}
	if o.Username == "" {
		return fmt.Errorf("%w: username must not be empty", ErrInvalidArgument)
	}
	return nil
}

// startupMessage builds the identification message, always the first
// message on the wire.
func (o Options) startupMessage() *pgproto3.StartupMessage {
	params := make(map[string]string, len(o.Parameters)+3)
	for name, value := range o.Parameters {
		params[name] = value
	}
	params["user"] = o.Username
	params["application_name"] = o.ApplicationName
	if o.Database != "" {
		params["database"] = o.Database
	} else {
		delete(params, "database")
	}

	return &pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      params,
	}
}

func (o Options) logger() hclog.Logger {
	if o.Logger == nil {
		return hclog.NewNullLogger()
	}
	return o.Logger
}
