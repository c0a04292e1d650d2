package pgstartup

import "errors"

var (
	// ErrInvalidArgument is returned when a required startup parameter or
	// collaborator is missing. No network interaction has happened yet.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPipeClosed is returned by Pipe.Push after the pipe has been
	// closed, gracefully or with an error.
	ErrPipeClosed = errors.New("outbound pipe is closed")

	// ErrPipeFull is returned by Pipe.Push when the reader has stopped
	// draining and the buffer is exhausted. The protocol allows at most
	// one response per challenge, so a full pipe means the message
	// channel violated its contract.
	ErrPipeFull = errors.New("outbound pipe overflow")

	// ErrFlowAbandoned terminates the outbound side when the caller
	// closes the flow before authentication completed.
	ErrFlowAbandoned = errors.New("startup flow abandoned before completion")
)
