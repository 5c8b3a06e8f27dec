package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout               = errors.New("protocol: request timed out")
	ErrClosed                = errors.New("protocol: connection closed")
	ErrBrokenFrame           = errors.New("protocol: broken frame")
	ErrConnectRefused        = errors.New("protocol: connection refused")
	ErrEncryptionUnsupported = errors.New("protocol: encrypted connections are not supported")
	ErrUnknownCommand        = errors.New("protocol: unknown command")
	ErrHandshake             = errors.New("protocol: handshake failed")
)

// ProtocolError is a well-formed message that breaks the command contract:
// a response to no pending request, a missing field, an unexpected command.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol: " + e.Msg
}

// RemoteError is a response carrying an "error" field.
type RemoteError struct {
	Cmd     Command
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("protocol: %s: remote error: %s", e.Cmd, e.Message)
}
