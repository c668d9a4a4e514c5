package tftp

import (
	"errors"
	"fmt"
)

// errEmbeddedNUL is returned by NewRequestPacket and NewErrorPacket when a
// caller-supplied filename or error message contains a NUL byte, which the
// wire format reserves as a field terminator. Download and Upload wrap it in
// Error{Kind: KindBadFilename}.
var errEmbeddedNUL = errors.New("tftp: string contains an embedded NUL byte")

// Sentinel causes suitable for errors.Is checks against the error returned
// by Download and Upload.
var (
	// ErrBadFilename is wrapped by Error when a filename contains an
	// embedded NUL byte.
	ErrBadFilename = errEmbeddedNUL

	// ErrTimeout is wrapped by Error when MaxRetries consecutive receive
	// timeouts occur without forward progress.
	ErrTimeout = errors.New("tftp: timed out waiting for a reply")

	// ErrInvalidOptions is returned directly (not wrapped in Error) when
	// Options fails validation before a transfer begins.
	ErrInvalidOptions = errors.New("tftp: invalid options")
)

// ErrorKind classifies the errors Download and Upload can return, per
// spec.md §7's error taxonomy.
type ErrorKind int

// ErrorKind values.
const (
	// KindBadFilename: the caller's filename contained an embedded NUL.
	KindBadFilename ErrorKind = iota
	// KindSocketIO: the transport failed for a reason other than timeout.
	KindSocketIO
	// KindTimeout: MaxRetries consecutive receive timeouts occurred.
	KindTimeout
	// KindParse: a datagram from the locked peer failed to decode.
	KindParse
	// KindUnexpectedPacket: a well-formed packet of the wrong variant
	// arrived for the current phase.
	KindUnexpectedPacket
	// KindProtocol: the server sent an ERROR packet.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadFilename:
		return "bad filename"
	case KindSocketIO:
		return "socket I/O"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindUnexpectedPacket:
		return "unexpected packet"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the error type returned by Download and Upload. Every field
// besides Kind is optional and populated only for the Kind it documents.
type Error struct {
	Kind ErrorKind

	// Err is the wrapped cause: ErrBadFilename, ErrTimeout, a transport
	// error (KindSocketIO), a *DecodeError (KindParse), or the server's
	// *ErrorPacket (KindProtocol).
	Err error

	// Packet is set for KindUnexpectedPacket: the well-formed packet that
	// arrived when a different variant was expected.
	Packet Packet

	// Code and Msg are set for KindProtocol, copied from the server's
	// ERROR packet.
	Code ErrorCode
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case KindBadFilename:
		return fmt.Sprintf("tftp: %v", e.Err)
	case KindSocketIO:
		return fmt.Sprintf("tftp: transport error: %v", e.Err)
	case KindTimeout:
		return "tftp: timed out waiting for a reply"
	case KindParse:
		return fmt.Sprintf("tftp: failed to decode reply: %v", e.Err)
	case KindUnexpectedPacket:
		return fmt.Sprintf("tftp: unexpected %T from server", e.Packet)
	case KindProtocol:
		return fmt.Sprintf("tftp: server error %s (%02d): %s", e.Code, e.Code, e.Msg)
	default:
		return "tftp: unknown error"
	}
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause
// (ErrBadFilename, ErrTimeout, a transport error, a *DecodeError, or an
// *ErrorPacket).
func (e *Error) Unwrap() error {
	return e.Err
}
