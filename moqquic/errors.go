package moqquic

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/okdaichi/moqquic/quic"
)

var (
	// ErrInvalidArgument is returned for a malformed host, port or capacity.
	ErrInvalidArgument = errors.New("moqquic: invalid argument")

	// ErrEngineNotInitialized is returned before Init, after Cleanup,
	// or when the engine could not be started.
	ErrEngineNotInitialized = errors.New("moqquic: engine not initialized")

	// ErrNotFound is returned for an unknown or already closed connection id.
	ErrNotFound = errors.New("moqquic: connection not found")

	// ErrResourceExhausted is returned when the registry is full or the engine is degraded.
	ErrResourceExhausted = errors.New("moqquic: resource exhausted")

	// ErrConnectionFailed is returned once a handshake or transport failure was observed.
	ErrConnectionFailed = errors.New("moqquic: connection failed")

	// ErrTimeout is returned when a handshake or idle timeout elapsed.
	ErrTimeout = errors.New("moqquic: timeout")
)

// ErrorCode is the stable integer form of an error, as returned by the C ABI.
// Success is zero and every failure is negative.
type ErrorCode int

const (
	CodeOK                   ErrorCode = 0
	CodeInvalidArgument      ErrorCode = -1
	CodeEngineNotInitialized ErrorCode = -2
	CodeNotFound             ErrorCode = -3
	CodeResourceExhausted    ErrorCode = -4
	CodeConnectionFailed     ErrorCode = -5
	CodeTimeout              ErrorCode = -6
	CodeInternal             ErrorCode = -7
)

var ErrorCodeTexts = map[ErrorCode]string{
	CodeOK:                   "moqquic: ok",
	CodeInvalidArgument:      "moqquic: invalid argument",
	CodeEngineNotInitialized: "moqquic: engine not initialized",
	CodeNotFound:             "moqquic: connection not found",
	CodeResourceExhausted:    "moqquic: resource exhausted",
	CodeConnectionFailed:     "moqquic: connection failed",
	CodeTimeout:              "moqquic: timeout",
	CodeInternal:             "moqquic: internal error",
}

func (code ErrorCode) String() string {
	if text, ok := ErrorCodeTexts[code]; ok {
		return text
	}
	return fmt.Sprintf("moqquic: error code %d", int(code))
}

var sentinelCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrEngineNotInitialized, CodeEngineNotInitialized},
	{ErrNotFound, CodeNotFound},
	{ErrResourceExhausted, CodeResourceExhausted},
	{ErrTimeout, CodeTimeout},
	{ErrConnectionFailed, CodeConnectionFailed},
}

// CodeOf maps err to its ErrorCode. A nil error maps to CodeOK.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Code
	}

	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			return s.code
		}
	}

	return CodeInternal
}

// ConnectionError records a failure observed on a connection.
// It wraps the underlying QUIC error, if any.
type ConnectionError struct {
	ID     uint64
	Code   ErrorCode
	Remote bool // the peer closed or reset the connection
	Err    error
}

func (err *ConnectionError) Error() string {
	role := "local"
	if err.Remote {
		role = "remote"
	}
	if err.Err == nil {
		return fmt.Sprintf("%s (connection %d, %s)", err.Code, err.ID, role)
	}
	return fmt.Sprintf("%s (connection %d, %s): %v", err.Code, err.ID, role, err.Err)
}

func (err *ConnectionError) Unwrap() error {
	return err.Err
}

// Is reports ErrConnectionFailed for every connection failure, and ErrTimeout
// for timeouts.
func (err *ConnectionError) Is(target error) bool {
	switch target {
	case ErrConnectionFailed:
		return true
	case ErrTimeout:
		return err.Code == CodeTimeout
	default:
		return false
	}
}

// classifyError maps an error that ended a session to the status the
// connection moves to and the error surfaced to the caller.
func classifyError(id uint64, err error) (Status, *ConnectionError) {
	connErr := &ConnectionError{ID: id, Code: CodeConnectionFailed, Err: err}

	var (
		appErr       *quic.ApplicationError
		idleErr      *quic.IdleTimeoutError
		handshakeErr *quic.HandshakeTimeoutError
		resetErr     *quic.StatelessResetError
	)

	switch {
	case errors.As(err, &idleErr), errors.As(err, &handshakeErr):
		connErr.Code = CodeTimeout
		return StatusFailed, connErr
	case errors.Is(err, context.DeadlineExceeded):
		connErr.Code = CodeTimeout
		return StatusFailed, connErr
	case errors.As(err, &resetErr):
		connErr.Remote = true
		return StatusFailed, connErr
	case errors.As(err, &appErr) && appErr.Remote:
		connErr.Remote = true
		return StatusClosing, connErr
	case errors.Is(err, io.EOF):
		connErr.Remote = true
		return StatusClosing, connErr
	default:
		return StatusFailed, connErr
	}
}
