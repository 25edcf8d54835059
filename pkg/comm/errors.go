package comm

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates this package's error taxonomy. It is carried both
// on CommError (for synchronous call failures) and on Event.Error (for
// failures delivered asynchronously via a dispatch handler).
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota

	// Setup errors: returned synchronously from connect/listen.
	ErrCodeInvalidAddress
	ErrCodeSocketError
	ErrCodeBindError
	ErrCodePollError

	// Connection-lifecycle errors.
	ErrCodeNotConnected
	ErrCodeBrokenConnection
	ErrCodeConnectTimeout
	ErrCodeConnectError
	ErrCodeAlreadyConnected
	ErrCodeInvalidProxy

	// Request-level errors.
	ErrCodeRequestTimeout
	ErrCodeResponseTruncated
	ErrCodeProtocolError
	ErrCodeIgnoredResponse

	// Session errors (coordination client).
	ErrCodeSessionExpired
	ErrCodeJeopardy
	ErrCodeNotMaster
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "OK"
	case ErrCodeInvalidAddress:
		return "INVALID_ADDRESS"
	case ErrCodeSocketError:
		return "SOCKET_ERROR"
	case ErrCodeBindError:
		return "BIND_ERROR"
	case ErrCodePollError:
		return "POLL_ERROR"
	case ErrCodeNotConnected:
		return "NOT_CONNECTED"
	case ErrCodeBrokenConnection:
		return "BROKEN_CONNECTION"
	case ErrCodeConnectTimeout:
		return "CONNECT_TIMEOUT"
	case ErrCodeConnectError:
		return "CONNECT_ERROR"
	case ErrCodeAlreadyConnected:
		return "ALREADY_CONNECTED"
	case ErrCodeInvalidProxy:
		return "INVALID_PROXY"
	case ErrCodeRequestTimeout:
		return "REQUEST_TIMEOUT"
	case ErrCodeResponseTruncated:
		return "RESPONSE_TRUNCATED"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeIgnoredResponse:
		return "IGNORED_RESPONSE"
	case ErrCodeSessionExpired:
		return "SESSION_EXPIRED"
	case ErrCodeJeopardy:
		return "JEOPARDY"
	case ErrCodeNotMaster:
		return "NOT_MASTER"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// CommError is the error type returned synchronously by every Comm and
// ConnectionManager method that can fail. Callers inspecting a specific
// failure should compare Code, not the error string.
type CommError struct {
	Code ErrorCode
	Msg  string
}

func (e *CommError) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// CodeOf extracts the ErrorCode from err if it is (or wraps) a *CommError,
// or ErrCodeOK if err is nil, or ErrCodeSocketError as a catch-all for any
// other non-nil error (e.g. a raw net.Error from a socket call we did not
// wrap).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var ce *CommError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrCodeSocketError
}

func newErr(code ErrorCode, msg string) *CommError { return &CommError{Code: code, Msg: msg} }
