package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the call lifecycle.
var (
	ErrConfigInvalid    = fmt.Errorf("invalid configuration")
	ErrAttachTimeout    = fmt.Errorf("media stream attach timed out")
	ErrUserHungUp       = fmt.Errorf("user hung up")
	ErrSTTConnectFailed = fmt.Errorf("transcription session connect failed")
	ErrSTTDisconnected  = fmt.Errorf("transcription session disconnected")
	ErrTunnelLost       = fmt.Errorf("tunnel connection lost")
	ErrSignatureInvalid = fmt.Errorf("webhook signature invalid")
	ErrSocketClosed     = fmt.Errorf("media socket closed")
	ErrCallEnded        = fmt.Errorf("call already ended")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g. "Session.Listen")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g. "call", "tunnel"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"

	CodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	CodeAttachTimeout    ErrorCode = "ATTACH_TIMEOUT"
	CodeUserHungUp       ErrorCode = "USER_HUNG_UP"
	CodeSTTConnectFailed ErrorCode = "STT_CONNECT_FAILED"
	CodeSTTDisconnected  ErrorCode = "STT_DISCONNECTED"
	CodeTunnelLost       ErrorCode = "TUNNEL_LOST"
	CodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	CodeSocketClosed     ErrorCode = "SOCKET_CLOSED"
	CodeCallEnded        ErrorCode = "CALL_ENDED"

	// Subsystem-specific codes used by subSystemCodeMap for category sentinels.
	CodeCallNotFound  ErrorCode = "CALL_NOT_FOUND"
	CodeCallMax       ErrorCode = "CALL_MAX_CONCURRENT"
	CodeListenTimeout ErrorCode = "LISTEN_TIMEOUT"
	CodeInvalidPhone  ErrorCode = "CALL_INVALID_PHONE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrConfigInvalid:    CodeConfigInvalid,
	ErrAttachTimeout:    CodeAttachTimeout,
	ErrUserHungUp:       CodeUserHungUp,
	ErrSTTConnectFailed: CodeSTTConnectFailed,
	ErrSTTDisconnected:  CodeSTTDisconnected,
	ErrTunnelLost:       CodeTunnelLost,
	ErrSignatureInvalid: CodeSignatureInvalid,
	ErrSocketClosed:     CodeSocketClosed,
	ErrCallEnded:        CodeCallEnded,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"call": CodeCallNotFound,
	},
	ErrTimeout: {
		"call": CodeListenTimeout,
	},
	ErrLimitReached: {
		"call": CodeCallMax,
	},
	ErrInvalidInput: {
		"call": CodeInvalidPhone,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
