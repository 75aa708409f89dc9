package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrSessionLocked   = fmt.Errorf("session is locked by another client")
	ErrSessionNotFound = fmt.Errorf("session not found")
	ErrTransportClosed = fmt.Errorf("transport connection closed")
	ErrRPCFailed       = fmt.Errorf("rpc call failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")
	ErrDecryption      = fmt.Errorf("decryption failed")
	ErrCacheUnavail    = fmt.Errorf("history cache unavailable")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g. "Transport.SendMessage")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category. The server uses the same
// codes on the wire; SESSION_LOCKED is the one consumed semantically by the
// session controller.
type ErrorCode string

const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeSessionLocked   ErrorCode = "SESSION_LOCKED"
	CodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	CodeTransportClosed ErrorCode = "TRANSPORT_CLOSED"
	CodeRPCFailed       ErrorCode = "RPC_FAILED"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeDecryption      ErrorCode = "DECRYPTION"
	CodeCacheUnavail    ErrorCode = "CACHE_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrSessionLocked:   CodeSessionLocked,
	ErrSessionNotFound: CodeSessionNotFound,
	ErrTransportClosed: CodeTransportClosed,
	ErrRPCFailed:       CodeRPCFailed,
	ErrConfigLoad:      CodeConfigLoad,
	ErrDecryption:      CodeDecryption,
	ErrCacheUnavail:    CodeCacheUnavail,
}

// codeErrorMap is the inverse mapping, used when reviving wire errors.
var codeErrorMap = func() map[ErrorCode]error {
	m := make(map[ErrorCode]error, len(errorCodeMap))
	for err, code := range errorCodeMap {
		m[code] = err
	}
	return m
}()

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError chains and uses errors.Is to match sentinels.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// ErrorFromCode revives a sentinel from a wire error code, so that
// errors.Is works on errors that crossed the transport. Unknown codes map
// to ErrRPCFailed.
func ErrorFromCode(code ErrorCode) error {
	if err, ok := codeErrorMap[code]; ok {
		return err
	}
	return ErrRPCFailed
}
