package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure of the license gate. Callers branch on the kind,
// never on the message text.
type Kind string

const (
	// KindNetwork covers connect, timeout and I/O failures.
	KindNetwork Kind = "NETWORK"
	// KindProtocol covers non-2xx statuses and malformed response bodies.
	KindProtocol Kind = "PROTOCOL"
	// KindRejected is a server-confirmed invalid, expired or banned code.
	KindRejected Kind = "REJECTED"
	// KindDecrypt is a bad payload, padding, IV or key on the config blob.
	KindDecrypt Kind = "DECRYPT"
	// KindStorage is a failure of the credential store.
	KindStorage Kind = "STORAGE"
	// KindConfig is an invalid configuration value.
	KindConfig Kind = "CONFIG"
)

// Sentinels matched with errors.Is against any *LicenseError of that kind.
var (
	ErrNetwork  = errors.New("license network error")
	ErrProtocol = errors.New("license protocol error")
	ErrRejected = errors.New("license rejected")
	ErrDecrypt  = errors.New("config decrypt error")
	ErrStorage  = errors.New("credential storage error")
	ErrConfig   = errors.New("invalid configuration")

	// ErrVerificationInProgress is returned when a code is submitted while a
	// verification is already in flight.
	ErrVerificationInProgress = errors.New("verification already in progress")
	// ErrNotAwaitingInput is returned when a code is submitted outside the
	// unverified state.
	ErrNotAwaitingInput = errors.New("controller is not awaiting a code")
	// ErrAttemptsExhausted is returned once the session's attempt cap is hit.
	ErrAttemptsExhausted = errors.New("verification attempts exhausted")
)

var kindSentinels = map[Kind]error{
	KindNetwork:  ErrNetwork,
	KindProtocol: ErrProtocol,
	KindRejected: ErrRejected,
	KindDecrypt:  ErrDecrypt,
	KindStorage:  ErrStorage,
	KindConfig:   ErrConfig,
}

// User-facing texts shown through the dialog callback.
const (
	MsgPrompt       = "Please enter your license code. New users can start a free trial."
	MsgRetry        = "Unable to verify the license right now. Please check your connection and try again."
	MsgRejected     = "The license code was not accepted."
	MsgProtocol     = "The license server returned an unexpected response. Please try again."
	MsgEmptyCode    = "The license code must not be empty."
	MsgTrialStarted = "Trial started"
	MsgVerified     = "License verified"
	MsgExhausted    = "Too many failed attempts. Please restart the application to try again."
)

// LicenseError carries the kind of a license gate failure together with the
// operation that produced it.
type LicenseError struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface
func (e *LicenseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = kindSentinels[e.Kind].Error()
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Kind, msg, e.Err)
	default:
		return fmt.Sprintf("[%s] %s", e.Kind, msg)
	}
}

// Unwrap allows errors.Is and errors.As to reach the cause
func (e *LicenseError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *LicenseError) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// NewLicenseError creates a new license error
func NewLicenseError(kind Kind, op, message string, cause error) *LicenseError {
	return &LicenseError{
		Kind:    kind,
		Op:      op,
		Message: message,
		Err:     cause,
	}
}

// Network wraps a transport failure.
func Network(op string, cause error) *LicenseError {
	return NewLicenseError(KindNetwork, op, "", cause)
}

// Protocol wraps a malformed or unexpected response.
func Protocol(op, message string, cause error) *LicenseError {
	return NewLicenseError(KindProtocol, op, message, cause)
}

// Rejected carries the server's literal rejection message.
func Rejected(op, message string) *LicenseError {
	return NewLicenseError(KindRejected, op, message, nil)
}

// Decrypt wraps a config payload decode failure.
func Decrypt(op, message string, cause error) *LicenseError {
	return NewLicenseError(KindDecrypt, op, message, cause)
}

// Storage wraps a credential store failure.
func Storage(op string, cause error) *LicenseError {
	return NewLicenseError(KindStorage, op, "", cause)
}

// Config reports an invalid configuration value.
func Config(op, message string) *LicenseError {
	return NewLicenseError(KindConfig, op, message, nil)
}

// KindOf returns the kind of the first *LicenseError in err's chain.
func KindOf(err error) (Kind, bool) {
	var le *LicenseError
	if errors.As(err, &le) {
		return le.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err leaves stored credentials untouched and
// warrants a generic retry prompt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrProtocol)
}
