package fdl

import "fmt"

// Error represents an FDL protocol error.
type Error struct {
	// Type is the error type
	Type ErrorType

	// Message is a human-readable error message
	Message string

	// Command is the command code that was in flight (-1 if not applicable)
	Command int

	// Code is the decoded vendor response code (-1 if not applicable)
	Code int
}

// ErrorType categorizes FDL errors
type ErrorType int

const (
	// ErrTransportUnavailable indicates the underlying byte channel is
	// closed, disposed, or otherwise unusable
	ErrTransportUnavailable ErrorType = iota

	// ErrHandshakeFailed indicates all handshake strategies were exhausted
	ErrHandshakeFailed

	// ErrFrameMalformed indicates a frame failed structural validation
	ErrFrameMalformed

	// ErrChecksumMismatch indicates neither checksum algorithm validated
	// a received frame
	ErrChecksumMismatch

	// ErrUnexpectedResponse indicates the device answered with a response
	// code the operation did not expect; Code carries the vendor code
	ErrUnexpectedResponse

	// ErrOperationTimeout indicates no complete response arrived within
	// the operation's deadline, after all configured retries
	ErrOperationTimeout

	// ErrStagePrecondition indicates the operation requires a protocol
	// stage the session has not reached
	ErrStagePrecondition

	// ErrCancelled indicates the operation was cancelled by its context
	ErrCancelled
)

func (e *Error) Error() string {
	switch {
	case e.Code >= 0 && e.Command >= 0:
		return fmt.Sprintf("fdl %s: %s (command: %s, response: %s)",
			e.Type, e.Message, CommandName(byte(e.Command)), CommandName(byte(e.Code)))
	case e.Command >= 0:
		return fmt.Sprintf("fdl %s: %s (command: %s)", e.Type, e.Message, CommandName(byte(e.Command)))
	default:
		return fmt.Sprintf("fdl %s: %s", e.Type, e.Message)
	}
}

func (t ErrorType) String() string {
	switch t {
	case ErrTransportUnavailable:
		return "transport unavailable"
	case ErrHandshakeFailed:
		return "handshake failed"
	case ErrFrameMalformed:
		return "malformed frame"
	case ErrChecksumMismatch:
		return "checksum mismatch"
	case ErrUnexpectedResponse:
		return "unexpected response"
	case ErrOperationTimeout:
		return "timeout"
	case ErrStagePrecondition:
		return "stage precondition"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown error"
	}
}

// NewError creates a new FDL error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Command: -1,
		Code:    -1,
	}
}

// NewCommandError creates a new FDL error tied to a command exchange.
// code is the vendor response code, or -1 if no response was decoded.
func NewCommandError(errType ErrorType, message string, command byte, code int) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Command: int(command),
		Code:    code,
	}
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrOperationTimeout
	}
	return false
}

// IsChecksum checks if an error is a checksum mismatch
func IsChecksum(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrChecksumMismatch
	}
	return false
}

// IsCancelled checks if an error indicates cancellation
func IsCancelled(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrCancelled
	}
	return false
}

// IsUnexpectedResponse checks if an error carries a vendor response code.
// The code itself is available on the *Error as Code.
func IsUnexpectedResponse(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Type == ErrUnexpectedResponse
	}
	return false
}

// ResponseCode extracts the vendor response code from an error, or -1.
func ResponseCode(err error) int {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return -1
}
