package tracking

import "fmt"

// Code is the stable, client-visible error code.
type Code string

const (
	CodeNotDriver         Code = "NOT_DRIVER"
	CodeBusAlreadyClaimed Code = "BUS_ALREADY_CLAIMED"
	CodeNotOnline         Code = "NOT_ONLINE"
	CodeBusNotFound       Code = "BUS_NOT_FOUND"
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is the {code, message} payload of the Error event.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func errNotDriver() *Error {
	return &Error{Code: CodeNotDriver, Message: "only drivers can go online as a bus"}
}

func errAlreadyClaimed(busID int) *Error {
	return &Error{Code: CodeBusAlreadyClaimed, Message: fmt.Sprintf("bus %d is already claimed by another driver", busID)}
}

func errNotOnline() *Error {
	return &Error{Code: CodeNotOnline, Message: "go online with a bus before sending GPS updates"}
}

func errBusNotFound() *Error {
	return &Error{Code: CodeBusNotFound, Message: "the claimed bus was not found"}
}

func errInvalid(msg string) *Error {
	return &Error{Code: CodeInvalidMessage, Message: msg}
}

func errInternal() *Error {
	return &Error{Code: CodeInternal, Message: "position could not be processed, try again"}
}
