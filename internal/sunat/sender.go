// Package sunat talks to the tax authority delivery endpoint.
//
// The dispatcher depends only on the Sender interface. Client is the SOAP
// implementation used in production (sendBill, sendSummary, getStatus).
package sunat

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rezonia/xml-sender/internal/model"
)

// SendRequest carries one document to the delivery endpoint
type SendRequest struct {
	URL          string
	Filename     string
	DocumentType string
	Content      []byte
	Credentials  model.Credentials
}

// StatusRequest asks for the outcome of a ticket
type StatusRequest struct {
	URL         string
	Ticket      string
	Credentials model.Credentials
}

// Response is the endpoint outcome. Exactly one of CDR, Ticket or Pending is set.
type Response struct {
	// CDR holds the zipped receipt as returned by the endpoint
	CDR []byte

	// Status is read from the receipt when CDR is set
	Status *model.SunatStatus

	// Ticket is set when the document was accepted for asynchronous processing
	Ticket string

	// Pending is set by Status while the ticket is still being processed
	Pending bool
}

// Sender delivers documents and resolves tickets
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*Response, error)
	Status(ctx context.Context, req StatusRequest) (*Response, error)
}

// Codes for failures that carry no tax authority result code
const (
	// CodeTransport marks errors that never reached the endpoint
	CodeTransport = -1

	// CodeInvalidResponse marks replies that could not be interpreted:
	// missing receipt or ticket, undecodable receipt, unknown ticket status,
	// or a fault without a numeric code
	CodeInvalidResponse = -2
)

// Error is a failed exchange with the endpoint
type Error struct {
	Code      int
	Message   string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sunat error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("sunat error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new endpoint error
func NewError(code int, message string, transient bool, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Transient: transient,
		Cause:     cause,
	}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
