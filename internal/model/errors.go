package model

import (
	"errors"
	"fmt"

	jujuerrors "github.com/juju/errors"
)

const (
	// ErrNotFound is returned when a document or one of its blobs does not exist
	ErrNotFound = jujuerrors.ConstError("not found")

	// ErrAlreadyClaimed is returned when a document is not waiting to be delivered
	ErrAlreadyClaimed = jujuerrors.ConstError("document already claimed")
)

// ValidationKind classifies why a submitted payload was rejected
type ValidationKind string

const (
	MissingFile             ValidationKind = "missing_file"
	EmptyFile               ValidationKind = "empty_file"
	MalformedXML            ValidationKind = "malformed_xml"
	UnsupportedDocumentType ValidationKind = "unsupported_document_type"
)

// ValidationError represents an input error surfaced to the submitter
type ValidationError struct {
	Field   string
	Kind    ValidationKind
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("Form[%s] %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(field string, kind ValidationKind, message string, cause error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// IsValidationKind reports whether err is a ValidationError of the given kind
func IsValidationKind(err error, kind ValidationKind) bool {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Kind == kind
	}
	return false
}

// ParseError represents a field that could not be located in a UBL document
type ParseError struct {
	DocumentType string
	Field        string
	Message      string
	Cause        error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.DocumentType, e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.DocumentType, e.Field, e.Message)
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// NewParseError creates a new parse error
func NewParseError(documentType, field, message string, cause error) *ParseError {
	return &ParseError{
		DocumentType: documentType,
		Field:        field,
		Message:      message,
		Cause:        cause,
	}
}

// TransitionError is returned when an update would break the status lifecycle
type TransitionError struct {
	DocumentID string
	From       DeliveryStatus
	To         DeliveryStatus
	Message    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("document %s: %s (%s -> %s)", e.DocumentID, e.Message, e.From, e.To)
}

// NewTransitionError creates a new transition error
func NewTransitionError(id string, from, to DeliveryStatus, message string) *TransitionError {
	return &TransitionError{
		DocumentID: id,
		From:       from,
		To:         to,
		Message:    message,
	}
}
