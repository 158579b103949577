package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced by a relay session.
type ErrorKind string

const (
	KindOriginRejected       ErrorKind = "origin_rejected"
	KindProtocolPathInvalid  ErrorKind = "protocol_path_invalid"
	KindMalformedMessage     ErrorKind = "malformed_message"
	KindDuplicateReview      ErrorKind = "duplicate_review"
	KindPayloadMismatch      ErrorKind = "payload_mismatch"
	KindNotFound             ErrorKind = "not_found"
	KindPermissionDenied     ErrorKind = "permission_denied"
	KindUnknownActionType    ErrorKind = "unknown_action_type"
	KindStoreOperationFailed ErrorKind = "store_operation_failed"
	KindUnexpectedInternal   ErrorKind = "unexpected_internal"
)

// CodeAlreadyReviewed is sent to clients that try to review a product twice.
const CodeAlreadyReviewed = "ALREADY_REVIEWED"

const (
	MessageInvalidJSON     = "Invalid JSON format received"
	MessageMissingFields   = "Invalid message: 'type' or 'payload' missing."
	MessageAlreadyReviewed = "You have already reviewed this product. You can edit your existing review."
	MessageServerError     = "Server error processing message."
)

// ActionError is an error reported back to the sender of an action. Message and
// Code are safe to show to clients; the wrapped cause is for logs only.
type ActionError struct {
	Kind    ErrorKind
	Message string
	Code    string
	Err     error
}

// NewActionError builds an ActionError of the given kind.
func NewActionError(kind ErrorKind, message string, cause error) *ActionError {
	return &ActionError{Kind: kind, Message: message, Err: cause}
}

// WithCode attaches a machine readable code for clients.
func (e *ActionError) WithCode(code string) *ActionError {
	e.Code = code
	return e
}

func (e *ActionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Notification renders the error as a sender-only error notification.
func (e *ActionError) Notification() Notification {
	return NewErrorNotification(e.Message, e.Code)
}

// KindOf reports the ErrorKind carried by err, treating anything that is not an
// ActionError as unexpected.
func KindOf(err error) ErrorKind {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Kind
	}
	return KindUnexpectedInternal
}

// AsActionError converts any error into something reportable to a client.
// Errors that are not ActionErrors are reported generically so internal detail
// never reaches the wire.
func AsActionError(err error) *ActionError {
	var actionErr *ActionError
	if errors.As(err, &actionErr) {
		return actionErr
	}
	return NewActionError(KindUnexpectedInternal, MessageServerError, err)
}
