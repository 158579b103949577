package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ActionType names an inbound client action.
type ActionType string

const (
	ActionPostComment   ActionType = "post_comment"
	ActionEditComment   ActionType = "edit_comment"
	ActionDeleteComment ActionType = "delete_comment"
)

// Action is one decoded inbound message. The set of implementations is closed.
type Action interface {
	Type() ActionType
	action()
}

// PostComment creates the sender's review for the room's product.
type PostComment struct {
	UserID       string `json:"userDocId" validate:"required,max=190"`
	CustomerName string `json:"customerName" validate:"max=320"`
	Text         string `json:"comment" validate:"max=5000"`
	StarRating   int    `json:"numberOfStars" validate:"gte=0,lte=5"`
	ProductID    string `json:"productId"`
}

// EditComment replaces the text and rating of the sender's review.
type EditComment struct {
	CommentID  string `json:"commentId" validate:"required,max=190"`
	UserID     string `json:"userDocId" validate:"required,max=190"`
	Text       string `json:"comment" validate:"max=5000"`
	StarRating int    `json:"numberOfStars" validate:"gte=0,lte=5"`
}

// DeleteComment removes the sender's review.
type DeleteComment struct {
	CommentID string `json:"commentId" validate:"required,max=190"`
	UserID    string `json:"userDocId" validate:"required,max=190"`
}

func (PostComment) Type() ActionType   { return ActionPostComment }
func (EditComment) Type() ActionType   { return ActionEditComment }
func (DeleteComment) Type() ActionType { return ActionDeleteComment }

func (PostComment) action()   {}
func (EditComment) action()   {}
func (DeleteComment) action() {}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var payloadValidator = newPayloadValidator()

func newPayloadValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// DecodeAction parses one inbound frame. Failures are returned as ActionErrors
// of kind KindMalformedMessage or KindUnknownActionType.
func DecodeAction(raw []byte) (Action, error) {
	if !json.Valid(raw) {
		return nil, NewActionError(KindMalformedMessage, MessageInvalidJSON, nil)
	}

	var message envelope
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, NewActionError(KindMalformedMessage, MessageMissingFields, err)
	}
	if strings.TrimSpace(message.Type) == "" || isEmptyPayload(message.Payload) {
		return nil, NewActionError(KindMalformedMessage, MessageMissingFields, nil)
	}

	var action Action
	switch ActionType(message.Type) {
	case ActionPostComment:
		var payload PostComment
		if err := decodePayload(message.Payload, &payload); err != nil {
			return nil, err
		}
		action = payload
	case ActionEditComment:
		var payload EditComment
		if err := decodePayload(message.Payload, &payload); err != nil {
			return nil, err
		}
		action = payload
	case ActionDeleteComment:
		var payload DeleteComment
		if err := decodePayload(message.Payload, &payload); err != nil {
			return nil, err
		}
		action = payload
	default:
		return nil, NewActionError(KindUnknownActionType, fmt.Sprintf("Unknown action type: %s", message.Type), nil)
	}
	return action, nil
}

func isEmptyPayload(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return true
	}
	switch string(trimmed) {
	case "null", "{}", "[]", `""`, "false", "0":
		return true
	}
	return false
}

func decodePayload(raw json.RawMessage, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return NewActionError(KindMalformedMessage, "Invalid payload: "+describeDecodeError(err), err)
	}
	if err := payloadValidator.Struct(target); err != nil {
		return NewActionError(KindMalformedMessage, "Invalid payload: "+describeValidationError(err), err)
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return fmt.Sprintf("field '%s' must be %s", typeErr.Field, typeErr.Type.Kind())
	}
	return "payload must be an object"
}

func describeValidationError(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "validation failed"
	}
	first := fieldErrs[0]
	return fmt.Sprintf("field '%s' failed '%s'", first.Field(), first.Tag())
}
