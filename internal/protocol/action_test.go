package protocol

import (
	"testing"
)

func TestDecodeActionVariants(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected Action
	}{
		{
			name: "post",
			raw:  `{"type":"post_comment","payload":{"userDocId":"u1","customerName":"Ann","comment":"great","numberOfStars":5,"productId":"P1"}}`,
			expected: PostComment{
				UserID:       "u1",
				CustomerName: "Ann",
				Text:         "great",
				StarRating:   5,
				ProductID:    "P1",
			},
		},
		{
			name:     "edit",
			raw:      `{"type":"edit_comment","payload":{"commentId":"c1","userDocId":"u1","comment":"fine","numberOfStars":3}}`,
			expected: EditComment{CommentID: "c1", UserID: "u1", Text: "fine", StarRating: 3},
		},
		{
			name:     "delete",
			raw:      `{"type":"delete_comment","payload":{"commentId":"c1","userDocId":"u1"}}`,
			expected: DeleteComment{CommentID: "c1", UserID: "u1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := DecodeAction([]byte(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if action != tt.expected {
				t.Fatalf("expected %#v, got %#v", tt.expected, action)
			}
			if action.Type() != tt.expected.Type() {
				t.Fatalf("unexpected action type %s", action.Type())
			}
		})
	}
}

func TestDecodeActionRejectsMalformedInput(t *testing.T) {
	tests := []struct {
		name            string
		raw             string
		expectedKind    ErrorKind
		expectedMessage string
	}{
		{name: "invalid-json", raw: `{"type":`, expectedKind: KindMalformedMessage, expectedMessage: MessageInvalidJSON},
		{name: "missing-payload", raw: `{"type":"post_comment"}`, expectedKind: KindMalformedMessage, expectedMessage: MessageMissingFields},
		{name: "empty-payload", raw: `{"type":"post_comment","payload":{}}`, expectedKind: KindMalformedMessage, expectedMessage: MessageMissingFields},
		{name: "missing-type", raw: `{"payload":{"commentId":"c1"}}`, expectedKind: KindMalformedMessage, expectedMessage: MessageMissingFields},
		{name: "not-an-object", raw: `["post_comment"]`, expectedKind: KindMalformedMessage, expectedMessage: MessageMissingFields},
		{name: "unknown-type", raw: `{"type":"like_comment","payload":{"commentId":"c1"}}`, expectedKind: KindUnknownActionType, expectedMessage: "Unknown action type: like_comment"},
		{name: "wrong-field-type", raw: `{"type":"edit_comment","payload":{"commentId":"c1","userDocId":"u1","numberOfStars":"five"}}`, expectedKind: KindMalformedMessage, expectedMessage: "Invalid payload: field 'numberOfStars' must be int"},
		{name: "missing-user", raw: `{"type":"delete_comment","payload":{"commentId":"c1"}}`, expectedKind: KindMalformedMessage, expectedMessage: "Invalid payload: field 'userDocId' failed 'required'"},
		{name: "rating-out-of-range", raw: `{"type":"post_comment","payload":{"userDocId":"u1","numberOfStars":9,"productId":"P1"}}`, expectedKind: KindMalformedMessage, expectedMessage: "Invalid payload: field 'numberOfStars' failed 'lte'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := DecodeAction([]byte(tt.raw))
			if err == nil {
				t.Fatalf("expected error, decoded %#v", action)
			}
			if KindOf(err) != tt.expectedKind {
				t.Fatalf("expected kind %s, got %s (%v)", tt.expectedKind, KindOf(err), err)
			}
			if AsActionError(err).Message != tt.expectedMessage {
				t.Fatalf("expected message %q, got %q", tt.expectedMessage, AsActionError(err).Message)
			}
		})
	}
}

func TestAsActionErrorHidesInternalCauses(t *testing.T) {
	reported := AsActionError(errString("disk on fire"))
	if reported.Kind != KindUnexpectedInternal {
		t.Fatalf("expected unexpected internal kind, got %s", reported.Kind)
	}
	if reported.Message != MessageServerError {
		t.Fatalf("internal detail leaked into client message: %q", reported.Message)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
