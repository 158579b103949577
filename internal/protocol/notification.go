package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// NotificationType names an outbound message.
type NotificationType string

const (
	NotificationNewComment     NotificationType = "new_comment"
	NotificationUpdatedComment NotificationType = "updated_comment"
	NotificationDeletedComment NotificationType = "deleted_comment"
	NotificationError          NotificationType = "error"
)

// NotificationData is the closed set of payloads a Notification can carry.
type NotificationData interface {
	notificationData()
}

// CommentData is the full stored comment as sent to clients.
type CommentData struct {
	ID           string `json:"id"`
	ProductID    string `json:"productId"`
	UserID       string `json:"userDocId"`
	CustomerName string `json:"customerName"`
	Text         string `json:"comment"`
	StarRating   int    `json:"numberOfStars"`
	Timestamp    string `json:"timestamp"`
}

// DeletedCommentData identifies a removed comment.
type DeletedCommentData struct {
	CommentID string `json:"commentId"`
	ProductID string `json:"productId"`
}

// ErrorData is sent only to the connection whose action failed.
type ErrorData struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (CommentData) notificationData()        {}
func (DeletedCommentData) notificationData() {}
func (ErrorData) notificationData()          {}

// Notification is one outbound frame.
type Notification struct {
	Type NotificationType `json:"type"`
	Data NotificationData `json:"data"`
}

func NewCommentNotification(comment CommentData) Notification {
	return Notification{Type: NotificationNewComment, Data: comment}
}

func NewUpdatedCommentNotification(comment CommentData) Notification {
	return Notification{Type: NotificationUpdatedComment, Data: comment}
}

func NewDeletedCommentNotification(commentID, productID string) Notification {
	return Notification{Type: NotificationDeletedComment, Data: DeletedCommentData{CommentID: commentID, ProductID: productID}}
}

func NewErrorNotification(message, code string) Notification {
	return Notification{Type: NotificationError, Data: ErrorData{Message: message, Code: code}}
}

// Encode serializes the notification for the wire.
func (n Notification) Encode() ([]byte, error) {
	if n.Data == nil {
		return nil, fmt.Errorf("protocol: notification %q has no data", n.Type)
	}
	return json.Marshal(n)
}

// DecodeNotification parses an outbound frame. Clients and tests use it; the
// relay itself only encodes.
func DecodeNotification(raw []byte) (Notification, error) {
	var message struct {
		Type NotificationType `json:"type"`
		Data json.RawMessage  `json:"data"`
	}
	if err := json.Unmarshal(raw, &message); err != nil {
		return Notification{}, err
	}

	var data NotificationData
	switch message.Type {
	case NotificationNewComment, NotificationUpdatedComment:
		var comment CommentData
		if err := json.Unmarshal(message.Data, &comment); err != nil {
			return Notification{}, err
		}
		data = comment
	case NotificationDeletedComment:
		var deleted DeletedCommentData
		if err := json.Unmarshal(message.Data, &deleted); err != nil {
			return Notification{}, err
		}
		data = deleted
	case NotificationError:
		var failure ErrorData
		if err := json.Unmarshal(message.Data, &failure); err != nil {
			return Notification{}, err
		}
		data = failure
	default:
		return Notification{}, fmt.Errorf("protocol: unknown notification type %q", message.Type)
	}
	return Notification{Type: message.Type, Data: data}, nil
}

// FormatTimestamp renders a stored timestamp as ISO-8601 text in UTC.
func FormatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
