package comments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/metrics"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
	"go.uber.org/zap"
)

var (
	errMissingStore       = errors.New("comment store is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
	noOpLogger            = zap.NewNop()
)

const (
	opPostComment   = "comments.post_comment"
	opEditComment   = "comments.edit_comment"
	opDeleteComment = "comments.delete_comment"
	opListComments  = "comments.list_comments"

	reasonLookupFailed = "lookup_failed"
	reasonCreateFailed = "create_failed"
	reasonLinkFailed   = "link_failed"
	reasonRereadFailed = "reread_failed"
	reasonUpdateFailed = "update_failed"
	reasonDeleteFailed = "delete_failed"
	reasonUnlinkFailed = "unlink_failed"
	reasonQueryFailed  = "query_failed"

	resultOK = "ok"
)

// Broadcaster fans a notification out to every member of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomKey string, notification protocol.Notification)
}

// ProcessorConfig describes the dependencies of a Processor.
type ProcessorConfig struct {
	Store       Store
	Broadcaster Broadcaster
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Processor validates and applies comment actions for one room, then
// broadcasts the resulting change to that room.
type Processor struct {
	store       Store
	broadcaster Broadcaster
	clock       func() time.Time
	logger      *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Processor{
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Handle applies one action on behalf of a member of roomKey. Returned errors
// are *protocol.ActionError values meant for the sender only.
func (p *Processor) Handle(ctx context.Context, roomKey string, action protocol.Action) error {
	if action == nil {
		return protocol.NewActionError(protocol.KindMalformedMessage, protocol.MessageMissingFields, nil)
	}

	started := p.clock()
	var err error
	switch typed := action.(type) {
	case protocol.PostComment:
		err = p.postComment(ctx, roomKey, typed)
	case protocol.EditComment:
		err = p.editComment(ctx, roomKey, typed)
	case protocol.DeleteComment:
		err = p.deleteComment(ctx, roomKey, typed)
	default:
		err = protocol.NewActionError(protocol.KindUnknownActionType, fmt.Sprintf("Unknown action type: %s", action.Type()), nil)
	}

	result := resultOK
	if err != nil {
		result = string(protocol.KindOf(err))
	}
	metrics.MutationsTotal.WithLabelValues(string(action.Type()), result).Inc()
	metrics.MutationDuration.WithLabelValues(string(action.Type())).Observe(p.clock().Sub(started).Seconds())
	return err
}

func (p *Processor) postComment(ctx context.Context, roomKey string, action protocol.PostComment) error {
	_, exists, err := p.store.FindByProductAndUser(ctx, roomKey, action.UserID)
	if err != nil {
		return p.storeFailure(opPostComment, reasonLookupFailed, err, zap.String("room", roomKey))
	}
	if exists {
		p.logger.Info("duplicate review rejected",
			zap.String("room", roomKey),
			zap.String("user_id", action.UserID))
		return duplicateReview(nil)
	}
	if action.ProductID != roomKey {
		message := fmt.Sprintf("Mismatched productId in payload: path '%s', payload '%s'", roomKey, action.ProductID)
		return protocol.NewActionError(protocol.KindPayloadMismatch, message, nil)
	}

	commentID, err := p.store.Create(ctx, Comment{
		ProductID:    roomKey,
		UserID:       action.UserID,
		CustomerName: action.CustomerName,
		Text:         action.Text,
		StarRating:   action.StarRating,
		Timestamp:    p.clock().UTC(),
	})
	if errors.Is(err, ErrDuplicateComment) {
		// Lost a race with a concurrent post from the same user.
		return duplicateReview(err)
	}
	if err != nil {
		return p.storeFailure(opPostComment, reasonCreateFailed, err, zap.String("room", roomKey))
	}

	if err := p.store.LinkToProduct(ctx, roomKey, commentID); err != nil {
		return p.storeFailure(opPostComment, reasonLinkFailed, err,
			zap.String("room", roomKey),
			zap.String("comment_id", commentID))
	}

	saved, err := p.store.Get(ctx, commentID)
	if err != nil {
		return p.storeFailure(opPostComment, reasonRereadFailed, err,
			zap.String("room", roomKey),
			zap.String("comment_id", commentID))
	}

	p.logger.Info("comment created",
		zap.String("room", roomKey),
		zap.String("comment_id", commentID),
		zap.String("user_id", action.UserID))
	p.broadcaster.Broadcast(ctx, roomKey, protocol.NewCommentNotification(saved.Data()))
	return nil
}

func (p *Processor) editComment(ctx context.Context, roomKey string, action protocol.EditComment) error {
	existing, err := p.authorizeAuthor(ctx, opEditComment, roomKey, action.CommentID, action.UserID, "editing", "edit")
	if err != nil {
		return err
	}

	update := CommentUpdate{
		Text:       action.Text,
		StarRating: action.StarRating,
		Timestamp:  p.clock().UTC(),
	}
	if err := p.store.Update(ctx, existing.ID, update); err != nil {
		if errors.Is(err, ErrCommentNotFound) {
			return notFound(action.CommentID, "editing")
		}
		return p.storeFailure(opEditComment, reasonUpdateFailed, err, zap.String("comment_id", existing.ID))
	}

	updated, err := p.store.Get(ctx, existing.ID)
	if err != nil {
		return p.storeFailure(opEditComment, reasonRereadFailed, err, zap.String("comment_id", existing.ID))
	}

	p.logger.Info("comment updated",
		zap.String("room", roomKey),
		zap.String("comment_id", existing.ID),
		zap.String("user_id", action.UserID))
	p.broadcaster.Broadcast(ctx, roomKey, protocol.NewUpdatedCommentNotification(updated.Data()))
	return nil
}

func (p *Processor) deleteComment(ctx context.Context, roomKey string, action protocol.DeleteComment) error {
	existing, err := p.authorizeAuthor(ctx, opDeleteComment, roomKey, action.CommentID, action.UserID, "deletion", "delete")
	if err != nil {
		return err
	}

	if err := p.store.Delete(ctx, existing.ID); err != nil {
		if errors.Is(err, ErrCommentNotFound) {
			return notFound(action.CommentID, "deletion")
		}
		return p.storeFailure(opDeleteComment, reasonDeleteFailed, err, zap.String("comment_id", existing.ID))
	}
	if err := p.store.UnlinkFromProduct(ctx, roomKey, existing.ID); err != nil {
		return p.storeFailure(opDeleteComment, reasonUnlinkFailed, err,
			zap.String("comment_id", existing.ID),
			zap.String("product_id", existing.ProductID))
	}

	p.logger.Info("comment deleted",
		zap.String("room", roomKey),
		zap.String("comment_id", existing.ID),
		zap.String("user_id", action.UserID))
	p.broadcaster.Broadcast(ctx, roomKey, protocol.NewDeletedCommentNotification(existing.ID, roomKey))
	return nil
}

// authorizeAuthor loads the comment and checks that userID wrote it and that it
// belongs to the room's product, so the change is announced to the room that
// shows the comment.
func (p *Processor) authorizeAuthor(ctx context.Context, operation, roomKey, commentID, userID, purpose, verb string) (Comment, error) {
	existing, err := p.store.Get(ctx, commentID)
	if errors.Is(err, ErrCommentNotFound) {
		return Comment{}, notFound(commentID, purpose)
	}
	if err != nil {
		return Comment{}, p.storeFailure(operation, reasonLookupFailed, err, zap.String("comment_id", commentID))
	}
	if existing.ProductID != roomKey {
		message := fmt.Sprintf("Mismatched productId for comment %s: path '%s', comment '%s'", commentID, roomKey, existing.ProductID)
		return Comment{}, protocol.NewActionError(protocol.KindPayloadMismatch, message, nil)
	}
	if existing.UserID != userID {
		p.logger.Warn("comment permission denied",
			zap.String("operation", operation),
			zap.String("comment_id", commentID),
			zap.String("user_id", userID))
		message := fmt.Sprintf("Permission denied to %s this comment.", verb)
		return Comment{}, protocol.NewActionError(protocol.KindPermissionDenied, message, nil)
	}
	return existing, nil
}

// ListComments returns a product's comments, newest first.
func (p *Processor) ListComments(ctx context.Context, productID string) ([]protocol.CommentData, error) {
	found, err := p.store.ListByProduct(ctx, productID)
	if err != nil {
		return nil, p.storeFailure(opListComments, reasonQueryFailed, err, zap.String("product_id", productID))
	}
	rendered := make([]protocol.CommentData, 0, len(found))
	for _, comment := range found {
		rendered = append(rendered, comment.Data())
	}
	return rendered, nil
}

func (p *Processor) storeFailure(operation, reason string, err error, fields ...zap.Field) error {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	p.logger.Error("comment store error", attrs...)
	cause := fmt.Errorf("%s.%s: %w", operation, reason, err)
	return protocol.NewActionError(protocol.KindStoreOperationFailed, protocol.MessageServerError, cause)
}

func duplicateReview(cause error) error {
	return protocol.NewActionError(protocol.KindDuplicateReview, protocol.MessageAlreadyReviewed, cause).
		WithCode(protocol.CodeAlreadyReviewed)
}

func notFound(commentID, purpose string) error {
	message := fmt.Sprintf("Comment %s not found for %s.", commentID, purpose)
	return protocol.NewActionError(protocol.KindNotFound, message, ErrCommentNotFound)
}
