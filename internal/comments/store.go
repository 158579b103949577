package comments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrCommentNotFound reports a missing comment id.
	ErrCommentNotFound = errors.New("comments: comment not found")
	// ErrDuplicateComment reports a second comment for the same product and user.
	ErrDuplicateComment = errors.New("comments: duplicate comment for product and user")
	errMissingDatabase  = errors.New("database handle is required")
)

const (
	queryProductUser  = "product_id = ? AND user_id = ?"
	queryProduct      = "product_id = ?"
	queryID           = "id = ?"
	queryProductLink  = "product_id = ? AND comment_id = ?"
	orderTimestampNew = "timestamp DESC"
)

// Store is the document store behind the mutation processor.
type Store interface {
	FindByProductAndUser(ctx context.Context, productID, userID string) (Comment, bool, error)
	Create(ctx context.Context, comment Comment) (string, error)
	Get(ctx context.Context, commentID string) (Comment, error)
	Update(ctx context.Context, commentID string, update CommentUpdate) error
	Delete(ctx context.Context, commentID string) error
	LinkToProduct(ctx context.Context, productID, commentID string) error
	UnlinkFromProduct(ctx context.Context, productID, commentID string) error
	ListByProduct(ctx context.Context, productID string) ([]Comment, error)
}

// GormStoreConfig describes the dependencies of GormStore.
type GormStoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
}

// GormStore persists comments through GORM.
type GormStore struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
}

// NewGormStore validates the configuration and returns a store.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: cfg.Database, idProvider: idProvider, clock: clock}, nil
}

func (store *GormStore) FindByProductAndUser(ctx context.Context, productID, userID string) (Comment, bool, error) {
	var matches []Comment
	err := store.db.WithContext(ctx).
		Where(queryProductUser, productID, userID).
		Limit(1).
		Find(&matches).Error
	if err != nil {
		return Comment{}, false, err
	}
	if len(matches) == 0 {
		return Comment{}, false, nil
	}
	return matches[0], true, nil
}

// Create stores the comment under a freshly generated id and returns it.
func (store *GormStore) Create(ctx context.Context, comment Comment) (string, error) {
	id, err := store.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("generate comment id: %w", err)
	}
	comment.ID = id
	if err := store.db.WithContext(ctx).Create(&comment).Error; err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("%w: %v", ErrDuplicateComment, err)
		}
		return "", err
	}
	return id, nil
}

func (store *GormStore) Get(ctx context.Context, commentID string) (Comment, error) {
	var comment Comment
	err := store.db.WithContext(ctx).Where(queryID, commentID).Take(&comment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Comment{}, ErrCommentNotFound
	}
	if err != nil {
		return Comment{}, err
	}
	return comment, nil
}

func (store *GormStore) Update(ctx context.Context, commentID string, update CommentUpdate) error {
	result := store.db.WithContext(ctx).
		Model(&Comment{}).
		Where(queryID, commentID).
		Updates(map[string]interface{}{
			"text":        update.Text,
			"star_rating": update.StarRating,
			"timestamp":   update.Timestamp,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCommentNotFound
	}
	return nil
}

func (store *GormStore) Delete(ctx context.Context, commentID string) error {
	result := store.db.WithContext(ctx).Where(queryID, commentID).Delete(&Comment{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCommentNotFound
	}
	return nil
}

// LinkToProduct adds the id to the product's collection; adding an id that is
// already present is a no-op.
func (store *GormStore) LinkToProduct(ctx context.Context, productID, commentID string) error {
	link := ProductCommentLink{ProductID: productID, CommentID: commentID, LinkedAt: store.clock().UTC()}
	return store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&link).Error
}

// UnlinkFromProduct removes the id from the product's collection if present.
func (store *GormStore) UnlinkFromProduct(ctx context.Context, productID, commentID string) error {
	return store.db.WithContext(ctx).
		Where(queryProductLink, productID, commentID).
		Delete(&ProductCommentLink{}).Error
}

// ListByProduct returns the product's comments, newest first.
func (store *GormStore) ListByProduct(ctx context.Context, productID string) ([]Comment, error) {
	var found []Comment
	if err := store.db.WithContext(ctx).
		Where(queryProduct, productID).
		Order(orderTimestampNew).
		Find(&found).Error; err != nil {
		return nil, err
	}
	return found, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
