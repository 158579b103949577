package comments

import (
	"time"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
)

// Comment models one persisted product review. A user may hold at most one
// comment per product, enforced by the unique index below.
type Comment struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	ProductID    string    `gorm:"column:product_id;size:190;not null;uniqueIndex:idx_comments_product_user,priority:1;index:idx_comments_product_time,priority:1"`
	UserID       string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_comments_product_user,priority:2"`
	CustomerName string    `gorm:"column:customer_name;size:320;not null;default:''"`
	Text         string    `gorm:"column:text;type:text;not null;default:''"`
	StarRating   int       `gorm:"column:star_rating;not null;default:0"`
	Timestamp    time.Time `gorm:"column:timestamp;not null;index:idx_comments_product_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}

// ProductCommentLink is one element of a product's comment-id collection.
type ProductCommentLink struct {
	ProductID string    `gorm:"column:product_id;primaryKey;size:190;not null"`
	CommentID string    `gorm:"column:comment_id;primaryKey;size:190;not null;index"`
	LinkedAt  time.Time `gorm:"column:linked_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProductCommentLink) TableName() string {
	return "product_comment_links"
}

// CommentUpdate lists the mutable fields of a comment.
type CommentUpdate struct {
	Text       string
	StarRating int
	Timestamp  time.Time
}

// Data renders the comment for the wire.
func (c Comment) Data() protocol.CommentData {
	return protocol.CommentData{
		ID:           c.ID,
		ProductID:    c.ProductID,
		UserID:       c.UserID,
		CustomerName: c.CustomerName,
		Text:         c.Text,
		StarRating:   c.StarRating,
		Timestamp:    protocol.FormatTimestamp(c.Timestamp),
	}
}
