package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLinkOrphanComments = "2026-06-02_link_orphan_comments"
	migrationPruneDanglingLinks = "2026-06-02_prune_dangling_links"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLinkOrphanComments, apply: linkOrphanComments},
		{name: migrationPruneDanglingLinks, apply: pruneDanglingLinks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Comments written before their product link landed (the store does not roll
// back a create when linking fails) get their link restored.
func linkOrphanComments(db *gorm.DB) error {
	return db.Exec(`INSERT OR IGNORE INTO product_comment_links (product_id, comment_id, linked_at)
SELECT product_id, id, timestamp FROM comments
WHERE id NOT IN (SELECT comment_id FROM product_comment_links)`).Error
}

func pruneDanglingLinks(db *gorm.DB) error {
	return db.Exec(`DELETE FROM product_comment_links
WHERE comment_id NOT IN (SELECT id FROM comments)`).Error
}
