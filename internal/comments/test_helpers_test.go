package comments

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type fixedClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *fixedClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(step)
}

type broadcastRecord struct {
	room         string
	notification protocol.Notification
}

type recordingBroadcaster struct {
	mu      sync.Mutex
	records []broadcastRecord
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, roomKey string, notification protocol.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, broadcastRecord{room: roomKey, notification: notification})
}

func (b *recordingBroadcaster) Records() []broadcastRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcastRecord(nil), b.records...)
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "comments.db")), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Comment{}, &ProductCommentLink{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestStore(t *testing.T, ids []string, clock *fixedClock) (*GormStore, *gorm.DB) {
	t.Helper()
	db := newTestDatabase(t)
	store, err := NewGormStore(GormStoreConfig{
		Database:   db,
		IDProvider: &staticIDGenerator{ids: ids},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func newTestProcessor(t *testing.T, ids []string) (*Processor, *recordingBroadcaster, *GormStore, *fixedClock) {
	t.Helper()
	clock := &fixedClock{current: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	store, _ := newTestStore(t, ids, clock)
	broadcaster := &recordingBroadcaster{}
	processor, err := NewProcessor(ProcessorConfig{
		Store:       store,
		Broadcaster: broadcaster,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to build processor: %v", err)
	}
	return processor, broadcaster, store, clock
}

func mustKind(t *testing.T, err error, expected protocol.ErrorKind) *protocol.ActionError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", expected)
	}
	var actionErr *protocol.ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("expected ActionError, got %T: %v", err, err)
	}
	if actionErr.Kind != expected {
		t.Fatalf("expected kind %s, got %s (%v)", expected, actionErr.Kind, err)
	}
	return actionErr
}
