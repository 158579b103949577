package realtime

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/metrics"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const defaultRegistryShards = 64

// RegistryConfig describes how a Registry partitions its rooms.
type RegistryConfig struct {
	Shards int
	Logger *zap.Logger
}

// Registry maps room keys to their member connections. Each room key hashes to
// one shard, and a shard's mutex guards only the rooms it owns, so unrelated
// rooms do not serialize behind a single lock.
type Registry struct {
	shards []*registryShard
	logger *zap.Logger
}

type registryShard struct {
	mu    sync.Mutex
	rooms map[string]map[string]Connection
}

// RegistryStats summarizes current membership.
type RegistryStats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	shardCount := cfg.Shards
	if shardCount <= 0 {
		shardCount = defaultRegistryShards
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := make([]*registryShard, shardCount)
	for index := range shards {
		shards[index] = &registryShard{rooms: make(map[string]map[string]Connection)}
	}
	return &Registry{shards: shards, logger: logger}
}

func (r *Registry) shardFor(roomKey string) *registryShard {
	return r.shards[xxhash.Sum64String(roomKey)%uint64(len(r.shards))]
}

// Join adds conn to the room, creating the room if needed, and returns the
// resulting member count. Joining twice is a no-op.
func (r *Registry) Join(roomKey string, conn Connection) int {
	shard := r.shardFor(roomKey)
	shard.mu.Lock()
	members, exists := shard.rooms[roomKey]
	if !exists {
		members = make(map[string]Connection)
		shard.rooms[roomKey] = members
	}
	members[conn.ID()] = conn
	size := len(members)
	shard.mu.Unlock()

	if !exists {
		metrics.ActiveRooms.Inc()
	}
	r.logger.Debug("room joined",
		zap.String("room", roomKey),
		zap.String("connection_id", conn.ID()),
		zap.Int("room_size", size))
	return size
}

// Leave removes conn from the room and drops the room once it is empty. It
// reports whether conn was a member; absent rooms and members are ignored.
func (r *Registry) Leave(roomKey string, conn Connection) bool {
	shard := r.shardFor(roomKey)
	shard.mu.Lock()
	members, exists := shard.rooms[roomKey]
	if !exists {
		shard.mu.Unlock()
		return false
	}
	if _, member := members[conn.ID()]; !member {
		shard.mu.Unlock()
		return false
	}
	delete(members, conn.ID())
	size := len(members)
	if size == 0 {
		delete(shard.rooms, roomKey)
	}
	shard.mu.Unlock()

	if size == 0 {
		metrics.ActiveRooms.Dec()
		r.logger.Debug("room removed", zap.String("room", roomKey))
	}
	r.logger.Debug("room left",
		zap.String("room", roomKey),
		zap.String("connection_id", conn.ID()),
		zap.Int("room_size", size))
	return true
}

// Snapshot copies the room's current members. The copy is safe to iterate
// while other goroutines join or leave.
func (r *Registry) Snapshot(roomKey string) []Connection {
	shard := r.shardFor(roomKey)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	members := shard.rooms[roomKey]
	if len(members) == 0 {
		return nil
	}
	snapshot := make([]Connection, 0, len(members))
	for _, conn := range members {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Stats counts rooms and connections across all shards. Shards are visited one
// at a time, so the totals are not a single atomic view.
func (r *Registry) Stats() RegistryStats {
	var stats RegistryStats
	for _, shard := range r.shards {
		shard.mu.Lock()
		stats.Rooms += len(shard.rooms)
		for _, members := range shard.rooms {
			stats.Connections += len(members)
		}
		shard.mu.Unlock()
	}
	return stats
}

// Rooms lists the keys of all non-empty rooms in sorted order.
func (r *Registry) Rooms() []string {
	var keys []string
	for _, shard := range r.shards {
		shard.mu.Lock()
		for key := range shard.rooms {
			keys = append(keys, key)
		}
		shard.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}
