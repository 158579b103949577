package realtime

import (
	"context"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/metrics"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Broadcaster delivers notifications to the members of a room.
type Broadcaster struct {
	registry *Registry
	logger   *zap.Logger
}

// NewBroadcaster returns a Broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{registry: registry, logger: logger}
}

// Broadcast encodes notification once and sends it to a snapshot of the room.
// A member whose send fails is removed from the room and closed; the remaining
// members still receive the message. An absent or empty room is a no-op.
func (b *Broadcaster) Broadcast(_ context.Context, roomKey string, notification protocol.Notification) {
	members := b.registry.Snapshot(roomKey)
	if len(members) == 0 {
		return
	}

	payload, err := notification.Encode()
	if err != nil {
		b.logger.Error("broadcast encode failed",
			zap.String("room", roomKey),
			zap.String("type", string(notification.Type)),
			zap.Error(err))
		return
	}
	metrics.BroadcastsTotal.WithLabelValues(string(notification.Type)).Inc()

	delivered, evicted := 0, 0
	for _, member := range members {
		if err := member.Send(payload); err != nil {
			metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
			if b.registry.Leave(roomKey, member) {
				evicted++
				metrics.EvictionsTotal.Inc()
			}
			_ = member.Close(websocket.CloseGoingAway, "delivery failed")
			b.logger.Info("member evicted after failed delivery",
				zap.String("room", roomKey),
				zap.String("connection_id", member.ID()),
				zap.String("remote_addr", member.RemoteAddr()),
				zap.Error(err))
			continue
		}
		delivered++
		metrics.DeliveriesTotal.WithLabelValues("delivered").Inc()
	}

	b.logger.Debug("broadcast delivered",
		zap.String("room", roomKey),
		zap.String("type", string(notification.Type)),
		zap.Int("delivered", delivered),
		zap.Int("evicted", evicted))
}
