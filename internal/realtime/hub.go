package realtime

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	errMissingRegistry = errors.New("room registry is required")
	errMissingHandler  = errors.New("action handler is required")
	errMissingOrigins  = errors.New("origin policy is required")
)

// HubConfig wires the collaborators shared by all sessions.
type HubConfig struct {
	Registry   *Registry
	Handler    ActionHandler
	Origins    *OriginPolicy
	Connection ConnectionConfig
	Logger     *zap.Logger
}

// Hub upgrades HTTP requests to websocket sessions.
type Hub struct {
	registry   *Registry
	handler    ActionHandler
	origins    *OriginPolicy
	connection ConnectionConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHub validates cfg and returns a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	if cfg.Origins == nil {
		return nil, errMissingOrigins
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		registry:   cfg.Registry,
		handler:    cfg.Handler,
		origins:    cfg.Origins,
		connection: cfg.Connection.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The session checks the origin after the upgrade so that a rejected
			// browser receives a policy-violation close frame instead of a bare 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}, nil
}

// Registry exposes the hub's room registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// ServeHTTP upgrades the request and runs the session until it ends.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}

	stream := newWebsocketConnection(uuid.NewString(), r.RemoteAddr, conn, h.connection, h.logger)
	origins := r.Header.Values("Origin")
	request := SessionRequest{Path: r.URL.Path, OriginPresent: len(origins) > 0}
	if request.OriginPresent {
		request.Origin = origins[0]
	}

	h.logger.Info("connection accepted",
		zap.String("connection_id", stream.ID()),
		zap.String("remote_addr", stream.RemoteAddr()),
		zap.String("path", request.Path))

	session := NewSession(stream, request, SessionDependencies{
		Registry:  h.registry,
		Handler:   h.handler,
		Origins:   h.origins,
		ReadLimit: h.connection.MaxMessageBytes,
		Logger:    h.logger,
	})
	_ = session.Run(r.Context())
}
