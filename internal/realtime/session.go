package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/metrics"
	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SessionState is a step in a session's lifecycle.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthorizingOrigin
	StateParsingPath
	StateJoined
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizingOrigin:
		return "authorizing_origin"
	case StateParsingPath:
		return "parsing_path"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	roomPathPrefix  = "ws"
	roomPathSegment = "comments"

	invalidPathReason = "Invalid path format. Expected /ws/comments/<productId>."
)

var (
	// ErrOriginRejected ends a session whose Origin is not allowed.
	ErrOriginRejected = errors.New("realtime: origin rejected")
	// ErrProtocolPathInvalid ends a session whose path is not /ws/comments/<productId>.
	ErrProtocolPathInvalid = errors.New("realtime: invalid path")
)

// ParseRoomPath extracts the product id from /ws/comments/<productId>.
func ParseRoomPath(path string) (string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != roomPathPrefix || parts[1] != roomPathSegment || parts[2] == "" {
		return "", fmt.Errorf("%w: %q", ErrProtocolPathInvalid, path)
	}
	return parts[2], nil
}

// ActionHandler applies a decoded action for a member of roomKey.
type ActionHandler interface {
	Handle(ctx context.Context, roomKey string, action protocol.Action) error
}

// SessionRequest carries the handshake details a session validates.
type SessionRequest struct {
	Path          string
	Origin        string
	OriginPresent bool
}

// SessionDependencies are shared by every session of a hub.
type SessionDependencies struct {
	Registry  *Registry
	Handler   ActionHandler
	Origins   *OriginPolicy
	// ReadLimit is the inbound frame bound enforced by the stream. A larger
	// frame ends the session with 1009.
	ReadLimit int64
	Logger    *zap.Logger
}

// Session drives one connection from handshake to cleanup.
type Session struct {
	stream    Stream
	request   SessionRequest
	registry  *Registry
	handler   ActionHandler
	origins   *OriginPolicy
	readLimit int64
	logger    *zap.Logger

	state       SessionState
	roomKey     string
	joined      bool
	closeCode   int
	closeReason string
}

// NewSession prepares a session in the connecting state.
func NewSession(stream Stream, request SessionRequest, deps SessionDependencies) *Session {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		stream:    stream,
		request:   request,
		registry:  deps.Registry,
		handler:   deps.Handler,
		origins:   deps.Origins,
		readLimit: deps.ReadLimit,
		logger: logger.With(
			zap.String("connection_id", stream.ID()),
			zap.String("remote_addr", stream.RemoteAddr())),
		state:     StateConnecting,
		closeCode: websocket.CloseNormalClosure,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Run validates the handshake, joins the room and processes messages until the
// stream ends or ctx is cancelled. Room membership is released on every exit
// path. A nil return means the session ended by disconnect.
func (s *Session) Run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("session aborted", zap.Any("panic", recovered), zap.Stringer("state", s.state))
			s.closeCode, s.closeReason = websocket.CloseInternalServerErr, "Unexpected server error"
			err = fmt.Errorf("realtime: session panic: %v", recovered)
		}
		s.finish()
	}()

	s.transition(StateAuthorizingOrigin)
	if !s.origins.AllowsRequest(s.request.Origin, s.request.OriginPresent) {
		metrics.SessionsTotal.WithLabelValues("origin_rejected").Inc()
		s.logger.Warn("connection rejected", zap.String("origin", s.request.Origin), zap.Error(ErrOriginRejected))
		s.closeCode, s.closeReason = websocket.ClosePolicyViolation, "Invalid origin"
		return ErrOriginRejected
	}

	s.transition(StateParsingPath)
	roomKey, err := ParseRoomPath(s.request.Path)
	if err != nil {
		metrics.SessionsTotal.WithLabelValues("path_invalid").Inc()
		s.logger.Warn("connection rejected", zap.String("path", s.request.Path), zap.Error(err))
		s.closeCode, s.closeReason = websocket.CloseProtocolError, invalidPathReason
		return err
	}

	s.roomKey = roomKey
	s.logger = s.logger.With(zap.String("room", roomKey))
	size := s.registry.Join(roomKey, s.stream)
	s.joined = true
	s.transition(StateJoined)
	metrics.SessionsTotal.WithLabelValues("joined").Inc()
	metrics.ActiveSessions.Inc()
	s.logger.Info("connection joined room", zap.Int("room_size", size))

	stop := context.AfterFunc(ctx, func() {
		_ = s.stream.Close(websocket.CloseGoingAway, "server shutting down")
	})
	defer stop()

	s.transition(StateActive)
	s.readLoop(ctx)
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		payload, err := s.stream.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			metrics.SessionErrors.WithLabelValues("message_too_large").Inc()
			s.logger.Info("connection closed for oversized message", zap.Int64("limit_bytes", s.readLimit))
			s.closeCode, s.closeReason = websocket.CloseMessageTooBig, "Message too large"
			return
		}
		if err != nil {
			s.logDisconnect(err)
			return
		}
		s.dispatch(ctx, payload)
	}
}

// dispatch handles one inbound frame. Nothing that happens here may end the
// session; failures become sender-only error notifications.
func (s *Session) dispatch(ctx context.Context, payload []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.reply(protocol.NewActionError(protocol.KindUnexpectedInternal, protocol.MessageServerError,
				fmt.Errorf("panic: %v", recovered)))
		}
	}()

	action, err := protocol.DecodeAction(payload)
	if err == nil {
		s.logger.Debug("action received", zap.String("action", string(action.Type())))
		// A store write that is already under way finishes even if the client
		// leaves meanwhile.
		err = s.handler.Handle(context.WithoutCancel(ctx), s.roomKey, action)
	}
	if err != nil {
		s.reply(protocol.AsActionError(err))
	}
}

func (s *Session) reply(actionErr *protocol.ActionError) {
	metrics.SessionErrors.WithLabelValues(string(actionErr.Kind)).Inc()

	level := zapcore.WarnLevel
	if actionErr.Kind == protocol.KindUnexpectedInternal || actionErr.Kind == protocol.KindStoreOperationFailed {
		level = zapcore.ErrorLevel
	}
	s.logger.Log(level, "action failed",
		zap.String("kind", string(actionErr.Kind)),
		zap.String("message", actionErr.Message),
		zap.Error(actionErr.Err))

	payload, err := actionErr.Notification().Encode()
	if err != nil {
		s.logger.Error("error notification encode failed", zap.Error(err))
		return
	}
	if err := s.stream.Send(payload); err != nil {
		s.logger.Debug("error notification not delivered", zap.Error(err))
	}
}

func (s *Session) finish() {
	s.transition(StateClosing)
	if s.joined {
		s.registry.Leave(s.roomKey, s.stream)
		s.joined = false
		metrics.ActiveSessions.Dec()
		s.logger.Info("connection left room")
	}
	_ = s.stream.Close(s.closeCode, s.closeReason)
	s.transition(StateClosed)
}

func (s *Session) transition(next SessionState) {
	s.logger.Debug("session state", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

func (s *Session) logDisconnect(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		s.logger.Debug("connection closed by client", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
		return
	}
	s.logger.Debug("connection ended", zap.Error(err))
}
