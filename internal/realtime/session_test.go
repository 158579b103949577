package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const testOrigin = "https://shop.example.com"

type sessionHarness struct {
	registry *Registry
	stream   *fakeStream
	session  *Session
	result   chan error
}

func startSession(t *testing.T, request SessionRequest, handler ActionHandler) *sessionHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return startSessionWithContext(t, ctx, request, handler)
}

func startSessionWithContext(t *testing.T, ctx context.Context, request SessionRequest, handler ActionHandler) *sessionHarness {
	t.Helper()
	if handler == nil {
		handler = handlerFunc(func(context.Context, string, protocol.Action) error { return nil })
	}
	harness := &sessionHarness{
		registry: NewRegistry(RegistryConfig{Shards: 4}),
		stream:   newFakeStream("c1"),
		result:   make(chan error, 1),
	}
	harness.session = NewSession(harness.stream, request, SessionDependencies{
		Registry: harness.registry,
		Handler:  handler,
		Origins:  NewOriginPolicy([]string{testOrigin}, false),
	})
	go func() { harness.result <- harness.session.Run(ctx) }()
	return harness
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *sessionHarness) nextSent(t *testing.T) protocol.Notification {
	t.Helper()
	select {
	case payload := <-h.stream.sent:
		notification, err := protocol.DecodeNotification(payload)
		require.NoError(t, err)
		return notification
	case <-time.After(2 * time.Second):
		t.Fatal("no notification sent")
		return protocol.Notification{}
	}
}

func validRequest() SessionRequest {
	return SessionRequest{Path: "/ws/comments/P1", Origin: testOrigin, OriginPresent: true}
}

func waitForMembers(t *testing.T, registry *Registry, room string, expected int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(registry.Snapshot(room)) == expected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestParseRoomPath(t *testing.T) {
	testCases := []struct {
		path    string
		want    string
		wantErr bool
	}{
		{path: "/ws/comments/P1", want: "P1"},
		{path: "/ws/comments/P1/", want: "P1"},
		{path: "ws/comments/abc-123", want: "abc-123"},
		{path: "/ws/nope/P1", wantErr: true},
		{path: "/ws/comments/", wantErr: true},
		{path: "/ws/comments", wantErr: true},
		{path: "/ws/comments/P1/extra", wantErr: true},
		{path: "/", wantErr: true},
		{path: "", wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.path, func(t *testing.T) {
			got, err := ParseRoomPath(testCase.path)
			if testCase.wantErr {
				assert.ErrorIs(t, err, ErrProtocolPathInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testCase.want, got)
		})
	}
}

func TestSession_RejectsDisallowedOrigin(t *testing.T) {
	request := validRequest()
	request.Origin = "https://evil.example.com"
	harness := startSession(t, request, nil)

	assert.ErrorIs(t, harness.wait(t), ErrOriginRejected)
	code, closed := harness.stream.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, websocket.ClosePolicyViolation, code)
	assert.Empty(t, harness.registry.Rooms())
	assert.Equal(t, StateClosed, harness.session.State())
}

func TestSession_AcceptsMissingOrigin(t *testing.T) {
	request := validRequest()
	request.Origin, request.OriginPresent = "", false
	harness := startSession(t, request, nil)

	waitForMembers(t, harness.registry, "P1", 1)
	close(harness.stream.inbound)
	require.NoError(t, harness.wait(t))
}

func TestSession_RejectsInvalidPathWithoutJoining(t *testing.T) {
	request := validRequest()
	request.Path = "/ws/nope/P1"
	harness := startSession(t, request, nil)

	assert.ErrorIs(t, harness.wait(t), ErrProtocolPathInvalid)
	code, _ := harness.stream.CloseCode()
	assert.Equal(t, websocket.CloseProtocolError, code)
	assert.Equal(t, RegistryStats{}, harness.registry.Stats())
}

func TestSession_InvalidPathReasonFitsCloseFrame(t *testing.T) {
	request := validRequest()
	request.Path = "/ws/nope/" + strings.Repeat("x", 200)
	harness := startSession(t, request, nil)

	assert.ErrorIs(t, harness.wait(t), ErrProtocolPathInvalid)
	assert.LessOrEqual(t, len(harness.session.closeReason), maxCloseReasonBytes)
	assert.NotContains(t, harness.session.closeReason, "xxx")
}

func TestSession_OversizedMessageClosesWithTooBig(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	registry := NewRegistry(RegistryConfig{})
	stream := newFakeStream("c1")
	stream.readErr = websocket.ErrReadLimit
	session := NewSession(stream, validRequest(), SessionDependencies{
		Registry:  registry,
		Handler:   handlerFunc(func(context.Context, string, protocol.Action) error { return nil }),
		Origins:   NewOriginPolicy([]string{testOrigin}, false),
		ReadLimit: 512,
		Logger:    zap.New(core),
	})

	close(stream.inbound)
	require.NoError(t, session.Run(context.Background()))

	code, closed := stream.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseMessageTooBig, code)
	assert.Empty(t, registry.Rooms())

	entries := logs.FilterMessage("connection closed for oversized message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, int64(512), entries[0].ContextMap()["limit_bytes"])
}

func TestSession_LeavesRoomOnDisconnect(t *testing.T) {
	harness := startSession(t, validRequest(), nil)
	waitForMembers(t, harness.registry, "P1", 1)

	close(harness.stream.inbound)
	require.NoError(t, harness.wait(t))

	assert.Empty(t, harness.registry.Rooms())
	assert.Equal(t, StateClosed, harness.session.State())
	code, _ := harness.stream.CloseCode()
	assert.Equal(t, websocket.CloseNormalClosure, code)
}

func TestSession_MalformedMessageKeepsSessionOpen(t *testing.T) {
	var handled []protocol.ActionType
	handler := handlerFunc(func(_ context.Context, roomKey string, action protocol.Action) error {
		assert.Equal(t, "P1", roomKey)
		handled = append(handled, action.Type())
		return nil
	})
	harness := startSession(t, validRequest(), handler)

	harness.stream.inbound <- []byte(`{not json`)
	notification := harness.nextSent(t)
	assert.Equal(t, protocol.NotificationError, notification.Type)
	assert.Equal(t, protocol.MessageInvalidJSON, notification.Data.(protocol.ErrorData).Message)

	harness.stream.inbound <- []byte(`{"type":"post_comment"}`)
	notification = harness.nextSent(t)
	assert.Equal(t, protocol.MessageMissingFields, notification.Data.(protocol.ErrorData).Message)

	harness.stream.inbound <- []byte(`{"type":"teleport","payload":{"x":1}}`)
	notification = harness.nextSent(t)
	assert.Equal(t, "Unknown action type: teleport", notification.Data.(protocol.ErrorData).Message)

	harness.stream.inbound <- []byte(`{"type":"delete_comment","payload":{"commentId":"c-1","userDocId":"u-1"}}`)
	close(harness.stream.inbound)
	require.NoError(t, harness.wait(t))

	assert.Equal(t, []protocol.ActionType{protocol.ActionDeleteComment}, handled)
	assert.Empty(t, harness.stream.sent)
}

func TestSession_HandlerErrorsGoToSenderOnly(t *testing.T) {
	handler := handlerFunc(func(context.Context, string, protocol.Action) error {
		return protocol.NewActionError(protocol.KindDuplicateReview, protocol.MessageAlreadyReviewed, nil).
			WithCode(protocol.CodeAlreadyReviewed)
	})
	harness := startSession(t, validRequest(), handler)
	waitForMembers(t, harness.registry, "P1", 1)

	peer := newFakeStream("peer")
	harness.registry.Join("P1", peer)

	harness.stream.inbound <- []byte(`{"type":"delete_comment","payload":{"commentId":"c-1","userDocId":"u-1"}}`)
	notification := harness.nextSent(t)
	data := notification.Data.(protocol.ErrorData)
	assert.Equal(t, protocol.MessageAlreadyReviewed, data.Message)
	assert.Equal(t, protocol.CodeAlreadyReviewed, data.Code)
	assert.Empty(t, peer.sent)

	close(harness.stream.inbound)
	require.NoError(t, harness.wait(t))
	assert.Len(t, harness.registry.Snapshot("P1"), 1)
}

func TestSession_HandlerPanicBecomesServerError(t *testing.T) {
	calls := 0
	handler := handlerFunc(func(context.Context, string, protocol.Action) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return errors.New("plain failure")
	})
	harness := startSession(t, validRequest(), handler)

	message := []byte(`{"type":"delete_comment","payload":{"commentId":"c-1","userDocId":"u-1"}}`)
	harness.stream.inbound <- message
	notification := harness.nextSent(t)
	assert.Equal(t, protocol.MessageServerError, notification.Data.(protocol.ErrorData).Message)

	harness.stream.inbound <- message
	notification = harness.nextSent(t)
	assert.Equal(t, protocol.MessageServerError, notification.Data.(protocol.ErrorData).Message)

	close(harness.stream.inbound)
	require.NoError(t, harness.wait(t))
	assert.Equal(t, 2, calls)
}

func TestSession_HandlerContextOutlivesDisconnect(t *testing.T) {
	handlerCtx := make(chan context.Context, 1)
	handler := handlerFunc(func(ctx context.Context, _ string, _ protocol.Action) error {
		handlerCtx <- ctx
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	harness := startSessionWithContext(t, ctx, validRequest(), handler)

	harness.stream.inbound <- []byte(`{"type":"delete_comment","payload":{"commentId":"c-1","userDocId":"u-1"}}`)
	received := <-handlerCtx
	cancel()
	require.NoError(t, harness.wait(t))
	assert.NoError(t, received.Err())
}

func TestSession_ContextCancelClosesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	harness := startSessionWithContext(t, ctx, validRequest(), nil)
	waitForMembers(t, harness.registry, "P1", 1)

	cancel()
	require.NoError(t, harness.wait(t))

	code, closed := harness.stream.CloseCode()
	assert.True(t, closed)
	assert.Equal(t, websocket.CloseGoingAway, code)
	assert.Empty(t, harness.registry.Rooms())
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "state(42)", SessionState(42).String())
}
