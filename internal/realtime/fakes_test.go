package realtime

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/MarcoPoloResearchLab/comment-relay/internal/protocol"
)

// fakeStream is an in-memory Stream. Frames pushed to inbound are read by the
// session; closing inbound simulates the client hanging up.
type fakeStream struct {
	id      string
	inbound chan []byte
	sent    chan []byte
	done    chan struct{}

	// readErr replaces io.EOF once inbound is closed.
	readErr error

	mu        sync.Mutex
	closed    bool
	closeCode int
	sendErr   error
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{
		id:      id,
		inbound: make(chan []byte, 16),
		sent:    make(chan []byte, 64),
		done:    make(chan struct{}),
	}
}

func (f *fakeStream) ID() string         { return f.id }
func (f *fakeStream) RemoteAddr() string { return "198.51.100.7:5000" }

func (f *fakeStream) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.closed {
		return ErrConnectionClosed
	}
	f.sent <- payload
	return nil
}

func (f *fakeStream) ReadMessage() ([]byte, error) {
	select {
	case payload, ok := <-f.inbound:
		if !ok {
			if f.readErr != nil {
				return nil, f.readErr
			}
			return nil, io.EOF
		}
		return payload, nil
	case <-f.done:
		return nil, errors.New("use of closed network connection")
	}
}

func (f *fakeStream) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.closeCode = code
	close(f.done)
	return nil
}

func (f *fakeStream) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeStream) CloseCode() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closed
}

type handlerFunc func(ctx context.Context, roomKey string, action protocol.Action) error

func (fn handlerFunc) Handle(ctx context.Context, roomKey string, action protocol.Action) error {
	return fn(ctx, roomKey, action)
}
