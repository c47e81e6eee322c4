package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// fakeConn records every event it accepts.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Envelope
	refuse bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse || c.closed {
		return false
	}
	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		panic(fmt.Sprintf("fakeConn %s got invalid frame: %v", c.id, err))
	}
	c.frames = append(c.frames, env)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) received() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) count(kind protocol.Kind) int {
	n := 0
	for _, env := range c.received() {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(kind protocol.Kind) (protocol.Envelope, bool) {
	frames := c.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Kind == kind {
			return frames[i], true
		}
	}
	return protocol.Envelope{}, false
}

// stubVerifier accepts the tokens it knows.
type stubVerifier map[string]auth.Identity

func (v stubVerifier) Verify(_ context.Context, credential string) (auth.Identity, error) {
	id, ok := v[credential]
	if !ok {
		return auth.Identity{}, fmt.Errorf("%w: unknown token", auth.ErrUnauthenticated)
	}
	return id, nil
}
