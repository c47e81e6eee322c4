package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/realtime"
	"github.com/Tyrowin/gochat-live/internal/store"
)

const (
	testSecret   = "test-secret"
	testAdminKey = "admin-key"
	testOrigin   = "http://localhost:8080"
)

// testEnv is a full server over an in-memory badger store, seeded with three
// users and one chat (c1: alice, bob, carol; dave is not a member).
type testEnv struct {
	cfg   Config
	hub   *realtime.Hub
	store *store.BadgerStore
	srv   *httptest.Server
}

func newTestEnv(t *testing.T, customize func(cfg *Config)) *testEnv {
	t.Helper()

	cfg := NewConfig()
	cfg.JWTSecret = testSecret
	cfg.AdminSecretKey = testAdminKey
	if customize != nil {
		customize(&cfg)
	}
	cfg = sanitizeConfig(cfg)

	st, err := store.OpenBadger("", zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, u := range []store.User{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}, {ID: "carol", Name: "Carol"}, {ID: "dave", Name: "Dave"}} {
		require.NoError(t, st.PutUser(ctx, u))
	}
	require.NoError(t, st.PutConversation(ctx, store.Conversation{ID: "c1", Name: "general", MemberIDs: []string{"alice", "bob", "carol"}}))

	verifier := auth.NewJWTVerifier(cfg.JWTSecret, st)
	hub := realtime.NewHub(presence.New[realtime.Conn](), verifier, st, st, zerolog.Nop(), cfg.HubOptions())
	ts := httptest.NewServer(New(cfg, hub, st, verifier, zerolog.Nop()).Routes())

	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		ts.Close()
		_ = st.Close()
	})

	return &testEnv{cfg: cfg, hub: hub, store: st, srv: ts}
}

func (e *testEnv) wsURL() string {
	u, _ := url.Parse(e.srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	return u.String()
}

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateToken(userID, []byte(testSecret), time.Hour)
	require.NoError(t, err)
	return tok
}

// dialAs opens a WebSocket with the user's token in the session cookie.
func (e *testEnv) dialAs(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := e.dial(mustToken(t, userID), testOrigin)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) dial(token, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	if token != "" {
		header.Set("Cookie", auth.CookieName+"="+token)
	}
	conn, resp, err := dialer.Dial(e.wsURL(), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// waitOnline blocks until exactly the given users are online.
func (e *testEnv) waitOnline(t *testing.T, userIDs ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		online := e.hub.OnlineUserIDs()
		if len(online) != len(userIDs) {
			return false
		}
		for i := range online {
			if online[i] != userIDs[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "online users never became %v", userIDs)
}

func sendEvent(t *testing.T, conn *websocket.Conn, kind protocol.Kind, payload any) {
	t.Helper()
	frame := map[string]any{"kind": kind}
	if payload != nil {
		frame["payload"] = payload
	}
	require.NoError(t, conn.WriteJSON(frame))
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readKind reads events until one of the given kind arrives.
func readKind(t *testing.T, conn *websocket.Conn, kind protocol.Kind) protocol.Envelope {
	t.Helper()
	for {
		env := readEvent(t, conn)
		if env.Kind == kind {
			return env
		}
	}
}

func expectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	if err == nil {
		t.Fatalf("expected no message, but received %s", data)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

func decodePayload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

// do sends an HTTP request to the test server.
func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func bearer(t *testing.T, userID string) http.Header {
	t.Helper()
	return http.Header{"Authorization": []string{"Bearer " + mustToken(t, userID)}}
}

func adminHeader() http.Header {
	return http.Header{AdminKeyHeader: []string{testAdminKey}}
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}
