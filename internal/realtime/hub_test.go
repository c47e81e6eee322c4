package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/mocks"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/store"
)

type hubFixture struct {
	hub      *Hub
	members  *mocks.MockMembershipResolver
	messages *mocks.MockMessageLog
}

func newHubFixture(t *testing.T, opts Options) *hubFixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &hubFixture{
		members:  mocks.NewMockMembershipResolver(ctrl),
		messages: mocks.NewMockMessageLog(ctrl),
	}
	verifier := stubVerifier{
		"tok-s": {UserID: "s", Name: "Sam"},
		"tok-x": {UserID: "x", Name: "Xia"},
		"tok-y": {UserID: "y", Name: "Yuri"},
		"tok-1": {UserID: "u1", Name: "One"},
		"tok-2": {UserID: "u2", Name: "Two"},
	}
	f.hub = NewHub(presence.New[Conn](), verifier, f.members, f.messages, zerolog.Nop(), opts)
	f.hub.newID = func() string { return "rt-id" }
	return f
}

func (f *hubFixture) join(t *testing.T, token, connID string) (*Session, *fakeConn) {
	t.Helper()
	s, err := f.hub.Connect(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, StateAuthenticated, s.State())

	conn := newFakeConn(connID)
	require.NoError(t, f.hub.Join(s, conn))
	require.Equal(t, StateActive, s.State())
	return s, conn
}

// drain waits for pending durable writes.
func (f *hubFixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.hub.Shutdown(time.Second))
}

func sendFrame(t *testing.T, h *Hub, s *Session, kind protocol.Kind, payload any) error {
	t.Helper()
	raw := map[string]any{"kind": kind}
	if payload != nil {
		raw["payload"] = payload
	}
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	return h.HandleFrame(context.Background(), s, b)
}

func onlineList(t *testing.T, env protocol.Envelope) []string {
	t.Helper()
	var ids []string
	require.NoError(t, json.Unmarshal(env.Payload, &ids))
	return ids
}

// TestMessageReachesOnlineMembersOnly covers a conversation with one online and
// one offline member: the online one gets the message and its alert, the
// offline one gets nothing, and the message is stored exactly once.
func TestMessageReachesOnlineMembersOnly(t *testing.T) {
	f := newHubFixture(t, Options{})
	sender, senderConn := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	f.members.EXPECT().MembersOf(gomock.Any(), "c1").Return([]string{"s", "x", "y"}, nil)
	var stored store.Message
	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, m store.Message) (string, error) {
			stored = m
			return "01HZY0000000000000000000", nil
		}).Times(1)

	err := sendFrame(t, f.hub, sender, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, xConn.count(protocol.KindMessage))
	assert.Equal(t, 1, xConn.count(protocol.KindMessageAlert))
	assert.Zero(t, senderConn.count(protocol.KindMessage))
	assert.Zero(t, senderConn.count(protocol.KindMessageAlert))

	env, ok := xConn.last(protocol.KindMessage)
	require.True(t, ok)
	var ev protocol.MessageEvent
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "rt-id", ev.Message.ID)
	assert.Equal(t, "hello", ev.Message.Content)
	assert.Equal(t, protocol.Sender{ID: "s", Name: "Sam"}, ev.Message.Sender)

	f.drain(t)
	assert.Equal(t, "c1", stored.ConversationID)
	assert.Equal(t, "s", stored.SenderID)
	assert.Equal(t, "hello", stored.Content)
}

func TestPersistFailureDoesNotAffectDelivery(t *testing.T) {
	f := newHubFixture(t, Options{})
	sender, _ := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	f.members.EXPECT().MembersOf(gomock.Any(), "c1").Return([]string{"s", "x"}, nil)
	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).Return("", errors.New("disk full"))

	err := sendFrame(t, f.hub, sender, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "still delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, xConn.count(protocol.KindMessage))
	f.drain(t)
}

func TestTypingNeverEchoesToSender(t *testing.T) {
	f := newHubFixture(t, Options{})
	s1, s1a := f.join(t, "tok-1", "u1-a")
	_, s1b := f.join(t, "tok-1", "u1-b")
	_, u2 := f.join(t, "tok-2", "u2-a")

	f.members.EXPECT().MembersOf(gomock.Any(), "c7").Return([]string{"u1", "u2"}, nil).Times(2)

	require.NoError(t, sendFrame(t, f.hub, s1, protocol.KindTypingStart, map[string]any{"conversationId": "c7"}))
	require.NoError(t, sendFrame(t, f.hub, s1, protocol.KindTypingStop, map[string]any{"conversationId": "c7"}))

	assert.Equal(t, 1, u2.count(protocol.KindTypingStart))
	assert.Equal(t, 1, u2.count(protocol.KindTypingStop))
	assert.Empty(t, s1a.received())
	assert.Empty(t, s1b.received())
}

// TestMultiDeviceScenario has u1 on two devices and u2 on one. A message from
// u1 reaches u2 only; u1 going offline takes both devices leaving.
func TestMultiDeviceScenario(t *testing.T) {
	f := newHubFixture(t, Options{})
	s1a, conn1a := f.join(t, "tok-1", "u1-a")
	s1b, conn1b := f.join(t, "tok-1", "u1-b")
	_, conn2 := f.join(t, "tok-2", "u2-a")

	f.members.EXPECT().MembersOf(gomock.Any(), "c1").Return([]string{"u1", "u2"}, nil)
	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).Return("durable-1", nil)

	require.NoError(t, sendFrame(t, f.hub, s1a, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "hi",
	}))
	assert.Equal(t, 1, conn2.count(protocol.KindMessage))
	assert.Zero(t, conn1a.count(protocol.KindMessage))
	assert.Zero(t, conn1b.count(protocol.KindMessage))

	f.hub.Leave(s1a)
	assert.Zero(t, conn2.count(protocol.KindPresenceOffline), "u1 still has a device online")
	assert.Equal(t, []string{"u1", "u2"}, f.hub.OnlineUserIDs())

	f.hub.Leave(s1b)
	require.Equal(t, 1, conn2.count(protocol.KindPresenceOffline))
	env, _ := conn2.last(protocol.KindPresenceOffline)
	assert.Equal(t, []string{"u2"}, onlineList(t, env))

	f.drain(t)
}

func TestLeaveIsIdempotent(t *testing.T) {
	f := newHubFixture(t, Options{})
	s, _ := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	f.hub.Leave(s)
	f.hub.Leave(s)

	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, xConn.count(protocol.KindPresenceOffline))
	assert.Equal(t, []string{"x"}, f.hub.OnlineUserIDs())

	// A session that never became active leaves without touching presence.
	pending, err := f.hub.Connect(context.Background(), "tok-y")
	require.NoError(t, err)
	f.hub.Leave(pending)
	assert.Equal(t, StateClosed, pending.State())
	assert.Equal(t, 1, xConn.count(protocol.KindPresenceOffline))
}

func TestAuthFailureLeavesPresenceUntouched(t *testing.T) {
	f := newHubFixture(t, Options{})
	_, xConn := f.join(t, "tok-x", "x-1")

	s, err := f.hub.Connect(context.Background(), "forged")
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.Equal(t, StateClosed, s.State())

	assert.ErrorIs(t, f.hub.Join(s, newFakeConn("forged-1")), ErrSessionState)
	f.hub.Leave(s)

	assert.Equal(t, []string{"x"}, f.hub.OnlineUserIDs())
	assert.Empty(t, xConn.received())
}

func TestResolverFailureDispatchesToNobody(t *testing.T) {
	f := newHubFixture(t, Options{})
	sender, _ := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	f.members.EXPECT().MembersOf(gomock.Any(), "c1").Return(nil, errors.New("db down"))
	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).Return("durable-1", nil)

	require.NoError(t, sendFrame(t, f.hub, sender, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "lost in realtime",
	}))
	assert.Empty(t, xConn.received())
	f.drain(t)
}

func TestTrustClientMembersSkipsResolver(t *testing.T) {
	f := newHubFixture(t, Options{TrustClientMembers: true})
	sender, _ := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	require.NoError(t, sendFrame(t, f.hub, sender, protocol.KindTypingStart, map[string]any{
		"conversationId": "c1",
		"memberIds":      []string{"s", "x"},
	}))
	assert.Equal(t, 1, xConn.count(protocol.KindTypingStart))

	// Without client ids the resolver is still consulted.
	f.members.EXPECT().MembersOf(gomock.Any(), "c2").Return([]string{"s", "x"}, nil)
	require.NoError(t, sendFrame(t, f.hub, sender, protocol.KindTypingStart, map[string]any{
		"conversationId": "c2",
	}))
	assert.Equal(t, 2, xConn.count(protocol.KindTypingStart))
}

// TestTrustedMembersMessageReachesOnlineMembersOnly sends a message naming its
// own members [x, y] with x online and y offline.
func TestTrustedMembersMessageReachesOnlineMembersOnly(t *testing.T) {
	f := newHubFixture(t, Options{TrustClientMembers: true})
	sender, senderConn := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).Return("durable-1", nil).Times(1)

	require.NoError(t, sendFrame(t, f.hub, sender, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "hi both",
		"memberIds":      []string{"x", "y"},
	}))

	assert.Equal(t, 1, xConn.count(protocol.KindMessage))
	assert.Equal(t, 1, xConn.count(protocol.KindMessageAlert))
	assert.Empty(t, senderConn.received())
	assert.False(t, f.hub.table.IsOnline("y"))
	f.drain(t)
}

func TestNonMemberCannotWriteToConversation(t *testing.T) {
	f := newHubFixture(t, Options{})
	sender, _ := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	f.members.EXPECT().MembersOf(gomock.Any(), "c1").Return([]string{"x", "y"}, nil).Times(2)
	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).Times(0)

	err := sendFrame(t, f.hub, sender, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "let me in",
	})
	assert.ErrorIs(t, err, ErrNotMember)

	err = sendFrame(t, f.hub, sender, protocol.KindTypingStart, map[string]any{"conversationId": "c1"})
	assert.ErrorIs(t, err, ErrNotMember)

	assert.Empty(t, xConn.received())
	assert.Equal(t, StateActive, sender.State())
	f.drain(t)
}

func TestOnlineEventBroadcastsPresence(t *testing.T) {
	f := newHubFixture(t, Options{})
	sender, senderConn := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	assert.Empty(t, xConn.received(), "on-request policy stays silent on join")

	require.NoError(t, sendFrame(t, f.hub, sender, protocol.KindOnline, nil))

	for _, c := range []*fakeConn{senderConn, xConn} {
		env, ok := c.last(protocol.KindPresenceOnline)
		require.True(t, ok)
		assert.Equal(t, []string{"s", "x"}, onlineList(t, env))
	}
}

func TestOnConnectPolicyBroadcastsFirstConnection(t *testing.T) {
	f := newHubFixture(t, Options{PresencePolicy: PresenceOnConnect})
	_, sConn := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	assert.Equal(t, 2, sConn.count(protocol.KindPresenceOnline))
	assert.Equal(t, 1, xConn.count(protocol.KindPresenceOnline))

	// A second device for an already online user is not news.
	f.join(t, "tok-x", "x-2")
	assert.Equal(t, 2, sConn.count(protocol.KindPresenceOnline))
}

func TestHandleRejectsInvalidFrames(t *testing.T) {
	f := newHubFixture(t, Options{})
	s, _ := f.join(t, "tok-s", "s-1")

	assert.ErrorIs(t, f.hub.HandleFrame(context.Background(), s, []byte("{not json")), protocol.ErrInvalidPayload)
	assert.ErrorIs(t, sendFrame(t, f.hub, s, "presence-online", nil), protocol.ErrUnknownKind)
	assert.ErrorIs(t, sendFrame(t, f.hub, s, protocol.KindNewMessage, map[string]any{"content": "no chat"}), protocol.ErrInvalidPayload)

	f.hub.Leave(s)
	assert.ErrorIs(t, sendFrame(t, f.hub, s, protocol.KindOnline, nil), ErrSessionState)
}

func TestNotifyOnlyAcceptsNotificationKinds(t *testing.T) {
	f := newHubFixture(t, Options{})
	_, xConn := f.join(t, "tok-x", "x-1")

	n, err := f.hub.Notify([]string{"x", "y"}, protocol.KindRefetchChats, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, xConn.count(protocol.KindRefetchChats))

	_, err = f.hub.Notify([]string{"x"}, protocol.KindMessage, nil)
	assert.ErrorIs(t, err, protocol.ErrUnknownKind)
}

func TestShutdownClosesConnectionsAndWaitsForWrites(t *testing.T) {
	f := newHubFixture(t, Options{})
	sender, sConn := f.join(t, "tok-s", "s-1")
	_, xConn := f.join(t, "tok-x", "x-1")

	release := make(chan struct{})
	f.members.EXPECT().MembersOf(gomock.Any(), "c1").Return([]string{"s", "x"}, nil)
	f.messages.EXPECT().AppendMessage(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, store.Message) (string, error) {
			<-release
			return "durable-1", nil
		})

	require.NoError(t, sendFrame(t, f.hub, sender, protocol.KindNewMessage, map[string]any{
		"conversationId": "c1",
		"content":        "slow write",
	}))

	assert.ErrorIs(t, f.hub.Shutdown(50*time.Millisecond), context.DeadlineExceeded)
	assert.True(t, sConn.isClosed())
	assert.True(t, xConn.isClosed())

	close(release)
	assert.NoError(t, f.hub.Shutdown(time.Second))

	assert.False(t, f.hub.Go(func() {}))
	s, err := f.hub.Connect(context.Background(), "tok-y")
	require.NoError(t, err)
	assert.ErrorIs(t, f.hub.Join(s, newFakeConn("late")), ErrShuttingDown)
}
