// Package realtime owns the live side of the chat service: connection sessions,
// the presence table, fan-out of events to connections and the hand-off of
// accepted messages to the durable store.
//
// Handling a new message runs two independent tasks. Delivery to online members
// completes synchronously from in-memory state. Persistence runs in its own
// goroutine; a failure there is logged and counted, never retried and never
// reported to the sender, so a message can be seen by members and yet never be
// stored. The id carried by the realtime message is generated on receipt and is
// not the id the store assigns.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// PresencePolicy selects when the online user list is broadcast.
type PresencePolicy string

const (
	// PresenceOnRequest broadcasts only when a client sends an online event.
	PresenceOnRequest PresencePolicy = "on-request"
	// PresenceOnConnect also broadcasts when a user's first connection joins.
	PresenceOnConnect PresencePolicy = "on-connect"
)

var (
	// ErrSessionState is returned when a lifecycle transition is not allowed from
	// the session's current state.
	ErrSessionState = errors.New("invalid session state")
	// ErrShuttingDown is returned once Shutdown has started.
	ErrShuttingDown = errors.New("hub is shutting down")
	// ErrNotMember is returned when the sender is not a member of the
	// conversation it addresses.
	ErrNotMember = errors.New("sender is not a conversation member")
)

// Options tunes hub behaviour.
type Options struct {
	PresencePolicy PresencePolicy
	// TrustClientMembers uses the member ids sent with an event when present
	// instead of asking the membership resolver.
	TrustClientMembers bool
	ResolveTimeout     time.Duration
	PersistTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.PresencePolicy == "" {
		o.PresencePolicy = PresenceOnRequest
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 2 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	return o
}

// Hub coordinates sessions, the presence table and the dispatcher. It is built
// once at process start and shared by every connection handler.
type Hub struct {
	table      *presence.Table[Conn]
	dispatcher *Dispatcher
	verifier   auth.Verifier
	members    store.MembershipResolver
	messages   store.MessageLog
	opts       Options
	log        zerolog.Logger

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewHub wires a hub over the given collaborators.
func NewHub(
	table *presence.Table[Conn],
	verifier auth.Verifier,
	members store.MembershipResolver,
	messages store.MessageLog,
	log zerolog.Logger,
	opts Options,
) *Hub {
	log = log.With().Str("component", "hub").Logger()
	return &Hub{
		table:      table,
		dispatcher: NewDispatcher(table, log),
		verifier:   verifier,
		members:    members,
		messages:   messages,
		opts:       opts.withDefaults(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.NewString() },
	}
}

// Dispatcher returns the hub's dispatcher.
func (h *Hub) Dispatcher() *Dispatcher {
	return h.dispatcher
}

// OnlineUserIDs returns the users currently holding a live connection.
func (h *Hub) OnlineUserIDs() []string {
	return h.table.OnlineUserIDs()
}

// Connect opens a session and verifies its credential. On failure the session
// is closed and the presence table is left untouched.
func (h *Hub) Connect(ctx context.Context, credential string) (*Session, error) {
	s := newSession()

	identity, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		metrics.AuthFailures.Inc()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return s, err
	}

	s.mu.Lock()
	s.identity = identity
	s.state = StateAuthenticated
	s.mu.Unlock()
	return s, nil
}

// Join attaches conn to an authenticated session, registers it in the presence
// table and makes the session active.
func (h *Hub) Join(s *Session, conn Conn) error {
	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		return ErrShuttingDown
	}

	s.mu.Lock()
	if s.state != StateAuthenticated {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: join from %s", ErrSessionState, state)
	}
	s.conn = conn
	s.state = StateActive
	userID := s.identity.UserID
	first := h.table.Register(userID, conn)
	s.mu.Unlock()

	metrics.ActiveConnections.Inc()
	metrics.OnlineUsers.Set(float64(h.table.Len()))
	h.log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Bool("first", first).Msg("session active")

	if first && h.opts.PresencePolicy == PresenceOnConnect {
		h.dispatcher.Broadcast(protocol.KindPresenceOnline, h.table.OnlineUserIDs())
	}
	return nil
}

// Leave closes the session. It is idempotent and safe for sessions that never
// became active. When the user's last connection leaves, every online user is
// told with a presence-offline event carrying the updated online list.
func (h *Hub) Leave(s *Session) {
	s.mu.Lock()
	prev := s.state
	s.state = StateClosed
	if prev != StateActive {
		s.mu.Unlock()
		return
	}
	userID := s.identity.UserID
	conn := s.conn
	offline := h.table.Unregister(userID, conn)
	s.mu.Unlock()

	metrics.ActiveConnections.Dec()
	metrics.OnlineUsers.Set(float64(h.table.Len()))
	h.log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Bool("offline", offline).Msg("session closed")

	if offline {
		h.dispatcher.Broadcast(protocol.KindPresenceOffline, h.table.OnlineUserIDs())
	}
}

// HandleFrame decodes one client frame and handles it. Decoding errors are
// returned for logging; they never close the connection.
func (h *Hub) HandleFrame(ctx context.Context, s *Session, raw []byte) error {
	in, err := protocol.Decode(raw)
	if err != nil {
		metrics.InboundEvents.WithLabelValues("unknown", "invalid").Inc()
		return err
	}
	return h.Handle(ctx, s, in)
}

// Handle runs one inbound event for an active session.
func (h *Hub) Handle(ctx context.Context, s *Session, in protocol.Inbound) error {
	s.mu.Lock()
	state, sender := s.state, s.identity
	s.mu.Unlock()
	if state != StateActive {
		metrics.InboundEvents.WithLabelValues(string(in.Kind), "rejected").Inc()
		return fmt.Errorf("%w: %s event while %s", ErrSessionState, in.Kind, state)
	}

	targets, err := h.targets(ctx, in, sender.UserID)
	if err != nil {
		metrics.InboundEvents.WithLabelValues(string(in.Kind), "rejected").Inc()
		return err
	}
	effects, err := Plan(Snapshot{
		Sender: sender,
		Online: h.table.OnlineUserIDs,
		Now:    h.now(),
		NewID:  h.newID,
	}, in, targets)
	if err != nil {
		metrics.InboundEvents.WithLabelValues(string(in.Kind), "invalid").Inc()
		return err
	}

	h.apply(effects)
	metrics.InboundEvents.WithLabelValues(string(in.Kind), "ok").Inc()
	return nil
}

// Notify fans a REST-triggered notification out to userIDs.
func (h *Hub) Notify(userIDs []string, kind protocol.Kind, payload any) (int, error) {
	if !protocol.IsNotification(kind) {
		return 0, fmt.Errorf("%w: %q is not a notification kind", protocol.ErrUnknownKind, kind)
	}
	return h.dispatcher.Dispatch(userIDs, kind, payload), nil
}

// targets resolves who an event is addressed to. A resolver failure degrades to
// an empty set. Resolved members must include the sender.
func (h *Hub) targets(ctx context.Context, in protocol.Inbound, senderID string) ([]string, error) {
	var conversationID string
	var memberIDs []string
	switch {
	case in.Message != nil:
		conversationID, memberIDs = in.Message.ConversationID, in.Message.MemberIDs
	case in.Typing != nil:
		conversationID, memberIDs = in.Typing.ConversationID, in.Typing.MemberIDs
	default:
		return nil, nil
	}

	if h.opts.TrustClientMembers && len(memberIDs) > 0 {
		return memberIDs, nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.ResolveTimeout)
	defer cancel()
	members, err := h.members.MembersOf(ctx, conversationID)
	if err != nil {
		metrics.ResolverFailures.Inc()
		h.log.Warn().Err(err).Str("conversation_id", conversationID).Msg("membership lookup failed, dispatching to nobody")
		return nil, nil
	}
	if !lo.Contains(members, senderID) {
		return nil, fmt.Errorf("%w: %s in %s", ErrNotMember, senderID, conversationID)
	}
	return members, nil
}

func (h *Hub) apply(effects Effects) {
	for _, d := range effects.Deliveries {
		if d.Broadcast {
			h.dispatcher.Broadcast(d.Kind, d.Payload)
			continue
		}
		h.dispatcher.Dispatch(d.Targets, d.Kind, d.Payload)
	}

	if effects.Persist != nil {
		msg := *effects.Persist
		task := func() { h.persist(msg) }
		if !h.Go(task) {
			task()
		}
	}
}

func (h *Hub) persist(msg store.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.PersistTimeout)
	defer cancel()

	start := time.Now()
	id, err := h.messages.AppendMessage(ctx, msg)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistFailures.Inc()
		h.log.Error().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("sender_id", msg.SenderID).
			Msg("failed to persist delivered message")
		return
	}
	h.log.Debug().Str("message_id", id).Str("conversation_id", msg.ConversationID).Msg("message persisted")
}

// Go runs f in a goroutine that Shutdown waits for. It returns false, without
// running f, once shutdown has started.
func (h *Hub) Go(f func()) bool {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return false
	}
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		f()
	}()
	return true
}

// Shutdown closes every live connection and waits for connection goroutines and
// pending durable writes, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	conns := h.table.ConnectionsFor(h.table.OnlineUserIDs())
	for _, conn := range conns {
		conn.Close()
	}
	h.log.Info().Int("connections", len(conns)).Msg("closed client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
