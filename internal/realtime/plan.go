package realtime

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/protocol"
	"github.com/Tyrowin/gochat-live/internal/store"
)

// Snapshot is the in-memory state an inbound event is planned against. Online
// is only called by events that report presence.
type Snapshot struct {
	Sender auth.Identity
	Online func() []string
	Now    time.Time
	NewID  func() string
}

// Delivery is one event to fan out. Broadcast deliveries go to every online
// user and ignore Targets.
type Delivery struct {
	Kind      protocol.Kind
	Payload   any
	Targets   []string
	Broadcast bool
}

// Effects is everything handling an inbound event should do. Deliveries only
// touch in-memory state; Persist, when set, is handed to the durable store
// independently of them.
type Effects struct {
	Deliveries []Delivery
	Persist    *store.Message
}

// Plan maps an inbound event to its effects. It performs no I/O: targets are the
// member ids already resolved for the event's conversation.
//
// The sender never receives its own message or typing events, on any of its
// devices.
func Plan(snap Snapshot, in protocol.Inbound, targets []string) (Effects, error) {
	switch in.Kind {
	case protocol.KindOnline:
		return Effects{Deliveries: []Delivery{{
			Kind:      protocol.KindPresenceOnline,
			Payload:   snap.Online(),
			Broadcast: true,
		}}}, nil

	case protocol.KindNewMessage:
		if in.Message == nil {
			return Effects{}, fmt.Errorf("%w: message without payload", protocol.ErrInvalidPayload)
		}
		p := in.Message
		recipients := recipientsOf(targets, snap.Sender.UserID)
		realtimeMsg := protocol.Message{
			ID:             snap.NewID(),
			Content:        p.Content,
			Sender:         protocol.Sender{ID: snap.Sender.UserID, Name: snap.Sender.Name},
			ConversationID: p.ConversationID,
			CreatedAt:      snap.Now,
		}
		return Effects{
			Deliveries: []Delivery{
				{
					Kind:    protocol.KindMessage,
					Payload: protocol.MessageEvent{ConversationID: p.ConversationID, Message: realtimeMsg},
					Targets: recipients,
				},
				{
					Kind:    protocol.KindMessageAlert,
					Payload: protocol.ConversationEvent{ConversationID: p.ConversationID},
					Targets: recipients,
				},
			},
			Persist: &store.Message{
				ConversationID: p.ConversationID,
				SenderID:       snap.Sender.UserID,
				Content:        p.Content,
				CreatedAt:      snap.Now,
			},
		}, nil

	case protocol.KindTypingStart, protocol.KindTypingStop:
		if in.Typing == nil {
			return Effects{}, fmt.Errorf("%w: typing without payload", protocol.ErrInvalidPayload)
		}
		return Effects{Deliveries: []Delivery{{
			Kind:    in.Kind,
			Payload: protocol.ConversationEvent{ConversationID: in.Typing.ConversationID},
			Targets: recipientsOf(targets, snap.Sender.UserID),
		}}}, nil
	}

	return Effects{}, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, in.Kind)
}

func recipientsOf(targets []string, senderID string) []string {
	return lo.Without(lo.Uniq(targets), senderID)
}
