package realtime

import (
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/presence"
	"github.com/Tyrowin/gochat-live/internal/protocol"
)

// Dispatcher pushes events to the live connections of a set of users.
//
// Delivery is best effort: offline users are skipped, and a connection that
// refuses the message (closed, or its send buffer is full) is counted as a drop
// without affecting the remaining connections. Nothing is acknowledged.
type Dispatcher struct {
	table *presence.Table[Conn]
	log   zerolog.Logger
}

// NewDispatcher creates a dispatcher over table.
func NewDispatcher(table *presence.Table[Conn], log zerolog.Logger) *Dispatcher {
	return &Dispatcher{table: table, log: log.With().Str("component", "dispatcher").Logger()}
}

// Dispatch sends an event to every live connection of userIDs and returns the
// number of connections that accepted it.
func (d *Dispatcher) Dispatch(userIDs []string, kind protocol.Kind, payload any) int {
	conns := d.table.ConnectionsFor(userIDs)
	if len(conns) == 0 {
		return 0
	}

	msg, err := protocol.Encode(kind, payload)
	if err != nil {
		d.log.Error().Err(err).Str("kind", string(kind)).Msg("dropping event that cannot be encoded")
		return 0
	}
	return d.send(conns, kind, msg)
}

// DispatchExcept is Dispatch with one user removed from the targets.
func (d *Dispatcher) DispatchExcept(userIDs []string, exceptUserID string, kind protocol.Kind, payload any) int {
	return d.Dispatch(lo.Without(userIDs, exceptUserID), kind, payload)
}

// Broadcast sends an event to every online user.
func (d *Dispatcher) Broadcast(kind protocol.Kind, payload any) int {
	return d.Dispatch(d.table.OnlineUserIDs(), kind, payload)
}

func (d *Dispatcher) send(conns []Conn, kind protocol.Kind, msg []byte) int {
	delivered := 0
	for _, conn := range conns {
		if conn.Send(msg) {
			delivered++
			continue
		}
		metrics.EventsDropped.WithLabelValues(string(kind)).Inc()
		d.log.Debug().Str("conn_id", conn.ID()).Str("kind", string(kind)).Msg("connection did not accept event")
	}
	metrics.EventsDelivered.WithLabelValues(string(kind)).Add(float64(delivered))
	return delivered
}
