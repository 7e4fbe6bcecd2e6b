// Package hub holds the routing core: one public operation that turns a
// message draft into a durably stored, best-effort-delivered message.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/agenthub-protocol/agenthub/internal/gateway"
	"github.com/agenthub-protocol/agenthub/internal/metrics"
	"github.com/agenthub-protocol/agenthub/internal/models"
	"github.com/agenthub-protocol/agenthub/internal/presence"
	"github.com/agenthub-protocol/agenthub/internal/store"
)

// ErrMalformedDestination indicates the destination union does not have
// exactly one arm set. Rejected before any persistence.
var ErrMalformedDestination = errors.New("malformed destination: exactly one of channel or agent must be set")

// Pusher delivers frames over live connections. Implemented by the gateway.
type Pusher interface {
	Push(ref presence.ConnRef, msg *models.Message) error
	BroadcastUI(msg *models.Message)
}

// Router resolves each inbound message's destination set and dispatches to
// live connections, falling back to stored-only when nobody is reachable.
type Router struct {
	store   store.MessageStore
	tracker *presence.Tracker
	pusher  Pusher
	logger  zerolog.Logger

	// Per-destination dispatch locks. Held from append through push so the
	// enqueue order on each live connection matches the append order within
	// one channel or DM pair. Independent destinations never cross-block.
	dispatchMu sync.Mutex
	dispatch   map[string]*sync.Mutex

	appended   atomic.Int64
	pushOK     atomic.Int64
	pushFailed atomic.Int64
}

// Counters is the read-only snapshot polled by external observability.
type Counters struct {
	MessagesAppended int64 `json:"messages_appended"`
	PushesSucceeded  int64 `json:"pushes_succeeded"`
	PushesFailed     int64 `json:"pushes_failed"`
}

// Counters returns routing totals since process start.
func (r *Router) Counters() Counters {
	return Counters{
		MessagesAppended: r.appended.Load(),
		PushesSucceeded:  r.pushOK.Load(),
		PushesFailed:     r.pushFailed.Load(),
	}
}

// NewRouter creates a Router over the given store, presence tracker, and
// push transport.
func NewRouter(st store.MessageStore, tracker *presence.Tracker, pusher Pusher, logger zerolog.Logger) *Router {
	return &Router{
		store:    st,
		tracker:  tracker,
		pusher:   pusher,
		logger:   logger,
		dispatch: make(map[string]*sync.Mutex),
	}
}

// destMu returns the dispatch lock for the message's destination. Channels
// key on the channel name; DM pairs key on the sorted identifier pair, so
// both directions of a conversation share one lock.
func (r *Router) destMu(dest models.Destination, senderID string) *sync.Mutex {
	key := "channel:" + dest.Channel
	if dest.IsDirect() {
		a, b := senderID, dest.Agent
		if b < a {
			a, b = b, a
		}
		key = "direct:" + a + ":" + b
	}

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	mu, ok := r.dispatch[key]
	if !ok {
		mu = &sync.Mutex{}
		r.dispatch[key] = mu
	}
	return mu
}

// Route validates, persists, and fans out one message.
//
// The append is the durability point: it always happens before any live
// push, and a storage failure propagates to the caller. Push failures for
// individual recipients never roll back the append and never fail the call;
// they only affect delivery-state bookkeeping. The result is always a
// definitive delivered or stored_only.
//
// The destination's dispatch lock is held from append through push, so
// within one channel or DM pair live recipients see messages in append
// order. The store still owns id assignment; the lock only extends that
// order across the push hand-off.
func (r *Router) Route(ctx context.Context, draft *models.Message) (*models.Message, error) {
	if !draft.Destination.Valid() {
		return nil, ErrMalformedDestination
	}
	if draft.Format == "" {
		draft.Format = models.FormatText
	}

	mu := r.destMu(draft.Destination, draft.SenderID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := r.store.Append(ctx, draft)
	if err != nil {
		return nil, err
	}

	kind := "direct"
	if msg.Destination.IsChannel() {
		kind = "channel"
	}
	metrics.MessagesAppended.WithLabelValues(kind).Inc()
	r.appended.Add(1)

	delivered := 0
	for _, agentID := range r.liveRecipients(ctx, msg) {
		rec, ok := r.tracker.Lookup(agentID)
		if !ok || rec.Status != presence.StatusOnline {
			continue
		}
		if err := r.pusher.Push(rec.ConnRef, msg); err != nil {
			// The gateway may have invalidated the handle already; a stale
			// reference is the same outcome as any other push failure.
			result := "failed"
			if errors.Is(err, gateway.ErrStaleRef) {
				result = "stale"
			}
			metrics.PushesTotal.WithLabelValues(result).Inc()
			r.pushFailed.Add(1)
			r.logger.Debug().
				Err(err).
				Str("message_id", msg.ID).
				Str("recipient", agentID).
				Msg("live push failed")
			continue
		}
		metrics.PushesTotal.WithLabelValues("ok").Inc()
		r.pushOK.Add(1)
		delivered++
	}

	state := models.DeliveryStoredOnly
	if delivered > 0 {
		state = models.DeliveryDelivered
	} else {
		metrics.StoredOnly.Inc()
	}
	msg.DeliveryState = state

	if err := r.store.UpdateDeliveryState(ctx, msg.ID, state); err != nil {
		// The message itself is durable; losing the state annotation is
		// bookkeeping, not delivery failure.
		r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("delivery state update failed")
	}

	r.pusher.BroadcastUI(msg)

	return msg, nil
}

// liveRecipients resolves the destination set. Channel: members currently
// online, sender included if a member (no self-suppression). Direct: the
// target, online or not; offline targets simply yield no live recipients,
// the hub keeps no authoritative agent registry to reject against.
func (r *Router) liveRecipients(ctx context.Context, msg *models.Message) []string {
	if msg.Destination.IsDirect() {
		return []string{msg.Destination.Agent}
	}

	ch, err := r.store.GetChannel(ctx, msg.Destination.Channel)
	if err != nil {
		r.logger.Warn().Err(err).Str("channel", msg.Destination.Channel).Msg("membership lookup failed")
		return nil
	}
	if ch == nil {
		return nil
	}
	return ch.Members
}
