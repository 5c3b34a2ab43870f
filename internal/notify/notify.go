// Package notify delivers terminal query lifecycle events to in-process
// subscribers, optionally bridged across instances over Postgres
// LISTEN/NOTIFY. Each query produces exactly one terminal event; a
// subscriber that arrives after delivery receives nothing and should
// read the stored query instead.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gougi-ai/gougi/internal/model"
)

// subscriberBuffer is sized 1: each subscription receives at most one
// terminal event before it is closed.
const subscriberBuffer = 1

// deliveredTTL bounds how long delivered query IDs are remembered for
// deduplicating the LISTEN/NOTIFY echo of our own publishes.
const deliveredTTL = 10 * time.Minute

// Listener is the subset of the Postgres layer the bridge needs.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans out terminal lifecycle events to subscribers keyed by
// query ID.
type Broker struct {
	logger *slog.Logger

	mu        sync.Mutex
	subs      map[uuid.UUID]map[chan model.LifecycleEvent]struct{}
	delivered map[uuid.UUID]time.Time
	hooks     []func(model.LifecycleEvent)
}

// NewBroker creates an event broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:    logger,
		subs:      make(map[uuid.UUID]map[chan model.LifecycleEvent]struct{}),
		delivered: make(map[uuid.UUID]time.Time),
	}
}

// Subscribe registers for the terminal event of one query. The returned
// channel receives at most one event and is then closed. Call the cancel
// function when the subscriber goes away early.
//
// If the query's event was already delivered the channel is returned
// closed: there is no replay.
func (b *Broker) Subscribe(queryID uuid.UUID) (<-chan model.LifecycleEvent, func()) {
	ch := make(chan model.LifecycleEvent, subscriberBuffer)

	b.mu.Lock()
	if _, done := b.delivered[queryID]; done {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	set, ok := b.subs[queryID]
	if !ok {
		set = make(map[chan model.LifecycleEvent]struct{})
		b.subs[queryID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		set, ok := b.subs[queryID]
		if !ok {
			return
		}
		if _, present := set[ch]; !present {
			return
		}
		delete(set, ch)
		if len(set) == 0 {
			delete(b.subs, queryID)
		}
		close(ch)
	}
	return ch, cancel
}

// AddHook registers a callback invoked once per delivered event, in its
// own goroutine. Hooks must be registered before Publish is first called.
func (b *Broker) AddHook(fn func(model.LifecycleEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Publish delivers a query's terminal event to its subscribers and closes
// their channels. Repeat publishes for the same query are dropped, so the
// LISTEN/NOTIFY echo of a local publish is harmless.
func (b *Broker) Publish(ev model.LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, done := b.delivered[ev.QueryID]; done {
		return
	}
	b.delivered[ev.QueryID] = time.Now()
	b.pruneLocked()

	set := b.subs[ev.QueryID]
	delete(b.subs, ev.QueryID)
	for ch := range set {
		select {
		case ch <- ev:
		default:
			// Buffer full means the subscriber already has an event,
			// which cannot happen with a per-query channel. Guard anyway.
		}
		close(ch)
	}

	for _, fn := range b.hooks {
		go fn(ev)
	}
}

// pruneLocked evicts delivered markers older than the TTL.
func (b *Broker) pruneLocked() {
	cutoff := time.Now().Add(-deliveredTTL)
	for id, at := range b.delivered {
		if at.Before(cutoff) {
			delete(b.delivered, id)
		}
	}
}

// Bridge consumes LISTEN/NOTIFY payloads from other instances and
// republishes them locally. It blocks, so call it in a goroutine; it
// returns when ctx is cancelled.
func (b *Broker) Bridge(ctx context.Context, db Listener, channel string) {
	if err := db.Listen(ctx, channel); err != nil {
		b.logger.Error("notify: listen", "channel", channel, "error", err)
		return
	}
	b.logger.Info("notify: listening for lifecycle events", "channel", channel)

	for {
		_, payload, err := db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("notify: notification error, retrying", "error", err)
			continue
		}

		var ev model.LifecycleEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.logger.Warn("notify: malformed payload", "error", err)
			continue
		}
		b.Publish(ev)
	}
}
