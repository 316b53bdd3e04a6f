// Package eventbus fans out invoice lifecycle transitions to subscribers,
// either for a single payment hash or, via the wildcard tier, for every
// invoice at once. It has two properties a plain broadcast channel doesn't
// give you: replay of the latest event (per hash, or per invoice for a
// wildcard subscriber) to a subscriber that joins after the transition
// already happened, and a bounded per-subscriber buffer that drops to the
// newest event under overflow instead of disconnecting the subscriber — a
// hold invoice subscriber cares only about the current state, so staying
// connected with a fresher event is preferable to being dropped.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/holdinvoice/hold/holdtypes"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Event describes a single invoice state transition.
type Event struct {
	PaymentHash lntypes.Hash
	State       holdtypes.InvoiceState
	Preimage    *lntypes.Preimage
	OccurredAt  time.Time
}

// DefaultBufferSize is the per-subscriber channel depth used when Subscribe
// is called without an explicit size. Four slots hold a short run of
// consecutive transitions (e.g. Accepted then Paid) for a subscriber that
// reads them afterwards; beyond that, the oldest buffered event is dropped
// in favour of the newest.
const DefaultBufferSize = 4

type subscriber struct {
	id     uint64
	hash   lntypes.Hash
	ch     chan Event
	closed bool
}

// Bus is an in-process publish/subscribe fan-out keyed by payment hash,
// plus a separate wildcard tier for subscribers that want every invoice's
// transitions (the boundary's track-all).
type Bus struct {
	mu sync.Mutex

	subs      map[lntypes.Hash]map[uint64]*subscriber
	wildcards map[uint64]*subscriber
	latest    map[lntypes.Hash]Event

	nextID uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs:      make(map[lntypes.Hash]map[uint64]*subscriber),
		wildcards: make(map[uint64]*subscriber),
		latest:    make(map[lntypes.Hash]Event),
	}
}

// Subscribe registers interest in hash's transitions. If a transition was
// already published for hash, it is replayed immediately into the returned
// channel so a late subscriber never has to guess the current state. The
// returned cancel function unregisters the subscriber; it is safe to call
// more than once.
func (b *Bus) Subscribe(hash lntypes.Hash) (<-chan Event, func()) {
	return b.SubscribeBuffered(hash, DefaultBufferSize)
}

// SubscribeBuffered is Subscribe with an explicit channel depth.
func (b *Bus) SubscribeBuffered(hash lntypes.Hash, bufferSize int) (<-chan Event, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}

	id := atomic.AddUint64(&b.nextID, 1)

	sub := &subscriber{
		id:   id,
		hash: hash,
		ch:   make(chan Event, bufferSize),
	}

	b.mu.Lock()
	if b.subs[hash] == nil {
		b.subs[hash] = make(map[uint64]*subscriber)
	}
	b.subs[hash][id] = sub

	if ev, ok := b.latest[hash]; ok {
		sub.ch <- ev
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs, ok := b.subs[hash]
		if !ok {
			return
		}

		if s, ok := subs[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(subs, id)
		}

		if len(subs) == 0 {
			delete(b.subs, hash)
		}
	}

	return sub.ch, cancel
}

// SubscribeAll registers interest in every invoice's transitions — the
// "track-all" case. The returned channel is seeded with the latest known
// event for every invoice at subscribe time, then receives every
// subsequent Publish regardless of payment hash.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.SubscribeAllBuffered(DefaultBufferSize)
}

// SubscribeAllBuffered is SubscribeAll with an explicit channel depth.
func (b *Bus) SubscribeAllBuffered(bufferSize int) (<-chan Event, func()) {
	if bufferSize < 1 {
		bufferSize = 1
	}

	id := atomic.AddUint64(&b.nextID, 1)

	sub := &subscriber{
		id: id,
		ch: make(chan Event, bufferSize),
	}

	b.mu.Lock()
	b.wildcards[id] = sub
	for _, ev := range b.latest {
		deliver(sub, ev)
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if s, ok := b.wildcards[id]; ok && !s.closed {
			s.closed = true
			close(s.ch)
			delete(b.wildcards, id)
		}
	}

	return sub.ch, cancel
}

// Publish records ev as the latest event for its payment hash and delivers
// it to every current subscriber of that hash plus every wildcard
// subscriber. Delivery never blocks: a subscriber whose buffer is full has
// its oldest buffered event evicted to make room for ev, so it always
// observes the most recent state rather than stalling the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.latest[ev.PaymentHash] = ev

	for _, sub := range b.subs[ev.PaymentHash] {
		deliver(sub, ev)
	}
	for _, sub := range b.wildcards {
		deliver(sub, ev)
	}
}

// deliver sends ev to sub's channel, evicting the oldest buffered event to
// make room if the channel is full rather than blocking the publisher.
func deliver(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		select {
		case <-sub.ch:
		default:
		}

		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are currently registered
// for hash, for tests and diagnostics.
func (b *Bus) SubscriberCount(hash lntypes.Hash) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subs[hash])
}

// WildcardSubscriberCount reports how many track-all subscribers are
// currently registered, for tests and diagnostics.
func (b *Bus) WildcardSubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.wildcards)
}
