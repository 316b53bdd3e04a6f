package handler

import (
	"sync"
	"sync/atomic"
)

// HeightTracker publishes the host's current block height observation to
// every htlc handler task watching for CLTV proximity, fanning out the
// same way eventbus.Bus does for invoice state but keyed by nothing more
// than "the current height" since there is only ever one chain tip.
type HeightTracker struct {
	height int64 // atomic

	mu     sync.Mutex
	subs   map[uint64]chan uint32
	nextID uint64
}

// NewHeightTracker returns a tracker seeded with initial.
func NewHeightTracker(initial uint32) *HeightTracker {
	h := &HeightTracker{
		subs: make(map[uint64]chan uint32),
	}
	atomic.StoreInt64(&h.height, int64(initial))

	return h
}

// Current returns the most recently observed height.
func (h *HeightTracker) Current() uint32 {
	return uint32(atomic.LoadInt64(&h.height))
}

// Update records a new height observation from the host and wakes every
// subscriber. A subscriber that is not currently receiving misses the
// update but will see the latest height on its next call to Current, so
// delivery is best-effort by design: the watcher loop re-checks Current()
// whenever it wakes rather than trusting the channel payload alone.
func (h *HeightTracker) Update(height uint32) {
	atomic.StoreInt64(&h.height, int64(height))

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- height:
		default:
		}
	}
}

// Subscribe returns a channel that receives a best-effort notification on
// every height change, plus a cancel function to unregister.
func (h *HeightTracker) Subscribe() (<-chan uint32, func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	ch := make(chan uint32, 1)
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}
