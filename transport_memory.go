package callkit

import (
	"context"
	"sync"
	"time"

	"github.com/sign-bridge/callkit/shared"
)

// MemoryHub is an in-process Transport for tests and same-process demos.
// Every send is delivered synchronously to all subscribers in the room
// (including the sender, which exercises the self-echo filter) and appended
// to an in-memory log for backfill. With DuplicateDelivery enabled each
// subscriber sees every signal twice, mimicking the dual-path overlap the
// deduplicator has to absorb.
type MemoryHub struct {
	limiter *RateLimiter

	mu     sync.Mutex
	subs   map[string][]*memorySub
	log    map[string][]loggedSignal
	closed bool

	// DuplicateDelivery makes every send arrive twice per subscriber.
	DuplicateDelivery bool
}

var _ Transport = (*MemoryHub)(nil)

type memorySub struct {
	handler SignalHandler
}

type loggedSignal struct {
	at  time.Time
	sig *Signal
}

func NewMemoryHub(limiter *RateLimiter) *MemoryHub {
	if limiter == nil {
		limiter = NewRateLimiter(time.Second, 1000)
	}
	return &MemoryHub{
		limiter: limiter,
		subs:    make(map[string][]*memorySub),
		log:     make(map[string][]loggedSignal),
	}
}

func (h *MemoryHub) Send(_ context.Context, roomID string, sig *Signal) error {
	if !h.limiter.CanProceed() {
		return shared.ErrRateLimited
	}
	h.limiter.Record()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return shared.ErrTransportClosed
	}
	h.log[roomID] = append(h.log[roomID], loggedSignal{at: time.Now(), sig: sig})
	subs := make([]*memorySub, len(h.subs[roomID]))
	copy(subs, h.subs[roomID])
	duplicate := h.DuplicateDelivery
	h.mu.Unlock()

	for _, sub := range subs {
		sub.handler(sig)
		if duplicate {
			sub.handler(sig)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(_ context.Context, roomID string, handler SignalHandler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, shared.ErrTransportClosed
	}
	sub := &memorySub{handler: handler}
	h.subs[roomID] = append(h.subs[roomID], sub)

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		remaining := h.subs[roomID][:0]
		for _, s := range h.subs[roomID] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		h.subs[roomID] = remaining
	}, nil
}

func (h *MemoryHub) Backfill(_ context.Context, roomID string, since time.Time) ([]*Signal, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Signal
	for _, entry := range h.log[roomID] {
		if entry.at.After(since) {
			out = append(out, entry.sig)
		}
	}
	return out, nil
}

// SubscriberCount reports active subscriptions for the room. Tests use it
// to verify teardown.
func (h *MemoryHub) SubscriberCount(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[roomID])
}

func (h *MemoryHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.subs = make(map[string][]*memorySub)
	return nil
}
