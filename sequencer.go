package callkit

import (
	"sync"
	"sync/atomic"

	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

// Sequencer hands out the per-sender monotonically increasing sequence
// numbers attached to every outbound signal.
type Sequencer struct {
	counter atomic.Uint64
}

func (s *Sequencer) Next() uint64 {
	return s.counter.Add(1)
}

// Deduper is the inbound filter chain: self-echo suppression, call-session
// scoping, session adoption from the first offer, and duplicate suppression
// keyed on (sender, type, session, sequence). The same message routinely
// arrives via both transport paths; exactly one copy survives this layer.
type Deduper struct {
	logger  shared.LoggerAdapter
	localID string

	mu        sync.Mutex
	sessionID string
	processed map[string]struct{}
}

func NewDeduper(localID string, logger shared.LoggerAdapter) *Deduper {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Deduper{
		logger:    logger,
		localID:   localID,
		processed: make(map[string]struct{}),
	}
}

// SetSession fixes the active call session id. Handshake signals carrying a
// different id are discarded as stale from this point on.
func (d *Deduper) SetSession(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionID = id
}

func (d *Deduper) Session() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

// Admit decides whether an inbound signal reaches the negotiator. Stale and
// duplicate signals are dropped silently; they are protocol noise, not errors.
func (d *Deduper) Admit(sig *Signal) bool {
	if sig.SenderID == d.localID {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sig.Type.IsHandshake() {
		incoming := sig.SessionID()
		switch {
		case d.sessionID == "" && sig.Type == SignalTypeOffer && incoming != "":
			// First offer fixes the session for a responder.
			d.sessionID = incoming
			d.logger.Debug("adopted call session", zap.String("session", incoming))
		case d.sessionID != "" && incoming != d.sessionID:
			// Offers from a different session pass through: under glare the
			// polite side must see the colliding offer to yield to it. Every
			// other handshake type from a foreign session is stale noise.
			if sig.Type != SignalTypeOffer {
				d.logger.Debug(
					"discarding stale signal",
					zap.String("type", string(sig.Type)),
					zap.String("session", incoming),
					zap.String("active", d.sessionID),
				)
				return false
			}
		}
	}

	key := sig.DedupKey()
	if _, seen := d.processed[key]; seen {
		return false
	}
	d.processed[key] = struct{}{}
	return true
}

// Reset clears the processed set and the fixed session id. Called on end
// call; a new attempt starts with a clean slate.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionID = ""
	d.processed = make(map[string]struct{})
}
