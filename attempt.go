package callkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

// attemptCallbacks is how one attempt reports upward. All callbacks fire
// on the attempt's dispatch goroutine.
type attemptCallbacks struct {
	onConnected    func()
	onDisconnected func()
	onFailed       func(reason string)
	onTrack        func(track *webrtc.TrackRemote)
	onGesture      func(senderID string, payload *GesturePayload)
	onText         func(senderID string, payload *TextPayload)
}

// CallAttempt bundles every piece of mutable per-attempt state: the peer
// connection, the sequence counter, the dedup set, the candidate queue and
// the transport subscription. The supervisor never mutates an attempt after
// a failure; it discards the whole thing and builds a fresh one, which is
// what makes session scoping structural.
type CallAttempt struct {
	logger  shared.LoggerAdapter
	cfg     Config
	roomID  string
	localID string

	transport  Transport
	sequencer  *Sequencer
	deduper    *Deduper
	peer       Peer
	negotiator *Negotiator

	events  chan PeerEvent
	inbound chan *Signal
	done    chan struct{}
	cb      attemptCallbacks

	unsubscribe func()
	closed      bool
}

const attemptQueueSize = 64

func newCallAttempt(
	cfg Config,
	logger shared.LoggerAdapter,
	transport Transport,
	peerFactory PeerFactory,
	roomID, localID string,
	media []LocalTrack,
	cb attemptCallbacks,
) (*CallAttempt, error) {
	a := &CallAttempt{
		logger:    logger,
		cfg:       cfg,
		roomID:    roomID,
		localID:   localID,
		transport: transport,
		sequencer: &Sequencer{},
		deduper:   NewDeduper(localID, logger),
		events:    make(chan PeerEvent, attemptQueueSize),
		inbound:   make(chan *Signal, attemptQueueSize),
		done:      make(chan struct{}),
		cb:        cb,
	}

	peer, err := peerFactory(a.events)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	a.peer = peer

	for _, track := range media {
		if err := peer.AddTrack(track); err != nil {
			peer.Close()
			return nil, fmt.Errorf("attaching local track %s: %w", track.ID(), err)
		}
	}

	a.negotiator = NewNegotiator(localID, peer, logger, a.sendTagged, a.deduper.Session, a.deduper.SetSession)

	unsubscribe, err := transport.Subscribe(context.Background(), roomID, a.deliver)
	if err != nil {
		peer.Close()
		return nil, fmt.Errorf("subscribing to room %s: %w", roomID, err)
	}
	a.unsubscribe = unsubscribe
	return a, nil
}

// startInitiator opens the attempt as the offering side under a freshly
// generated call session id.
func (a *CallAttempt) startInitiator(iceRestart bool) error {
	a.deduper.SetSession(uuid.NewString())
	if err := a.negotiator.StartAsInitiator(iceRestart); err != nil {
		return err
	}
	go a.run()
	go a.backfill()
	return nil
}

// startResponder opens the attempt waiting for the remote offer. The
// session id is adopted from the first offer, or generated locally if the
// fallback timer promotes us.
func (a *CallAttempt) startResponder() {
	a.negotiator.StartAsResponder()
	go a.run()
	go a.backfill()
}

// deliver runs on the transport's delivery goroutine. Everything the
// deduplicator admits is queued for the dispatch loop.
func (a *CallAttempt) deliver(sig *Signal) {
	if !a.deduper.Admit(sig) {
		return
	}
	select {
	case a.inbound <- sig:
	case <-a.done:
	default:
		a.logger.Warn(
			"inbound signal queue full, dropping",
			zap.String("type", string(sig.Type)),
			zap.String("from", sig.SenderID),
		)
	}
}

func (a *CallAttempt) backfill() {
	ctx, cancel := context.WithTimeout(context.Background(), durableAppendTimeout)
	defer cancel()
	signals, err := a.transport.Backfill(ctx, a.roomID, time.Now().Add(-a.cfg.BackfillWindow))
	if err != nil {
		a.logger.Warn("backfill failed", zap.String("room", a.roomID), zap.Error(err))
		return
	}
	for _, sig := range signals {
		a.deliver(sig)
	}
}

// run is the single dispatch loop: inbound signals, peer lifecycle events
// and the three attempt timers all funnel through here, so the negotiator
// never sees concurrent calls.
func (a *CallAttempt) run() {
	watchdog := time.NewTimer(a.cfg.ConnectTimeout)
	fallback := time.NewTimer(a.cfg.FallbackOfferDelay)
	resend := time.NewTimer(a.cfg.OfferResendDelay)
	defer watchdog.Stop()
	defer fallback.Stop()
	defer resend.Stop()

	for {
		select {
		case <-a.done:
			return

		case sig := <-a.inbound:
			a.dispatchSignal(sig)

		case ev := <-a.events:
			a.dispatchPeerEvent(ev, watchdog)

		case <-fallback.C:
			// No-op unless we are still a responder with no offer seen.
			if err := a.negotiator.PromoteToInitiator(uuid.NewString()); err != nil {
				a.logger.Error("fallback offer failed", err)
				a.cb.onFailed("fallback offer failed")
			}

		case <-resend.C:
			a.negotiator.ResendOffer()

		case <-watchdog.C:
			a.cb.onFailed("connect timeout")
		}
	}
}

func (a *CallAttempt) dispatchSignal(sig *Signal) {
	switch sig.Type {
	case SignalTypeGesture:
		if payload, ok := sig.Payload.(*GesturePayload); ok && a.cb.onGesture != nil {
			a.cb.onGesture(sig.SenderID, payload)
		}
	case SignalTypeText:
		if payload, ok := sig.Payload.(*TextPayload); ok && a.cb.onText != nil {
			a.cb.onText(sig.SenderID, payload)
		}
	default:
		if err := a.negotiator.HandleSignal(sig); err != nil {
			a.logger.Error(
				"negotiation failed",
				err,
				zap.String("type", string(sig.Type)),
				zap.String("state", a.negotiator.State()),
			)
			a.cb.onFailed("negotiation failed")
		}
	}
}

func (a *CallAttempt) dispatchPeerEvent(ev PeerEvent, watchdog *time.Timer) {
	switch ev.Kind {
	case PeerEventCandidate:
		a.negotiator.SendLocalCandidate(*ev.Candidate)

	case PeerEventConnectionState:
		a.logger.Debug("peer connection state", zap.String("state", ev.ConnectionState.String()))
		switch ev.ConnectionState {
		case webrtc.PeerConnectionStateConnected:
			watchdog.Stop()
			a.cb.onConnected()
		case webrtc.PeerConnectionStateDisconnected:
			// Transient; blips often self-heal. The watchdog or a failed
			// state escalates if it does not.
			a.cb.onDisconnected()
		case webrtc.PeerConnectionStateFailed:
			a.cb.onFailed("peer connection failed")
		}

	case PeerEventICEState:
		a.logger.Debug("ICE connection state", zap.String("state", ev.ICEState.String()))
		switch ev.ICEState {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			watchdog.Stop()
			a.cb.onConnected()
		case webrtc.ICEConnectionStateDisconnected:
			a.cb.onDisconnected()
		case webrtc.ICEConnectionStateFailed:
			a.cb.onFailed("ICE connection failed")
		}

	case PeerEventTrack:
		if a.cb.onTrack != nil {
			a.cb.onTrack(ev.Track)
		}
	}
}

// sendTagged stamps sequence, session and sender onto an outbound payload
// and ships it. A payload that already carries a sequence is a verbatim
// resend and keeps it, so receivers can deduplicate the copy.
func (a *CallAttempt) sendTagged(t SignalType, payload SignalPayload) {
	switch p := payload.(type) {
	case *DescriptionPayload:
		if p.Sequence == 0 {
			p.Sequence = a.sequencer.Next()
		}
	case *CandidatePayload:
		if p.Sequence == 0 {
			p.Sequence = a.sequencer.Next()
		}
	case *GesturePayload:
		if p.Sequence == 0 {
			p.Sequence = a.sequencer.Next()
		}
	case *TextPayload:
		if p.Sequence == 0 {
			p.Sequence = a.sequencer.Next()
		}
	}

	sig := &Signal{
		SenderID:  a.localID,
		Type:      t,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), durableAppendTimeout)
	defer cancel()
	if err := a.transport.Send(ctx, a.roomID, sig); err != nil {
		if errors.Is(err, shared.ErrRateLimited) {
			// Dropped by design; handshake messages are re-sent and the
			// durable log backfills the rest.
			a.logger.Warn("signal dropped by rate limiter", zap.String("type", string(t)))
			return
		}
		a.logger.Error("sending signal failed", err, zap.String("type", string(t)))
	}
}

// close tears the attempt down: subscription gone, peer closed, per-attempt
// state cleared. Idempotent; called from the supervisor with its lock held.
func (a *CallAttempt) close() {
	if a.closed {
		return
	}
	a.closed = true
	close(a.done)
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	if err := a.peer.Close(); err != nil {
		a.logger.Error("closing peer connection failed", err)
	}
	a.deduper.Reset()
}
