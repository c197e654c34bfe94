package callkit

import (
	"fmt"
	"hash/fnv"

	"github.com/pion/webrtc/v4"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

type negotiationState int

const (
	negNew negotiationState = iota
	negAwaitingOffer
	negOfferSent
	negAnswerSent
	negRemoteSet
)

func (s negotiationState) String() string {
	switch s {
	case negNew:
		return "new"
	case negAwaitingOffer:
		return "awaiting-offer"
	case negOfferSent:
		return "offer-sent"
	case negAnswerSent:
		return "answer-sent"
	case negRemoteSet:
		return "remote-set"
	}
	return "unknown"
}

// Negotiator owns the offer/answer/candidate exchange for one call attempt.
// All methods run on the attempt's dispatch goroutine; there is no internal
// locking and there must be no other caller.
type Negotiator struct {
	logger  shared.LoggerAdapter
	localID string
	peer    Peer

	// send tags and ships an outbound signal; session/adopt read and fix
	// the active call session id (owned by the attempt's deduper).
	send    func(t SignalType, payload SignalPayload)
	session func() string
	adopt   func(id string)

	state     negotiationState
	initiator bool

	// pending buffers candidates that arrived before a remote description
	// existed. Drained in arrival order, exactly once, immediately after
	// the remote description is set.
	pending []webrtc.ICECandidateInit

	// lastOffer is kept verbatim for the reliability resend: an identical
	// payload (same sequence) is a dedup no-op on a receiver that already
	// processed the first copy.
	lastOffer *DescriptionPayload
}

func NewNegotiator(
	localID string,
	peer Peer,
	logger shared.LoggerAdapter,
	send func(t SignalType, payload SignalPayload),
	session func() string,
	adopt func(id string),
) *Negotiator {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Negotiator{
		logger:  logger,
		localID: localID,
		peer:    peer,
		send:    send,
		session: session,
		adopt:   adopt,
	}
}

func (n *Negotiator) State() string { return n.state.String() }

func (n *Negotiator) IsInitiator() bool { return n.initiator }

// StartAsInitiator creates and sends the opening offer. With iceRestart set
// the offer requests fresh ICE credentials (used by the supervisor's retry).
func (n *Negotiator) StartAsInitiator(iceRestart bool) error {
	n.initiator = true
	return n.sendOffer(iceRestart)
}

// StartAsResponder parks the negotiator until an offer arrives. The caller
// arms the fallback-offer timer; see PromoteToInitiator.
func (n *Negotiator) StartAsResponder() {
	n.state = negAwaitingOffer
}

// PromoteToInitiator is the responder's deadlock escape: if both sides
// joined concurrently and nobody offers within the fallback window, the
// responder offers itself. No-op unless still waiting.
func (n *Negotiator) PromoteToInitiator(newSessionID string) error {
	if n.state != negAwaitingOffer {
		return nil
	}
	n.adopt(newSessionID)
	n.initiator = true
	n.logger.Info("no offer received, promoting to initiator", zap.String("session", newSessionID))
	return n.sendOffer(false)
}

// ResendOffer re-sends the last offer verbatim. A receiver that already
// processed it discards the copy via dedup; one that missed the broadcast
// gets a second chance ahead of the durable-log backfill.
func (n *Negotiator) ResendOffer() {
	if n.state != negOfferSent || n.lastOffer == nil {
		return
	}
	n.logger.Debug("resending offer", zap.Uint64("sequence", n.lastOffer.Sequence))
	n.send(SignalTypeOffer, n.lastOffer)
}

func (n *Negotiator) sendOffer(iceRestart bool) error {
	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := n.peer.CreateOffer(options)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	if err := n.peer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	payload := &DescriptionPayload{Desc: offer, SessionID: n.session()}
	n.send(SignalTypeOffer, payload)
	n.lastOffer = payload
	n.state = negOfferSent
	return nil
}

// HandleSignal dispatches one deduplicated inbound signal. Application
// payloads never reach here; the attempt routes them straight to the
// owning callbacks.
func (n *Negotiator) HandleSignal(sig *Signal) error {
	switch sig.Type {
	case SignalTypeOffer:
		return n.handleOffer(sig)
	case SignalTypeAnswer:
		return n.handleAnswer(sig)
	case SignalTypeCandidate:
		return n.handleCandidate(sig)
	}
	return fmt.Errorf("unexpected signal type %s in negotiator", sig.Type)
}

func (n *Negotiator) handleOffer(sig *Signal) error {
	payload, ok := sig.Payload.(*DescriptionPayload)
	if !ok {
		return fmt.Errorf("offer signal carries %T payload", sig.Payload)
	}

	if n.state == negOfferSent || n.state == negAnswerSent || n.state == negRemoteSet {
		// Glare: both sides offered. Roles are a pure function of the two
		// participant ids, so each side independently computes the same
		// complementary outcome without extra round-trips.
		if !politeRole(n.localID, sig.SenderID) {
			n.logger.Debug(
				"ignoring colliding offer (impolite role)",
				zap.String("from", sig.SenderID),
			)
			return nil
		}
		n.logger.Info(
			"rolling back local offer (polite role)",
			zap.String("from", sig.SenderID),
		)
		if err := n.peer.Rollback(); err != nil {
			return fmt.Errorf("rolling back local offer: %w", err)
		}
		n.state = negNew
		n.lastOffer = nil
		n.initiator = false
		// The winning offer's session supersedes ours; stale signals from
		// our abandoned offer are filtered out from here on.
		n.adopt(payload.SessionID)
	}

	if err := n.peer.SetRemoteDescription(payload.Desc); err != nil {
		return fmt.Errorf("setting remote offer: %w", err)
	}
	if err := n.drainPending(); err != nil {
		return err
	}
	answer, err := n.peer.CreateAnswer()
	if err != nil {
		return fmt.Errorf("creating answer: %w", err)
	}
	if err := n.peer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("setting local answer: %w", err)
	}
	n.send(SignalTypeAnswer, &DescriptionPayload{Desc: answer, SessionID: n.session()})
	n.state = negAnswerSent
	return nil
}

func (n *Negotiator) handleAnswer(sig *Signal) error {
	payload, ok := sig.Payload.(*DescriptionPayload)
	if !ok {
		return fmt.Errorf("answer signal carries %T payload", sig.Payload)
	}
	if n.state != negOfferSent {
		// Out-of-order or duplicate answer; the offer/answer sequencing
		// guard, not an error.
		n.logger.Debug(
			"ignoring answer in state",
			zap.String("state", n.state.String()),
			zap.String("from", sig.SenderID),
		)
		return nil
	}
	if err := n.peer.SetRemoteDescription(payload.Desc); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	if err := n.drainPending(); err != nil {
		return err
	}
	n.state = negRemoteSet
	return nil
}

func (n *Negotiator) handleCandidate(sig *Signal) error {
	payload, ok := sig.Payload.(*CandidatePayload)
	if !ok {
		return fmt.Errorf("candidate signal carries %T payload", sig.Payload)
	}
	if n.peer.RemoteDescription() == nil {
		// Candidates routinely race ahead of the offer/answer that makes
		// them applicable.
		n.pending = append(n.pending, payload.Candidate)
		return nil
	}
	if err := n.peer.AddICECandidate(payload.Candidate); err != nil {
		return fmt.Errorf("adding ICE candidate: %w", err)
	}
	return nil
}

// SendLocalCandidate ships a locally gathered candidate to the remote side.
func (n *Negotiator) SendLocalCandidate(candidate webrtc.ICECandidateInit) {
	n.send(SignalTypeCandidate, &CandidatePayload{
		Candidate: candidate,
		SessionID: n.session(),
	})
}

func (n *Negotiator) drainPending() error {
	for _, candidate := range n.pending {
		if err := n.peer.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("applying buffered ICE candidate: %w", err)
		}
	}
	n.pending = nil
	return nil
}

// politeRole reports whether the local side yields during glare. Computed
// from both participant ids so the two sides always land on complementary
// roles: the smaller FNV-1a hash is polite, ids break the tie.
func politeRole(localID, remoteID string) bool {
	lh, rh := idHash(localID), idHash(remoteID)
	if lh != rh {
		return lh < rh
	}
	return localID < remoteID
}

func idHash(id string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id))
	return h.Sum32()
}
