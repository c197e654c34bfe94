package callkit

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

// Peer abstracts the external peer-connection resource. Exactly one Peer
// exists per call attempt and only the negotiator mutates it. Lifecycle
// events are not exposed as callbacks; the adapter converts them into
// PeerEvents on the attempt's dispatch channel so the negotiation state
// machine stays auditable in one place.
type Peer interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error
	RemoteDescription() *webrtc.SessionDescription
	Close() error
}

type PeerEventKind int

const (
	PeerEventCandidate PeerEventKind = iota
	PeerEventConnectionState
	PeerEventICEState
	PeerEventTrack
)

type PeerEvent struct {
	Kind            PeerEventKind
	Candidate       *webrtc.ICECandidateInit
	ConnectionState webrtc.PeerConnectionState
	ICEState        webrtc.ICEConnectionState
	Track           *webrtc.TrackRemote
}

// PeerFactory creates one peer connection per call attempt, delivering its
// lifecycle events to the given sink. The supervisor calls it again on
// every retry so a failed attempt's connection is never reused.
type PeerFactory func(events chan<- PeerEvent) (Peer, error)

// NewPionPeerFactory builds Peers backed by pion's webrtc implementation.
func NewPionPeerFactory(config webrtc.Configuration, logger shared.LoggerAdapter) PeerFactory {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return func(events chan<- PeerEvent) (Peer, error) {
		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("creating peer connection: %w", err)
		}
		p := &pionPeer{pc: pc, events: events, logger: logger}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return // end of gathering
			}
			init := c.ToJSON()
			p.emit(PeerEvent{Kind: PeerEventCandidate, Candidate: &init})
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			p.emit(PeerEvent{Kind: PeerEventConnectionState, ConnectionState: state})
		})
		pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
			p.emit(PeerEvent{Kind: PeerEventICEState, ICEState: state})
		})
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			p.emit(PeerEvent{Kind: PeerEventTrack, Track: track})
		})
		return p, nil
	}
}

type pionPeer struct {
	pc     *webrtc.PeerConnection
	events chan<- PeerEvent
	logger shared.LoggerAdapter
}

var _ Peer = (*pionPeer)(nil)

// emit never blocks a pion callback goroutine. A full dispatch channel
// means the attempt is being torn down; dropping the event is harmless.
func (p *pionPeer) emit(ev PeerEvent) {
	select {
	case p.events <- ev:
	default:
		p.logger.Debug("dropping peer event", zap.Int("kind", int(ev.Kind)))
	}
}

func (p *pionPeer) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

// Rollback abandons the pending local offer, driving the connection back to
// the stable signaling state. pion backfills an empty SDP only for
// offer/answer/pranswer and rejects a bare rollback, so the current local
// description is supplied; its content is ignored during the rollback.
func (p *pionPeer) Rollback() error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
	if current := p.pc.LocalDescription(); current != nil {
		desc.SDP = current.SDP
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeer) AddTrack(track webrtc.TrackLocal) error {
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("adding track: %w", err)
	}
	return nil
}

func (p *pionPeer) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
