package callkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
	SignalTypeGesture   SignalType = "gesture"
	SignalTypeText      SignalType = "text"
)

// IsHandshake reports whether the type takes part in session negotiation.
// Gesture and text are application payloads riding the same channel.
func (t SignalType) IsHandshake() bool {
	return t == SignalTypeOffer || t == SignalTypeAnswer || t == SignalTypeCandidate
}

// Signal is one unit of signaling traffic. Signals are immutable once
// created; the dedup identity is (sender, type, session id, sequence).
type Signal struct {
	SenderID  string
	Type      SignalType
	Payload   SignalPayload
	CreatedAt time.Time
}

type SignalPayload interface {
	New(map[string]any) error
	Json() map[string]any
}

// DedupKey returns the uniqueness key used by the inbound deduplicator.
func (s *Signal) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", s.SenderID, s.Type, s.SessionID(), s.Sequence())
}

// SessionID returns the call session id the signal belongs to, or "" for
// payloads that do not carry one.
func (s *Signal) SessionID() string {
	switch p := s.Payload.(type) {
	case *DescriptionPayload:
		return p.SessionID
	case *CandidatePayload:
		return p.SessionID
	}
	return ""
}

// Sequence returns the per-sender send counter attached by the sequencer.
func (s *Signal) Sequence() uint64 {
	switch p := s.Payload.(type) {
	case *DescriptionPayload:
		return p.Sequence
	case *CandidatePayload:
		return p.Sequence
	case *GesturePayload:
		return p.Sequence
	case *TextPayload:
		return p.Sequence
	}
	return 0
}

func (s *Signal) MarshalJSON() ([]byte, error) {
	if s.SenderID == "" {
		return nil, errors.New("SenderID is empty")
	}
	if s.Type == "" {
		return nil, errors.New("Type is empty")
	}
	if s.Payload == nil {
		return nil, errors.New("Payload is nil")
	}
	return sonic.Marshal(map[string]any{
		"sender_id":   s.SenderID,
		"signal_type": s.Type,
		"signal_data": s.Payload.Json(),
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Signal) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["sender_id"].(string); ok {
		s.SenderID = v
	} else {
		return errors.New("missing sender_id")
	}
	if v, ok := raw["signal_type"].(string); ok {
		s.Type = SignalType(v)
	} else {
		return errors.New("missing signal_type")
	}
	if v, ok := raw["created_at"].(string); ok {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("parsing created_at: %w", err)
		}
		s.CreatedAt = ts
	}
	payload, ok := raw["signal_data"].(map[string]any)
	if !ok {
		return errors.New("missing signal_data")
	}
	switch s.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		s.Payload = new(DescriptionPayload)
	case SignalTypeCandidate:
		s.Payload = new(CandidatePayload)
	case SignalTypeGesture:
		s.Payload = new(GesturePayload)
	case SignalTypeText:
		s.Payload = new(TextPayload)
	default:
		return fmt.Errorf("unknown signal type: %s", s.Type)
	}
	return s.Payload.New(payload)
}

// DescriptionPayload carries an SDP offer or answer.
type DescriptionPayload struct {
	Desc      webrtc.SessionDescription
	Sequence  uint64
	SessionID string
}

func (p *DescriptionPayload) New(m map[string]any) error {
	sdpType, ok := m["type"].(string)
	if !ok {
		return errors.New("missing type")
	}
	p.Desc.Type = webrtc.NewSDPType(sdpType)
	if v, ok := m["sdp"].(string); ok {
		p.Desc.SDP = v
	} else {
		return errors.New("missing sdp")
	}
	if v, ok := asUint64(m["sequence"]); ok {
		p.Sequence = v
	} else {
		return errors.New("missing sequence")
	}
	if v, ok := m["call_session_id"].(string); ok {
		p.SessionID = v
	} else {
		return errors.New("missing call_session_id")
	}
	return nil
}

func (p *DescriptionPayload) Json() map[string]any {
	return map[string]any{
		"type":            p.Desc.Type.String(),
		"sdp":             p.Desc.SDP,
		"sequence":        p.Sequence,
		"call_session_id": p.SessionID,
	}
}

// CandidatePayload carries one ICE candidate. The candidate descriptor is
// opaque to the signaling layer and handed to the peer connection verbatim.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit
	Sequence  uint64
	SessionID string
}

func (p *CandidatePayload) New(m map[string]any) error {
	cand, ok := m["candidate"]
	if !ok {
		return errors.New("missing candidate")
	}
	blob, err := sonic.Marshal(cand)
	if err != nil {
		return fmt.Errorf("re-encoding candidate: %w", err)
	}
	if err := sonic.Unmarshal(blob, &p.Candidate); err != nil {
		return fmt.Errorf("decoding candidate: %w", err)
	}
	if v, ok := asUint64(m["sequence"]); ok {
		p.Sequence = v
	} else {
		return errors.New("missing sequence")
	}
	if v, ok := m["call_session_id"].(string); ok {
		p.SessionID = v
	} else {
		return errors.New("missing call_session_id")
	}
	return nil
}

func (p *CandidatePayload) Json() map[string]any {
	return map[string]any{
		"candidate":       p.Candidate,
		"sequence":        p.Sequence,
		"call_session_id": p.SessionID,
	}
}

// GesturePayload is a recognized sign forwarded to the remote side together
// with its rendered captions.
type GesturePayload struct {
	Gesture    string
	Text       string
	HindiText  string
	Confidence float64
	Timestamp  int64
	Sequence   uint64
}

func (p *GesturePayload) New(m map[string]any) error {
	if v, ok := m["gesture"].(string); ok {
		p.Gesture = v
	} else {
		return errors.New("missing gesture")
	}
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	if v, ok := m["hindiText"].(string); ok {
		p.HindiText = v
	}
	if v, ok := asFloat64(m["confidence"]); ok {
		p.Confidence = v
	} else {
		return errors.New("missing confidence")
	}
	if v, ok := asUint64(m["timestamp"]); ok {
		p.Timestamp = int64(v)
	} else {
		return errors.New("missing timestamp")
	}
	if v, ok := asUint64(m["sequence"]); ok {
		p.Sequence = v
	}
	return nil
}

func (p *GesturePayload) Json() map[string]any {
	resp := map[string]any{
		"gesture":    p.Gesture,
		"text":       p.Text,
		"confidence": p.Confidence,
		"timestamp":  p.Timestamp,
		"sequence":   p.Sequence,
	}
	if p.HindiText != "" {
		resp["hindiText"] = p.HindiText
	}
	return resp
}

// TextPayload is a free-form chat message.
type TextPayload struct {
	Text     string
	Sequence uint64
}

func (p *TextPayload) New(m map[string]any) error {
	if v, ok := m["text"].(string); ok {
		p.Text = v
	} else {
		return errors.New("missing text")
	}
	if v, ok := asUint64(m["sequence"]); ok {
		p.Sequence = v
	}
	return nil
}

func (p *TextPayload) Json() map[string]any {
	return map[string]any{
		"text":     p.Text,
		"sequence": p.Sequence,
	}
}

// Helpers for number conversions
func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case float32:
		return uint64(n), true
	case float64:
		return uint64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return uint64(i), true
		}
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f, true
		}
	}
	return 0, false
}
