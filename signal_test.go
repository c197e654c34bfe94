package callkit

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalOfferRoundTrip(t *testing.T) {
	in := &Signal{
		SenderID: "alice",
		Type:     SignalTypeOffer,
		Payload: &DescriptionPayload{
			Desc:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
			Sequence:  42,
			SessionID: "s1",
		},
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	blob, err := in.MarshalJSON()
	require.NoError(t, err)

	out := new(Signal)
	require.NoError(t, out.UnmarshalJSON(blob))

	assert.Equal(t, "alice", out.SenderID)
	assert.Equal(t, SignalTypeOffer, out.Type)
	assert.Equal(t, in.CreatedAt, out.CreatedAt)
	payload, ok := out.Payload.(*DescriptionPayload)
	require.True(t, ok)
	assert.Equal(t, webrtc.SDPTypeOffer, payload.Desc.Type)
	assert.Equal(t, "v=0\r\n", payload.Desc.SDP)
	assert.Equal(t, uint64(42), payload.Sequence)
	assert.Equal(t, "s1", payload.SessionID)
	assert.Equal(t, in.DedupKey(), out.DedupKey())
}

func TestSignalGestureHindiCaptionOptional(t *testing.T) {
	in := &Signal{
		SenderID: "bob",
		Type:     SignalTypeGesture,
		Payload: &GesturePayload{
			Gesture:    "namaste",
			Text:       "Hello",
			HindiText:  "नमस्ते",
			Confidence: 0.87,
			Timestamp:  1750000000000,
			Sequence:   3,
		},
		CreatedAt: time.Now(),
	}
	blob, err := in.MarshalJSON()
	require.NoError(t, err)

	out := new(Signal)
	require.NoError(t, out.UnmarshalJSON(blob))
	payload := out.Payload.(*GesturePayload)
	assert.Equal(t, "नमस्ते", payload.HindiText)
	assert.InDelta(t, 0.87, payload.Confidence, 1e-9)

	// Without the caption the field is simply absent.
	in.Payload.(*GesturePayload).HindiText = ""
	blob, err = in.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hindiText")
	out = new(Signal)
	require.NoError(t, out.UnmarshalJSON(blob))
	assert.Empty(t, out.Payload.(*GesturePayload).HindiText)
}

func TestSignalUnmarshalRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{name: "unknown type", blob: `{"sender_id":"a","signal_type":"bogus","signal_data":{}}`},
		{name: "missing sender", blob: `{"signal_type":"offer","signal_data":{}}`},
		{name: "missing data", blob: `{"sender_id":"a","signal_type":"offer"}`},
		{name: "offer without sdp", blob: `{"sender_id":"a","signal_type":"offer","signal_data":{"type":"offer","sequence":1,"call_session_id":"s"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := new(Signal)
			assert.Error(t, sig.UnmarshalJSON([]byte(tt.blob)))
		})
	}
}

func TestDedupKeyDistinguishesSessions(t *testing.T) {
	a := offerSignal("alice", "s1", 1)
	b := offerSignal("alice", "s2", 1)
	assert.NotEqual(t, a.DedupKey(), b.DedupKey())
}
