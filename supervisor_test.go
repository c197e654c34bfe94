package callkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sign-bridge/callkit/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	mu     sync.Mutex
	id     string
	closed bool
}

var _ LocalTrack = (*fakeTrack)(nil)

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "fake-stream" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeVideo }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// peerRig hands out fakePeers and remembers every one it created, in order.
type peerRig struct {
	mu                sync.Mutex
	announceConnected bool
	peers             []*fakePeer
}

func (r *peerRig) factory() PeerFactory {
	return func(events chan<- PeerEvent) (Peer, error) {
		p := newFakePeer(events)
		p.announceConnected = r.announceConnected
		r.mu.Lock()
		r.peers = append(r.peers, p)
		r.mu.Unlock()
		return p, nil
	}
}

func (r *peerRig) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *peerRig) peer(i int) *fakePeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[i]
}

func newTestSupervisor(t *testing.T, hub *MemoryHub, rig *peerRig, directory RoomDirectory) *Supervisor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RetryBackoff = 10 * time.Millisecond
	sup, err := NewSupervisor(cfg, shared.NewNopLogger(), hub, rig.factory(), directory)
	require.NoError(t, err)
	return sup
}

func TestSupervisorValidation(t *testing.T) {
	hub := NewMemoryHub(nil)
	rig := &peerRig{}

	_, err := NewSupervisor(DefaultConfig(), nil, hub, rig.factory(), nil)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewSupervisor(DefaultConfig(), shared.NewNopLogger(), nil, rig.factory(), nil)
	assert.ErrorIs(t, err, shared.ErrNoTransport)
	_, err = NewSupervisor(DefaultConfig(), shared.NewNopLogger(), hub, nil, nil)
	assert.ErrorIs(t, err, shared.ErrNoPeerFactory)
}

func TestCallConnectsEndToEnd(t *testing.T) {
	hub := NewMemoryHub(nil)
	// Every signal arrives twice per subscriber, as it does when the
	// broadcast and durable paths overlap.
	hub.DuplicateDelivery = true

	rigA := &peerRig{announceConnected: true}
	rigB := &peerRig{announceConnected: true}
	supA := newTestSupervisor(t, hub, rigA, nil)
	supB := newTestSupervisor(t, hub, rigB, nil)

	gestures := make(chan *GesturePayload, 4)
	supB.RegisterGestureHandler(func(senderID string, payload *GesturePayload) {
		assert.Equal(t, "alice", senderID)
		gestures <- payload
	})
	texts := make(chan *TextPayload, 4)
	supA.RegisterTextHandler(func(senderID string, payload *TextPayload) {
		texts <- payload
	})

	ctx := context.Background()
	require.NoError(t, supA.StartCall(ctx, "room-1", "alice", []LocalTrack{&fakeTrack{id: "cam"}}))
	require.NoError(t, supB.JoinCall(ctx, "room-1", "bob", nil))

	require.Eventually(t, func() bool {
		return supA.State().Phase == CallConnected && supB.State().Phase == CallConnected
	}, 3*time.Second, 10*time.Millisecond, "both sides should reach connected")
	assert.True(t, supA.IsRemoteConnected())
	assert.True(t, supB.IsRemoteConnected())

	require.NoError(t, supA.SendGesture(&GesturePayload{
		Gesture:    "namaste",
		Text:       "Hello",
		HindiText:  "नमस्ते",
		Confidence: 0.9,
		Timestamp:  time.Now().UnixMilli(),
	}))
	select {
	case payload := <-gestures:
		assert.Equal(t, "namaste", payload.Gesture)
		assert.Equal(t, "नमस्ते", payload.HindiText)
	case <-time.After(2 * time.Second):
		t.Fatal("gesture never reached the responder")
	}

	// Duplicate delivery is enabled; the second copy must not surface.
	select {
	case <-gestures:
		t.Fatal("duplicate gesture surfaced past the deduplicator")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, supB.SendText(&TextPayload{Text: "hi"}))
	select {
	case payload := <-texts:
		assert.Equal(t, "hi", payload.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("text never reached the initiator")
	}

	supA.EndCall()
	supB.EndCall()
	assert.Equal(t, 0, hub.SubscriberCount("room-1"))
}

func TestRetryBudgetBound(t *testing.T) {
	hub := NewMemoryHub(nil)
	rig := &peerRig{}
	sup := newTestSupervisor(t, hub, rig, nil)

	require.NoError(t, sup.StartCall(context.Background(), "room-2", "alice", nil))

	// Fail every attempt: the opening one plus the full retry budget.
	for i := 0; i < 3; i++ {
		idx := i
		require.Eventually(t, func() bool {
			return rig.count() == idx+1
		}, 2*time.Second, 5*time.Millisecond, "attempt %d never started", idx)
		rig.peer(idx).emitState(webrtc.PeerConnectionStateFailed)
	}

	require.Eventually(t, func() bool {
		return sup.State().Phase == CallError
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, sup.State().Err)

	// No further attempts after the budget is spent.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, rig.count())

	// Each failed attempt's connection was closed, and every retry used a
	// fresh session id with an ICE-restart offer.
	sessions := make(map[string]struct{})
	for i := 0; i < 3; i++ {
		assert.True(t, rig.peer(i).isClosed(), "peer %d should be closed", i)
	}
	signals, err := hub.Backfill(context.Background(), "room-2", time.Time{})
	require.NoError(t, err)
	for _, sig := range signals {
		if sig.Type == SignalTypeOffer {
			sessions[sig.SessionID()] = struct{}{}
		}
	}
	assert.Len(t, sessions, 3)
	assert.Equal(t, 1, rig.peer(1).restartCount)
	assert.Equal(t, 1, rig.peer(2).restartCount)
}

func TestResponderNeverRetries(t *testing.T) {
	hub := NewMemoryHub(nil)
	rig := &peerRig{}
	sup := newTestSupervisor(t, hub, rig, nil)

	require.NoError(t, sup.JoinCall(context.Background(), "room-3", "bob", nil))
	require.Eventually(t, func() bool { return rig.count() == 1 }, time.Second, 5*time.Millisecond)
	rig.peer(0).emitState(webrtc.PeerConnectionStateFailed)

	require.Eventually(t, func() bool {
		return sup.State().Phase == CallError
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rig.count())
}

func TestFallbackOfferSentOnce(t *testing.T) {
	hub := NewMemoryHub(nil)
	rig := &peerRig{}

	cfg := DefaultConfig()
	cfg.FallbackOfferDelay = 30 * time.Millisecond
	cfg.OfferResendDelay = 10 * time.Second
	sup, err := NewSupervisor(cfg, shared.NewNopLogger(), hub, rig.factory(), nil)
	require.NoError(t, err)

	// A responder alone in the room sees no offer; after the fallback
	// window it must produce one itself.
	require.NoError(t, sup.JoinCall(context.Background(), "room-6", "bob", nil))

	offerCount := func() int {
		signals, err := hub.Backfill(context.Background(), "room-6", time.Time{})
		if err != nil {
			return -1
		}
		n := 0
		for _, sig := range signals {
			if sig.Type == SignalTypeOffer && sig.SenderID == "bob" {
				n++
			}
		}
		return n
	}

	require.Eventually(t, func() bool {
		return offerCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "fallback offer never sent")

	// Exactly once: the timer does not rearm.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, offerCount())

	sup.EndCall()
}

func TestDisconnectedIsTransient(t *testing.T) {
	hub := NewMemoryHub(nil)
	rigA := &peerRig{announceConnected: true}
	rigB := &peerRig{announceConnected: true}
	supA := newTestSupervisor(t, hub, rigA, nil)
	supB := newTestSupervisor(t, hub, rigB, nil)

	ctx := context.Background()
	require.NoError(t, supA.StartCall(ctx, "room-4", "alice", nil))
	require.NoError(t, supB.JoinCall(ctx, "room-4", "bob", nil))
	require.Eventually(t, func() bool {
		return supA.State().Phase == CallConnected
	}, 3*time.Second, 10*time.Millisecond)

	rigA.peer(0).emitState(webrtc.PeerConnectionStateDisconnected)
	require.Eventually(t, func() bool {
		return supA.State().Phase == CallDisconnected
	}, time.Second, 5*time.Millisecond)

	// A blip does not tear the attempt down or trigger a retry.
	assert.Equal(t, 1, rigA.count())
	assert.False(t, rigA.peer(0).isClosed())

	supA.EndCall()
	supB.EndCall()
}

func TestEndCallTeardownCompleteness(t *testing.T) {
	hub := NewMemoryHub(nil)
	rig := &peerRig{}
	sup := newTestSupervisor(t, hub, rig, nil)

	track := &fakeTrack{id: "cam"}
	require.NoError(t, sup.StartCall(context.Background(), "room-5", "alice", []LocalTrack{track}))
	require.Equal(t, 1, hub.SubscriberCount("room-5"))

	sup.EndCall()
	assert.Equal(t, CallIdle, sup.State().Phase)
	assert.False(t, sup.IsRemoteConnected())
	assert.Equal(t, 0, hub.SubscriberCount("room-5"))
	assert.True(t, rig.peer(0).isClosed())
	assert.True(t, track.isClosed())

	// Idempotent, and safe before any call ever started.
	sup.EndCall()
	fresh := newTestSupervisor(t, NewMemoryHub(nil), &peerRig{}, nil)
	fresh.EndCall()
	assert.Equal(t, CallIdle, fresh.State().Phase)
}

func TestStartCallGuards(t *testing.T) {
	hub := NewMemoryHub(nil)
	rig := &peerRig{}

	directory := NewStaticDirectory()
	directory.SetParticipants("full-room", "x", "y")
	directory.SetParticipants("open-room", "x")

	sup := newTestSupervisor(t, hub, rig, directory)
	err := sup.StartCall(context.Background(), "full-room", "alice", nil)
	assert.ErrorIs(t, err, shared.ErrRoomFull)
	assert.Equal(t, CallIdle, sup.State().Phase)

	require.NoError(t, sup.StartCall(context.Background(), "open-room", "alice", nil))
	err = sup.StartCall(context.Background(), "open-room", "alice", nil)
	assert.ErrorIs(t, err, shared.ErrCallAlreadyActive)
	sup.EndCall()
}

func TestCallStateNotificationsOrdered(t *testing.T) {
	hub := NewMemoryHub(nil)
	rigA := &peerRig{announceConnected: true}
	rigB := &peerRig{announceConnected: true}
	supA := newTestSupervisor(t, hub, rigA, nil)
	supB := newTestSupervisor(t, hub, rigB, nil)

	var mu sync.Mutex
	var phases []CallPhase
	supA.RegisterCallStateHandler(func(state CallState) {
		// A slow observer must still see transitions in order.
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		phases = append(phases, state.Phase)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, supA.StartCall(ctx, "room-7", "alice", nil))
	require.NoError(t, supB.JoinCall(ctx, "room-7", "bob", nil))
	require.Eventually(t, func() bool {
		return supA.State().Phase == CallConnected
	}, 3*time.Second, 10*time.Millisecond)
	supA.EndCall()
	supB.EndCall()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []CallPhase{CallConnecting, CallConnected, CallIdle}, phases)
}

func TestSendRequiresActiveCall(t *testing.T) {
	sup := newTestSupervisor(t, NewMemoryHub(nil), &peerRig{}, nil)
	assert.ErrorIs(t, sup.SendText(&TextPayload{Text: "hi"}), shared.ErrCallNotActive)
	assert.ErrorIs(t, sup.SendGesture(&GesturePayload{Gesture: "hi"}), shared.ErrCallNotActive)
}
