package callkit

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

// CallPhase is the public lifecycle phase exposed to the UI collaborator.
type CallPhase int

const (
	CallIdle CallPhase = iota
	CallConnecting
	CallConnected
	CallDisconnected
	CallError
)

func (p CallPhase) String() string {
	switch p {
	case CallIdle:
		return "idle"
	case CallConnecting:
		return "connecting"
	case CallConnected:
		return "connected"
	case CallDisconnected:
		return "disconnected"
	case CallError:
		return "error"
	}
	return "unknown"
}

// CallState is the observable the UI renders from. Err is set only in the
// error phase and is the single path a failure takes out of this package.
type CallState struct {
	Phase  CallPhase
	RoomID string
	Err    string
}

const maxRoomParticipants = 2

// Supervisor is the top of the engine: it owns the current CallAttempt,
// translates peer lifecycle into CallState, runs the bounded retry loop and
// is the only type application code talks to.
type Supervisor struct {
	logger      shared.LoggerAdapter
	cfg         Config
	transport   Transport
	peerFactory PeerFactory
	directory   RoomDirectory

	mu          sync.Mutex
	attempt     *CallAttempt
	generation  int
	state       CallState
	roomID      string
	localID     string
	media       []LocalTrack
	initiator   bool
	retriesLeft int

	notifyQueue []CallState
	notifying   bool

	onState   func(CallState)
	onTrack   func(track *webrtc.TrackRemote)
	onGesture func(senderID string, payload *GesturePayload)
	onText    func(senderID string, payload *TextPayload)
}

// NewSupervisor wires the engine together. directory may be nil, in which
// case the room capacity check is skipped (in-process and test setups).
func NewSupervisor(
	cfg Config,
	logger shared.LoggerAdapter,
	transport Transport,
	peerFactory PeerFactory,
	directory RoomDirectory,
) (*Supervisor, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if transport == nil {
		return nil, shared.ErrNoTransport
	}
	if peerFactory == nil {
		return nil, shared.ErrNoPeerFactory
	}
	return &Supervisor{
		logger:      logger,
		cfg:         cfg.withDefaults(),
		transport:   transport,
		peerFactory: peerFactory,
		directory:   directory,
		state:       CallState{Phase: CallIdle},
	}, nil
}

// RegisterCallStateHandler sets the CallState observer. Fires on every phase
// change, from internal goroutines.
func (s *Supervisor) RegisterCallStateHandler(handler func(CallState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = handler
}

// RegisterTrackRemoteHandler sets the remote media track observer.
func (s *Supervisor) RegisterTrackRemoteHandler(handler func(track *webrtc.TrackRemote)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTrack = handler
}

// RegisterGestureHandler sets the observer for remote gesture captions.
func (s *Supervisor) RegisterGestureHandler(handler func(senderID string, payload *GesturePayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onGesture = handler
}

// RegisterTextHandler sets the observer for remote text messages.
func (s *Supervisor) RegisterTextHandler(handler func(senderID string, payload *TextPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onText = handler
}

// StartCall opens a call as the initiator: the first offer goes out under a
// freshly generated call session id.
func (s *Supervisor) StartCall(ctx context.Context, roomID, localID string, media []LocalTrack) error {
	return s.start(ctx, roomID, localID, media, true)
}

// JoinCall opens a call as the responder, waiting for the remote offer. If
// none arrives within the fallback window the attempt promotes itself.
func (s *Supervisor) JoinCall(ctx context.Context, roomID, localID string, media []LocalTrack) error {
	return s.start(ctx, roomID, localID, media, false)
}

func (s *Supervisor) start(ctx context.Context, roomID, localID string, media []LocalTrack, initiator bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != nil {
		return shared.ErrCallAlreadyActive
	}
	if err := s.checkCapacity(ctx, roomID, localID); err != nil {
		return err
	}

	s.roomID = roomID
	s.localID = localID
	s.media = media
	s.initiator = initiator
	s.retriesLeft = s.cfg.MaxRetries

	if err := s.launchAttemptLocked(false); err != nil {
		s.releaseMediaLocked()
		return err
	}
	s.setStateLocked(CallState{Phase: CallConnecting, RoomID: roomID})
	s.logger.Info(
		"call started",
		zap.String("room", roomID),
		zap.String("participant", localID),
		zap.Bool("initiator", initiator),
	)
	return nil
}

func (s *Supervisor) checkCapacity(ctx context.Context, roomID, localID string) error {
	if s.directory == nil {
		return nil
	}
	participants, err := s.directory.ActiveParticipants(ctx, roomID)
	if err != nil {
		// The directory is advisory; the relay enforces capacity for real.
		s.logger.Warn("room directory unavailable", zap.String("room", roomID), zap.Error(err))
		return nil
	}
	others := 0
	for _, p := range participants {
		if p != localID {
			others++
		}
	}
	if others >= maxRoomParticipants {
		return shared.ErrRoomFull
	}
	return nil
}

// launchAttemptLocked builds a fresh CallAttempt for the current call. The
// caller holds s.mu. iceRestart is set on retries only.
func (s *Supervisor) launchAttemptLocked(iceRestart bool) error {
	s.generation++
	generation := s.generation

	attempt, err := newCallAttempt(
		s.cfg,
		s.logger,
		s.transport,
		s.peerFactory,
		s.roomID,
		s.localID,
		s.media,
		attemptCallbacks{
			onConnected:    func() { s.attemptConnected(generation) },
			onDisconnected: func() { s.attemptDisconnected(generation) },
			onFailed:       func(reason string) { s.attemptFailed(generation, reason) },
			onTrack:        s.fanOutTrack,
			onGesture:      s.fanOutGesture,
			onText:         s.fanOutText,
		},
	)
	if err != nil {
		return err
	}
	s.attempt = attempt

	if s.initiator {
		if err := attempt.startInitiator(iceRestart); err != nil {
			attempt.close()
			s.attempt = nil
			return err
		}
	} else {
		attempt.startResponder()
	}
	return nil
}

func (s *Supervisor) attemptConnected(generation int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.attempt == nil {
		return
	}
	if s.state.Phase == CallConnected {
		return
	}
	s.setStateLocked(CallState{Phase: CallConnected, RoomID: s.roomID})
	s.logger.Info("call connected", zap.String("room", s.roomID))
}

func (s *Supervisor) attemptDisconnected(generation int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.attempt == nil {
		return
	}
	// Transient by policy. A blip either heals back to connected or
	// escalates through the failed path.
	if s.state.Phase == CallConnected {
		s.setStateLocked(CallState{Phase: CallDisconnected, RoomID: s.roomID})
		s.logger.Warn("call disconnected, waiting for recovery", zap.String("room", s.roomID))
	}
}

// attemptFailed is the single failure handler: explicit peer failure, ICE
// failure, negotiation error and watchdog expiry all land here.
func (s *Supervisor) attemptFailed(generation int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.attempt == nil {
		return
	}

	s.attempt.close()
	s.attempt = nil

	if !s.initiator || s.retriesLeft <= 0 {
		s.logger.Error("call failed", nil,
			zap.String("room", s.roomID),
			zap.String("reason", reason),
			zap.Bool("initiator", s.initiator),
		)
		s.releaseMediaLocked()
		s.setStateLocked(CallState{
			Phase:  CallError,
			RoomID: s.roomID,
			Err:    "call could not be established, verify the room code or create a new room",
		})
		return
	}

	s.retriesLeft--
	s.logger.Warn(
		"call attempt failed, retrying",
		zap.String("room", s.roomID),
		zap.String("reason", reason),
		zap.Int("retries_left", s.retriesLeft),
	)
	retryGeneration := s.generation
	go s.retryAfterBackoff(retryGeneration)
}

// retryAfterBackoff waits out the backoff and starts the next attempt with a
// fresh session id and an ICE restart. Skipped if the call ended meanwhile.
func (s *Supervisor) retryAfterBackoff(afterGeneration int) {
	time.Sleep(s.cfg.RetryBackoff)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != afterGeneration || s.state.Phase == CallIdle {
		return
	}
	if err := s.launchAttemptLocked(true); err != nil {
		s.logger.Error("retry attempt failed to start", err, zap.String("room", s.roomID))
		s.releaseMediaLocked()
		s.setStateLocked(CallState{
			Phase:  CallError,
			RoomID: s.roomID,
			Err:    "call could not be re-established",
		})
		return
	}
	s.setStateLocked(CallState{Phase: CallConnecting, RoomID: s.roomID})
}

// SendGesture ships a recognized gesture caption to the remote side.
func (s *Supervisor) SendGesture(payload *GesturePayload) error {
	return s.sendApplication(SignalTypeGesture, payload)
}

// SendText ships a typed chat message to the remote side.
func (s *Supervisor) SendText(payload *TextPayload) error {
	return s.sendApplication(SignalTypeText, payload)
}

func (s *Supervisor) sendApplication(t SignalType, payload SignalPayload) error {
	s.mu.Lock()
	attempt := s.attempt
	s.mu.Unlock()
	if attempt == nil {
		return shared.ErrCallNotActive
	}
	attempt.sendTagged(t, payload)
	return nil
}

// State returns a snapshot of the current call state.
func (s *Supervisor) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRemoteConnected reports whether the remote peer is currently connected.
func (s *Supervisor) IsRemoteConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase == CallConnected
}

// EndCall tears everything down and returns the supervisor to idle. Safe
// from any state, including before a call ever started, and idempotent.
func (s *Supervisor) EndCall() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != nil {
		s.attempt.close()
		s.attempt = nil
	}
	s.generation++
	s.releaseMediaLocked()
	if s.state.Phase != CallIdle {
		s.logger.Info("call ended", zap.String("room", s.roomID))
	}
	s.roomID = ""
	s.localID = ""
	s.initiator = false
	s.retriesLeft = 0
	s.setStateLocked(CallState{Phase: CallIdle})
}

func (s *Supervisor) releaseMediaLocked() {
	for _, track := range s.media {
		if err := track.Close(); err != nil {
			s.logger.Warn("closing local track", zap.String("track", track.ID()), zap.Error(err))
		}
	}
	s.media = nil
}

// setStateLocked updates the observable and queues the notification. A
// single drainer delivers queued states in transition order; the handler
// runs without the lock so it may call back into the supervisor.
func (s *Supervisor) setStateLocked(state CallState) {
	s.state = state
	if s.onState == nil {
		return
	}
	s.notifyQueue = append(s.notifyQueue, state)
	if s.notifying {
		return
	}
	s.notifying = true
	go s.drainNotifications()
}

func (s *Supervisor) drainNotifications() {
	for {
		s.mu.Lock()
		if len(s.notifyQueue) == 0 {
			s.notifying = false
			s.mu.Unlock()
			return
		}
		state := s.notifyQueue[0]
		s.notifyQueue = s.notifyQueue[1:]
		handler := s.onState
		s.mu.Unlock()
		if handler != nil {
			handler(state)
		}
	}
}

func (s *Supervisor) fanOutTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	handler := s.onTrack
	s.mu.Unlock()
	if handler != nil {
		handler(track)
	}
}

func (s *Supervisor) fanOutGesture(senderID string, payload *GesturePayload) {
	s.mu.Lock()
	handler := s.onGesture
	s.mu.Unlock()
	if handler != nil {
		handler(senderID, payload)
	}
}

func (s *Supervisor) fanOutText(senderID string, payload *TextPayload) {
	s.mu.Lock()
	handler := s.onText
	s.mu.Unlock()
	if handler != nil {
		handler(senderID, payload)
	}
}
