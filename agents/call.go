// Package agents contains ready-made call participants built on the
// callkit engine. CallAgent is the terminal demo: camera and microphone
// in, remote captions out.
package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	callkit "github.com/sign-bridge/callkit"
	"github.com/sign-bridge/callkit/shared"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	videoWidth    = 640
	videoHeight   = 480
	videoBitrate  = 500_000
	audioRate     = 48000
	audioChannels = 1
)

// CallAgent joins one room, streams local camera and microphone to the
// remote participant and prints everything it receives to a transcript.
type CallAgent struct {
	logger     shared.LoggerAdapter
	transcript *shared.Transcript
	supervisor *callkit.Supervisor
	transport  callkit.Transport

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Spawn acquires media, wires the engine against the relay and opens the
// call. initiate selects the initiator role; the other side joins.
func (a *CallAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg callkit.Config,
	relayURL, token, roomKey, participantID string,
	transcript *shared.Transcript,
	initiate bool,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if transcript == nil {
		return fmt.Errorf("no transcript provided")
	}
	if roomKey == "" {
		return shared.ErrNoRoom
	}
	if participantID == "" {
		return shared.ErrNoParticipant
	}
	a.logger = logger
	a.transcript = transcript
	a.done = make(chan struct{})
	a.logger.Info("spawning call agent", zap.String("room", roomKey))
	a.transcript.Notice("connecting to room " + roomKey)

	broadcaster, err := callkit.NewWSBroadcaster(relayURL, token, logger)
	if err != nil {
		return fmt.Errorf("creating broadcaster: %w", err)
	}
	durable, err := callkit.NewRESTLog(relayURL, token, logger)
	if err != nil {
		return fmt.Errorf("creating durable log client: %w", err)
	}
	limiter := callkit.NewRateLimiter(cfg.SignalRateWindow, cfg.SignalRateLimit)
	transport, err := callkit.NewSignalTransport(broadcaster, durable, limiter, logger)
	if err != nil {
		return fmt.Errorf("creating signal transport: %w", err)
	}
	a.transport = transport

	directory, err := callkit.NewRelayDirectory(relayURL, token, logger)
	if err != nil {
		return fmt.Errorf("creating room directory: %w", err)
	}

	peerFactory := callkit.NewPionPeerFactory(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}, logger)

	supervisor, err := callkit.NewSupervisor(cfg, logger, transport, peerFactory, directory)
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}
	a.supervisor = supervisor

	supervisor.RegisterCallStateHandler(a.onCallState)
	supervisor.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
		a.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		a.transcript.Notice("remote " + track.Kind().String() + " stream attached")
	})
	supervisor.RegisterGestureHandler(func(senderID string, payload *callkit.GesturePayload) {
		a.transcript.Caption(senderID, payload.Gesture, payload.HindiText, payload.Confidence)
	})
	supervisor.RegisterTextHandler(func(senderID string, payload *callkit.TextPayload) {
		a.transcript.Line(senderID, payload.Text)
	})

	tracks, err := acquireMedia()
	if err != nil {
		a.transcript.Notice("camera/microphone unavailable, check device permissions")
		return fmt.Errorf("acquiring local media: %w", err)
	}
	a.logger.Info("local media acquired", zap.Int("tracks", len(tracks)))

	if initiate {
		err = supervisor.StartCall(ctx, roomKey, participantID, tracks)
	} else {
		err = supervisor.JoinCall(ctx, roomKey, participantID, tracks)
	}
	if err != nil {
		for _, track := range tracks {
			track.Close()
		}
		return fmt.Errorf("opening call: %w", err)
	}
	return nil
}

// SendText forwards a typed line to the remote participant.
func (a *CallAgent) SendText(text string) error {
	a.mu.Lock()
	supervisor := a.supervisor
	a.mu.Unlock()
	if supervisor == nil {
		return shared.ErrCallNotActive
	}
	return supervisor.SendText(&callkit.TextPayload{Text: text})
}

// SendGesture forwards a recognized gesture caption.
func (a *CallAgent) SendGesture(gesture, text, hindiText string, confidence float64) error {
	a.mu.Lock()
	supervisor := a.supervisor
	a.mu.Unlock()
	if supervisor == nil {
		return shared.ErrCallNotActive
	}
	return supervisor.SendGesture(&callkit.GesturePayload{
		Gesture:    gesture,
		Text:       text,
		HindiText:  hindiText,
		Confidence: confidence,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// Done is closed when the call ends, either side.
func (a *CallAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CallAgent) Close() error {
	a.closeOnce.Do(func() {
		if a.supervisor != nil {
			a.supervisor.EndCall()
		}
		if a.transport != nil {
			a.transport.Close()
		}
		close(a.done)
	})
	return nil
}

func (a *CallAgent) onCallState(state callkit.CallState) {
	switch state.Phase {
	case callkit.CallConnecting:
		a.transcript.Notice("connecting...")
	case callkit.CallConnected:
		a.transcript.Notice("call connected")
	case callkit.CallDisconnected:
		a.transcript.Notice("connection lost, waiting for recovery")
	case callkit.CallError:
		a.transcript.Notice("call failed: " + state.Err)
		a.Close()
	case callkit.CallIdle:
	}
}

func acquireMedia() ([]callkit.LocalTrack, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("creating vp8 params: %w", err)
	}
	vp8Params.BitRate = videoBitrate

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(audioRate)
			c.ChannelCount = prop.Int(audioChannels)
			c.SampleSize = prop.Int(16)
		},
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(videoWidth)
			c.Height = prop.Int(videoHeight)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vp8Params),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting user media: %w", err)
	}

	var tracks []callkit.LocalTrack
	for _, track := range stream.GetTracks() {
		tracks = append(tracks, track)
	}
	if len(tracks) == 0 {
		return nil, shared.ErrNoMedia
	}
	return tracks, nil
}
