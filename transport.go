package callkit

import (
	"context"
	"fmt"
	"time"

	"github.com/sign-bridge/callkit/shared"
	"go.uber.org/zap"
)

// SignalHandler receives one inbound signal per delivery instance. The
// transport does not deduplicate across its two paths; that is the
// Deduper's job one layer up.
type SignalHandler func(sig *Signal)

// Transport delivers signaling traffic between the two participants of a
// room. Implementations provide a low-latency broadcast path and a durable
// replayable log; SignalTransport is the production composition, MemoryHub
// the in-process one.
type Transport interface {
	// Send pushes the signal to the room. It returns shared.ErrRateLimited
	// when the limiter denies the send; any other delivery trouble is
	// absorbed (signaling is lossy-tolerant by design).
	Send(ctx context.Context, roomID string, sig *Signal) error

	// Subscribe opens one logical subscription for the room and forwards
	// every delivered signal to handler. The returned function tears the
	// subscription down; it must be called on end-call.
	Subscribe(ctx context.Context, roomID string, handler SignalHandler) (func(), error)

	// Backfill returns durable-log entries newer than since, so a sender
	// that posted just before we subscribed is not lost.
	Backfill(ctx context.Context, roomID string, since time.Time) ([]*Signal, error)

	Close() error
}

// Broadcaster is the low-latency fire-and-forget path.
type Broadcaster interface {
	Publish(ctx context.Context, roomID string, sig *Signal) error
	Listen(ctx context.Context, roomID string, handler SignalHandler) (func(), error)
	Close() error
}

// DurableLog is the replayable backstop path.
type DurableLog interface {
	Append(ctx context.Context, roomID string, sig *Signal) error
	Since(ctx context.Context, roomID string, since time.Time) ([]*Signal, error)
}

// durableAppendTimeout bounds the background durable-path write so a dead
// log endpoint cannot pile up goroutines.
const durableAppendTimeout = 5 * time.Second

// SignalTransport sends every signal down both paths: the broadcast push is
// the primary mechanism, the durable append a best-effort backstop whose
// failures are logged and swallowed.
type SignalTransport struct {
	logger    shared.LoggerAdapter
	broadcast Broadcaster
	log       DurableLog
	limiter   *RateLimiter
}

var _ Transport = (*SignalTransport)(nil)

func NewSignalTransport(broadcast Broadcaster, log DurableLog, limiter *RateLimiter, logger shared.LoggerAdapter) (*SignalTransport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if broadcast == nil || log == nil {
		return nil, shared.ErrNoTransport
	}
	if limiter == nil {
		limiter = NewRateLimiter(time.Second, 30)
	}
	return &SignalTransport{
		logger:    logger,
		broadcast: broadcast,
		log:       log,
		limiter:   limiter,
	}, nil
}

func (t *SignalTransport) Send(ctx context.Context, roomID string, sig *Signal) error {
	if !t.limiter.CanProceed() {
		return shared.ErrRateLimited
	}
	t.limiter.Record()

	if err := t.broadcast.Publish(ctx, roomID, sig); err != nil {
		t.logger.Warn(
			"broadcast publish failed",
			zap.String("room", roomID),
			zap.String("type", string(sig.Type)),
			zap.Error(err),
		)
	}

	go func() {
		appendCtx, cancel := context.WithTimeout(context.Background(), durableAppendTimeout)
		defer cancel()
		if err := t.log.Append(appendCtx, roomID, sig); err != nil {
			t.logger.Warn(
				"durable append failed",
				zap.String("room", roomID),
				zap.String("type", string(sig.Type)),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (t *SignalTransport) Subscribe(ctx context.Context, roomID string, handler SignalHandler) (func(), error) {
	unsub, err := t.broadcast.Listen(ctx, roomID, handler)
	if err != nil {
		return nil, fmt.Errorf("opening broadcast subscription: %w", err)
	}
	return unsub, nil
}

func (t *SignalTransport) Backfill(ctx context.Context, roomID string, since time.Time) ([]*Signal, error) {
	signals, err := t.log.Since(ctx, roomID, since)
	if err != nil {
		return nil, fmt.Errorf("reading durable log: %w", err)
	}
	return signals, nil
}

func (t *SignalTransport) Close() error {
	return t.broadcast.Close()
}
