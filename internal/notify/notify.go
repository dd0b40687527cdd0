// Package notify listens for out-of-band change notifications over a
// websocket relay so watch mode can fetch deltas sooner than the next
// poll_interval tick. Microsoft Graph's own change-notification webhooks
// require a public HTTPS endpoint the CLI does not host; a relay that the
// CLI dials outbound and holds open avoids that requirement.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/sethvargo/go-retry"
)

// Reconnect backoff bounds, mirroring the Graph client's retry shape
// (internal/graph/client.go) but independent of it — a dropped relay
// connection has nothing to do with Graph API throttling.
const (
	reconnectBase    = 1 * time.Second
	reconnectMax     = 2 * time.Minute
	reconnectJitter  = 25
	relayReadTimeout = 90 * time.Second // relay is expected to ping more often than this
)

// Listener dials a relay endpoint and signals its channel once per incoming
// message. It never returns an error to the caller: a relay that is
// unreachable or flaky degrades to the poll_interval fallback rather than
// aborting watch mode.
type Listener struct {
	url    string
	logger *slog.Logger
	wake   chan struct{}
}

// New creates a Listener for the given relay URL (e.g. "wss://host/v1/notify").
func New(url string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{
		url:    url,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// C returns the wakeup channel. A receive means "fetch delta now". The
// channel is buffered to depth 1 so a burst of relay messages while the
// coordinator is mid-cycle coalesces into a single extra cycle rather than
// queuing one per message.
func (l *Listener) C() <-chan struct{} {
	return l.wake
}

// Run dials the relay and blocks, reconnecting with exponential backoff
// until ctx is canceled. Intended to run in its own goroutine alongside
// Engine.RunWatch for the lifetime of the watch loop.
func (l *Listener) Run(ctx context.Context) {
	b, err := retry.NewExponential(reconnectBase)
	if err != nil {
		l.logger.Error("notify: backoff init failed", slog.String("error", err.Error()))
		return
	}

	b = retry.WithCappedDuration(reconnectMax, b)
	b = retry.WithJitterPercent(reconnectJitter, b)

	for ctx.Err() == nil {
		runErr := l.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		wait, stop := b.Next()
		if stop {
			wait = reconnectMax
		}

		l.logger.Warn("notify: relay connection lost, reconnecting",
			slog.String("error", runErr.Error()),
			slog.Duration("wait", wait),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce holds a single relay connection open until it errors or ctx is
// canceled, signaling C() once per message received.
func (l *Listener) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("notify: dial %s: %w", l.url, err)
	}
	defer conn.CloseNow() //nolint:errcheck // best-effort; connection is already being torn down

	l.logger.Info("notify: connected to relay", slog.String("url", l.url))

	for {
		readCtx, cancel := context.WithTimeout(ctx, relayReadTimeout)
		_, _, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			return fmt.Errorf("notify: relay read: %w", err)
		}

		select {
		case l.wake <- struct{}{}:
		default:
			// A wakeup is already pending; the relay message is redundant.
		}
	}
}
