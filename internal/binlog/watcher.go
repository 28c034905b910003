package binlog

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"depot-notify/internal/models"
)

// Handler consumes change events observed on the live path.
type Handler interface {
	Handle(ctx context.Context, ev *models.ChangeEvent) error
}

// Alerter receives operator alerts about subscription health.
type Alerter interface {
	Alert(alert models.Alert)
}

// WatcherConfig tunes one table's subscription lifecycle.
type WatcherConfig struct {
	Table string

	// Reconnect backoff: base doubles per attempt up to cap, with jitter.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int

	// AlertEvery fires a milestone alert every N failed attempts, in
	// addition to the alert on the first failure.
	AlertEvery int

	// HealthInterval is the cadence of the health check; HeartbeatTimeout
	// is how long the link may stay silent before the state degrades.
	HealthInterval   time.Duration
	HeartbeatTimeout time.Duration
}

func (c *WatcherConfig) applyDefaults() {
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 20
	}
	if c.AlertEvery <= 0 {
		c.AlertEvery = 5
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
}

// Watcher owns one table's live subscription. It runs the per-table state
// machine: connecting -> connected -> (degraded -> reconnecting ->
// connected) | failed. State is read-only to other components through
// State(); failed is terminal until the process restarts.
type Watcher struct {
	cfg     WatcherConfig
	source  Source
	handler Handler
	alerter Alerter
	logger  *logrus.Logger

	state     atomic.Int32
	lastAlive atomic.Int64
	rng       *rand.Rand
}

// NewWatcher creates a watcher for one table.
func NewWatcher(cfg WatcherConfig, source Source, handler Handler, alerter Alerter, logger *logrus.Logger) *Watcher {
	cfg.applyDefaults()
	w := &Watcher{
		cfg:     cfg,
		source:  source,
		handler: handler,
		alerter: alerter,
		logger:  logger,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	w.state.Store(int32(models.StateConnecting))
	return w
}

// State returns the current subscription state. Reads are eventually
// consistent with respect to the watcher goroutine, which is acceptable for
// the reconciler's window decisions.
func (w *Watcher) State() models.SubscriptionState {
	return models.SubscriptionState(w.state.Load())
}

// LastAlive returns when the live link last showed signs of life, either an
// event or a heartbeat tick. Zero before the first successful subscribe.
func (w *Watcher) LastAlive() time.Time {
	n := w.lastAlive.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (w *Watcher) setState(s models.SubscriptionState) {
	old := models.SubscriptionState(w.state.Swap(int32(s)))
	if old != s {
		w.logger.Infof("Subscription for %s: %s -> %s", w.cfg.Table, old, s)
	}
}

// Run drives the subscription until the context is cancelled or the state
// machine reaches failed. Transport errors never propagate out.
func (w *Watcher) Run(ctx context.Context) {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempts == 0 {
			w.setState(models.StateConnecting)
		} else {
			w.setState(models.StateReconnecting)
		}

		stream, err := w.source.Subscribe(ctx)
		if err == nil && stream == nil {
			// Malformed acknowledgment from the feed.
			err = fmt.Errorf("subscribe returned no stream for %s", w.cfg.Table)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			w.onSubscribeFailure(attempts, err)
			if attempts >= w.cfg.MaxAttempts {
				w.setState(models.StateFailed)
				w.alerter.Alert(models.Alert{
					Kind:    models.AlertReconnectExhausted,
					Table:   w.cfg.Table,
					Message: fmt.Sprintf("Live subscription failed after %d attempts; polling only until restart", attempts),
					Detail:  err.Error(),
				})
				return
			}
			if !w.sleep(ctx, w.backoffDelay(attempts)) {
				return
			}
			continue
		}

		if attempts > 0 {
			w.alerter.Alert(models.Alert{
				Kind:    models.AlertReconnectRestored,
				Table:   w.cfg.Table,
				Message: fmt.Sprintf("Live subscription restored after %d attempts", attempts),
			})
		}
		attempts = 0
		w.markAlive()
		w.setState(models.StateConnected)

		var lastErr error
		for stream != nil {
			next, consumeErr := w.consume(ctx, stream)
			stream.Close()
			if ctx.Err() != nil {
				if next != nil {
					next.Close()
				}
				return
			}
			if next != nil {
				// Background resubscribe succeeded while degraded;
				// keep delivering on the fresh stream without
				// counting attempts.
				stream = next
				w.markAlive()
				w.setState(models.StateConnected)
				continue
			}
			stream = nil
			lastErr = consumeErr
		}

		w.logger.Warnf("Live stream for %s ended: %v", w.cfg.Table, lastErr)
		// Flip before the backoff sleep so the reconciler widens its
		// window for the whole outage, not just from the next attempt.
		w.setState(models.StateReconnecting)
		attempts++
		w.onSubscribeFailure(attempts, lastErr)
		if attempts >= w.cfg.MaxAttempts {
			detail := ""
			if lastErr != nil {
				detail = lastErr.Error()
			}
			w.setState(models.StateFailed)
			w.alerter.Alert(models.Alert{
				Kind:    models.AlertReconnectExhausted,
				Table:   w.cfg.Table,
				Message: fmt.Sprintf("Live subscription failed after %d attempts; polling only until restart", attempts),
				Detail:  detail,
			})
			return
		}
		if !w.sleep(ctx, w.backoffDelay(attempts)) {
			return
		}
	}
}

type subscribeResult struct {
	stream Stream
	err    error
}

// consume delivers events from the stream until it errors, the context is
// cancelled, or a degraded-state background resubscribe produces a
// replacement stream (returned as next). Events arriving while degraded are
// still processed.
func (w *Watcher) consume(ctx context.Context, stream Stream) (next Stream, err error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan *models.ChangeEvent, 64)
	errs := make(chan error, 1)
	go func() {
		for {
			ev, recvErr := stream.Recv(cctx)
			if recvErr != nil {
				errs <- recvErr
				return
			}
			w.markAlive()
			if ev == nil {
				continue
			}
			select {
			case events <- ev:
			case <-cctx.Done():
				return
			}
		}
	}()

	health := time.NewTicker(w.cfg.HealthInterval)
	defer health.Stop()

	var resub chan subscribeResult
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case recvErr := <-errs:
			return nil, recvErr

		case ev := <-events:
			if handleErr := w.handler.Handle(ctx, ev); handleErr != nil {
				w.logger.Errorf("Failed to process live event for %s: %v", w.cfg.Table, handleErr)
			}

		case <-health.C:
			stale := time.Since(w.aliveAt()) > w.cfg.HeartbeatTimeout
			switch {
			case stale && w.State() == models.StateConnected:
				w.setState(models.StateDegraded)
				if resub == nil {
					resub = w.resubscribe(cctx)
				}
			case stale && w.State() == models.StateDegraded && resub == nil:
				// A prior background attempt failed while the link was
				// momentarily alive; keep trying while degraded.
				resub = w.resubscribe(cctx)
			case !stale && w.State() == models.StateDegraded:
				w.setState(models.StateConnected)
			}

		case res := <-resub:
			resub = nil
			if res.err == nil && res.stream != nil {
				return res.stream, nil
			}
			w.logger.Warnf("Background resubscribe for %s failed: %v", w.cfg.Table, res.err)
			if time.Since(w.aliveAt()) > w.cfg.HeartbeatTimeout {
				// Old stream is silent and the replacement failed; tear
				// down and let Run reconnect with backoff.
				return nil, fmt.Errorf("subscription for %s degraded beyond heartbeat timeout: %w", w.cfg.Table, res.err)
			}
		}
	}
}

// resubscribe attempts one background subscription without tearing down the
// current delivery, avoiding a resubscribe stampede while degraded.
func (w *Watcher) resubscribe(ctx context.Context) chan subscribeResult {
	ch := make(chan subscribeResult, 1)
	go func() {
		stream, err := w.source.Subscribe(ctx)
		if err == nil && stream == nil {
			err = fmt.Errorf("subscribe returned no stream for %s", w.cfg.Table)
		}
		ch <- subscribeResult{stream: stream, err: err}
	}()
	return ch
}

func (w *Watcher) onSubscribeFailure(attempt int, err error) {
	w.logger.Warnf("Subscribe attempt %d/%d for %s failed: %v", attempt, w.cfg.MaxAttempts, w.cfg.Table, err)
	if attempt == 1 || attempt%w.cfg.AlertEvery == 0 {
		detail := ""
		if err != nil {
			detail = err.Error()
		}
		w.alerter.Alert(models.Alert{
			Kind:    models.AlertSubscribeFailure,
			Table:   w.cfg.Table,
			Message: fmt.Sprintf("Live subscribe failing (attempt %d/%d)", attempt, w.cfg.MaxAttempts),
			Detail:  detail,
		})
	}
}

// backoffDelay computes the delay before the given attempt number: base
// doubling per attempt, capped, plus up to 25% jitter.
func (w *Watcher) backoffDelay(attempt int) time.Duration {
	delay := w.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.BackoffCap {
			delay = w.cfg.BackoffCap
			break
		}
	}
	jitter := time.Duration(w.rng.Int63n(int64(delay)/4 + 1))
	if delay+jitter > w.cfg.BackoffCap {
		return w.cfg.BackoffCap
	}
	return delay + jitter
}

// sleep waits for d or context cancellation; backoff timers stop immediately
// on shutdown.
func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Watcher) markAlive() {
	w.lastAlive.Store(time.Now().UnixNano())
}

func (w *Watcher) aliveAt() time.Time {
	return time.Unix(0, w.lastAlive.Load())
}
