package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"depot-notify/internal/models"
)

// Fetcher reads the most recent rows of a table, newest first.
type Fetcher interface {
	Recent(ctx context.Context, table string, limit int) ([]map[string]interface{}, error)
}

// Handler is the shared validate -> dedup -> dispatch path.
type Handler interface {
	Handle(ctx context.Context, ev *models.ChangeEvent) error
}

// Alerter receives operator alerts about sustained fetch failures.
type Alerter interface {
	Alert(alert models.Alert)
}

// StateFn reports the live subscription state for a table.
type StateFn func(table string) models.SubscriptionState

// Config tunes the reconciler.
type Config struct {
	Tables   []string
	Interval time.Duration
	PageSize int

	// WidenFactor multiplies the page size while a table's live channel is
	// degraded or reconnecting. A failed channel polls at normal width
	// indefinitely.
	WidenFactor int

	// FailureThreshold is the number of consecutive fetch failures per
	// table before a single operator alert fires.
	FailureThreshold int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Minute
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.WidenFactor <= 1 {
		c.WidenFactor = 3
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
}

// Reconciler periodically fetches recent rows per monitored table and runs
// them through the shared pipeline, catching anything the live channel
// missed. It is idempotent under repeated execution: the dedup ledger turns
// a second pass over unchanged data into zero dispatches.
type Reconciler struct {
	cfg     Config
	fetcher Fetcher
	handler Handler
	alerter Alerter
	states  StateFn
	logger  *logrus.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	failures map[string]int
	alerted  map[string]bool

	// Passes run on their own context so cancelling Run's context does not
	// abort an in-flight pass; Wait cancels it once the grace expires.
	passCtx    context.Context
	passCancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a reconciler. states may be nil when no live channel exists.
func New(cfg Config, fetcher Fetcher, handler Handler, alerter Alerter, states StateFn, logger *logrus.Logger) *Reconciler {
	cfg.applyDefaults()
	passCtx, passCancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:        cfg,
		fetcher:    fetcher,
		handler:    handler,
		alerter:    alerter,
		states:     states,
		logger:     logger,
		inFlight:   make(map[string]bool),
		failures:   make(map[string]int),
		alerted:    make(map[string]bool),
		passCtx:    passCtx,
		passCancel: passCancel,
	}
}

// Run ticks until the context is cancelled. Each table's pass runs
// independently; a tick that would overlap a still-running pass for the same
// table is skipped.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Infof("Poll reconciler started (interval %s, %d tables)", r.cfg.Interval, len(r.cfg.Tables))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, table := range r.cfg.Tables {
				r.tick(table)
			}
		}
	}
}

// Wait blocks until in-flight passes finish, up to the given grace period,
// then cancels the pass context either way.
func (r *Reconciler) Wait(grace time.Duration) {
	defer r.passCancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		r.logger.Warn("Cancelling in-flight poll pass after grace period")
	}
}

func (r *Reconciler) tick(table string) {
	r.mu.Lock()
	if r.inFlight[table] {
		r.mu.Unlock()
		r.logger.Warnf("Skipping poll tick for %s: previous pass still running", table)
		return
	}
	r.inFlight[table] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.inFlight[table] = false
			r.mu.Unlock()
		}()
		if err := r.RunOnce(r.passCtx, table); err != nil {
			r.onFetchFailure(table, err)
		} else {
			r.onFetchSuccess(table)
		}
	}()
}

// RunOnce performs one reconciliation pass over a table.
func (r *Reconciler) RunOnce(ctx context.Context, table string) error {
	limit := r.cfg.PageSize
	if r.states != nil {
		switch r.states(table) {
		case models.StateDegraded, models.StateReconnecting:
			limit *= r.cfg.WidenFactor
		}
	}

	rows, err := r.fetcher.Recent(ctx, table, limit)
	if err != nil {
		return fmt.Errorf("fetch recent rows for %s: %w", table, err)
	}

	// Rows arrive newest first; process oldest first to keep dispatch
	// order close to insertion order.
	now := time.Now()
	for i := len(rows) - 1; i >= 0; i-- {
		ev := &models.ChangeEvent{
			Table:      table,
			Kind:       models.KindInsert,
			Row:        rows[i],
			Source:     models.SourcePoll,
			ReceivedAt: now,
		}
		if err := r.handler.Handle(ctx, ev); err != nil {
			r.logger.Errorf("Failed to process polled row for %s: %v", table, err)
		}
	}
	r.logger.Debugf("Reconciled %s: %d rows inspected", table, len(rows))
	return nil
}

func (r *Reconciler) onFetchFailure(table string, err error) {
	r.mu.Lock()
	r.failures[table]++
	count := r.failures[table]
	shouldAlert := count >= r.cfg.FailureThreshold && !r.alerted[table]
	if shouldAlert {
		r.alerted[table] = true
	}
	r.mu.Unlock()

	r.logger.Errorf("Poll fetch failed for %s (%d consecutive): %v", table, count, err)
	if shouldAlert {
		r.alerter.Alert(models.Alert{
			Kind:    models.AlertPollFailures,
			Table:   table,
			Message: fmt.Sprintf("Poll fetch failed %d consecutive times", count),
			Detail:  err.Error(),
		})
	}
}

func (r *Reconciler) onFetchSuccess(table string) {
	r.mu.Lock()
	r.failures[table] = 0
	r.alerted[table] = false
	r.mu.Unlock()
}
