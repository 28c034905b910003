package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"depot-notify/internal/ledger"
	"depot-notify/internal/models"
	"depot-notify/internal/transform"
	"depot-notify/internal/validate"
)

// Dispatcher is the outbound notification collaborator.
type Dispatcher interface {
	Dispatch(table string, record map[string]interface{}, via models.Source) error
}

// Alerter is the operator-notification collaborator.
type Alerter interface {
	Alert(alert models.Alert)
}

// Pipeline is the shared validate -> dedup -> transform -> dispatch path used
// by both the live watchers and the poll reconciler.
type Pipeline struct {
	validator   *validate.Validator
	ledger      ledger.Ledger
	transformer *transform.Transformer
	dispatcher  Dispatcher
	alerter     Alerter
	logger      *logrus.Logger

	maxAttempts  int
	retryBackoff time.Duration
}

// New creates a pipeline. maxAttempts bounds dispatch retries for one record;
// retryBackoff is the base delay between attempts, growing linearly.
func New(v *validate.Validator, l ledger.Ledger, t *transform.Transformer, d Dispatcher, a Alerter, maxAttempts int, retryBackoff time.Duration, logger *logrus.Logger) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Pipeline{
		validator:    v,
		ledger:       l,
		transformer:  t,
		dispatcher:   d,
		alerter:      a,
		logger:       logger,
		maxAttempts:  maxAttempts,
		retryBackoff: retryBackoff,
	}
}

// Handle processes one observed change event. Rejected payloads and
// duplicates are dropped silently; only ledger I/O failures surface as
// errors, and those are recoverable by the caller's next pass.
func (p *Pipeline) Handle(ctx context.Context, ev *models.ChangeEvent) error {
	res := p.validator.Validate(ev)
	if !res.OK {
		p.logger.Debugf("Dropping event: %s", res.Reason)
		return nil
	}

	hash := p.validator.Hash(ev)
	won, err := p.ledger.Acquire(ctx, ev.Table, hash)
	if err != nil {
		return fmt.Errorf("ledger acquire for %s: %w", ev.Table, err)
	}
	if !won {
		p.logger.Debugf("Duplicate record for %s (hash %.12s..., via %s)", ev.Table, hash, ev.Source)
		return nil
	}

	record := ev.Row
	if p.transformer != nil && p.transformer.Enabled() {
		transformed, err := p.transformer.Transform(ev.Table, ev.Row)
		switch {
		case errors.Is(err, transform.ErrRecordDropped):
			// Dropped records are marked dispatched so neither path
			// retries them.
			return p.record(ctx, ev.Table, hash, ledger.OutcomeDispatched)
		case err != nil:
			p.logger.Warnf("Transform failed for %s, dispatching untransformed record: %v", ev.Table, err)
		default:
			record = transformed
		}
	}

	if err := p.dispatchWithRetry(ctx, ev.Table, record, ev.Source); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown interrupted the retries before they were
			// exhausted. Give the claim back so a later pass can
			// deliver the record; no permanent-failure alert.
			if relErr := p.ledger.Release(context.WithoutCancel(ctx), ev.Table, hash); relErr != nil {
				p.logger.Errorf("Failed to release interrupted claim for %s: %v", ev.Table, relErr)
			}
			return fmt.Errorf("dispatch interrupted for %s: %w", ev.Table, err)
		}
		p.logger.Errorf("Dispatch permanently failed for %s (hash %.12s...): %v", ev.Table, hash, err)
		p.alerter.Alert(models.Alert{
			Kind:    models.AlertDispatchFailure,
			Table:   ev.Table,
			Message: fmt.Sprintf("Giving up on record after %d dispatch attempts", p.maxAttempts),
			Detail:  err.Error(),
		})
		return p.record(ctx, ev.Table, hash, ledger.OutcomeFailed)
	}

	p.logger.Infof("Dispatched new record for %s (via %s)", ev.Table, ev.Source)
	return p.record(ctx, ev.Table, hash, ledger.OutcomeDispatched)
}

func (p *Pipeline) dispatchWithRetry(ctx context.Context, table string, record map[string]interface{}, via models.Source) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.dispatcher.Dispatch(table, record, via)
		if lastErr == nil {
			return nil
		}
		p.logger.Warnf("Dispatch attempt %d/%d for %s failed: %v", attempt, p.maxAttempts, table, lastErr)
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.retryBackoff * time.Duration(attempt)):
		}
	}
	return lastErr
}

func (p *Pipeline) record(ctx context.Context, table, hash string, outcome ledger.Outcome) error {
	if err := p.ledger.Record(ctx, table, hash, outcome); err != nil {
		return fmt.Errorf("ledger record for %s: %w", table, err)
	}
	return nil
}
