package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot-notify/internal/ledger"
	"depot-notify/internal/models"
	"depot-notify/internal/pipeline"
	"depot-notify/internal/transform"
	"depot-notify/internal/validate"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeFetcher struct {
	mu     sync.Mutex
	rows   map[string][]map[string]interface{}
	err    error
	calls  int
	limits []int
}

func (f *fakeFetcher) Recent(_ context.Context, table string, limit int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	rows := f.rows[table]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *countingDispatcher) Dispatch(table string, record map[string]interface{}, _ models.Source) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hash, _ := record["record_hash"].(string)
	d.calls = append(d.calls, table+":"+hash)
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type captureAlerter struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (a *captureAlerter) Alert(alert models.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *captureAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func hashOf(i int) string {
	return strings.Repeat(fmt.Sprintf("%x", i%16), 64)
}

func tableRows(n int) []map[string]interface{} {
	rows := make([]map[string]interface{}, 0, n)
	// Newest first, matching the fetcher's ordering contract
	for i := n - 1; i >= 0; i-- {
		rows = append(rows, map[string]interface{}{
			"id":          int64(i),
			"created_at":  "2024-05-01T10:00:00Z",
			"record_hash": hashOf(i),
		})
	}
	return rows
}

func newTestSetup(t *testing.T, fetcher Fetcher, states StateFn) (*Reconciler, *countingDispatcher, *captureAlerter, *ledger.Memory) {
	t.Helper()
	d := &countingDispatcher{}
	a := &captureAlerter{}
	led := ledger.NewMemory()
	v := validate.New([]string{"approved"}, "record_hash", 64, []string{"id", "created_at"}, testLogger())
	tr, err := transform.New("", testLogger())
	require.NoError(t, err)
	pipe := pipeline.New(v, led, tr, d, a, 3, time.Millisecond, testLogger())

	r := New(Config{
		Tables:           []string{"approved"},
		Interval:         time.Minute,
		PageSize:         10,
		FailureThreshold: 3,
	}, fetcher, pipe, a, states, testLogger())
	return r, d, a, led
}

func TestRunOnceDispatchesOnlyNovelRows(t *testing.T) {
	fetcher := &fakeFetcher{rows: map[string][]map[string]interface{}{"approved": tableRows(5)}}
	r, d, _, led := newTestSetup(t, fetcher, nil)
	ctx := context.Background()

	// 3 of the 5 hashes already dispatched
	for i := 0; i < 3; i++ {
		_, err := led.Acquire(ctx, "approved", hashOf(i))
		require.NoError(t, err)
		require.NoError(t, led.Record(ctx, "approved", hashOf(i), ledger.OutcomeDispatched))
	}

	require.NoError(t, r.RunOnce(ctx, "approved"))
	assert.Equal(t, 2, d.count())
}

func TestRunOnceIsIdempotent(t *testing.T) {
	fetcher := &fakeFetcher{rows: map[string][]map[string]interface{}{"approved": tableRows(5)}}
	r, d, _, _ := newTestSetup(t, fetcher, nil)
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx, "approved"))
	assert.Equal(t, 5, d.count())

	require.NoError(t, r.RunOnce(ctx, "approved"))
	assert.Equal(t, 5, d.count(), "second pass over unchanged table must dispatch nothing")
}

func TestRunOnceWidensWindowWhileDegraded(t *testing.T) {
	fetcher := &fakeFetcher{rows: map[string][]map[string]interface{}{"approved": nil}}
	state := models.StateConnected
	r, _, _, _ := newTestSetup(t, fetcher, func(string) models.SubscriptionState { return state })
	ctx := context.Background()

	require.NoError(t, r.RunOnce(ctx, "approved"))
	state = models.StateDegraded
	require.NoError(t, r.RunOnce(ctx, "approved"))
	state = models.StateReconnecting
	require.NoError(t, r.RunOnce(ctx, "approved"))
	state = models.StateFailed
	require.NoError(t, r.RunOnce(ctx, "approved"))

	// Normal, widened, widened, normal again for failed
	assert.Equal(t, []int{10, 30, 30, 10}, fetcher.limits)
}

func TestConsecutiveFetchFailuresAlertOnce(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	r, _, a, _ := newTestSetup(t, fetcher, nil)

	for i := 0; i < 6; i++ {
		r.tick("approved")
		r.wg.Wait()
	}
	assert.Equal(t, 1, a.count(), "alert fires once at the threshold, not per tick")

	// Recovery resets the failure streak and re-arms the alert
	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.mu.Unlock()
	r.tick("approved")
	r.wg.Wait()

	fetcher.mu.Lock()
	fetcher.err = errors.New("connection refused")
	fetcher.mu.Unlock()
	for i := 0; i < 3; i++ {
		r.tick("approved")
		r.wg.Wait()
	}
	assert.Equal(t, 2, a.count())
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	fetcher := &fakeFetcher{rows: map[string][]map[string]interface{}{"approved": nil}}
	r, _, _, _ := newTestSetup(t, fetcher, nil)

	r.mu.Lock()
	r.inFlight["approved"] = true
	r.mu.Unlock()

	r.tick("approved")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, fetcher.callCount())

	r.mu.Lock()
	r.inFlight["approved"] = false
	r.mu.Unlock()

	r.tick("approved")
	r.wg.Wait()
	assert.Equal(t, 1, fetcher.callCount())
}

// slowFetcher honors context cancellation while simulating a fetch that
// outlasts the shutdown signal.
type slowFetcher struct {
	mu        sync.Mutex
	delay     time.Duration
	rows      []map[string]interface{}
	calls     int
	cancelled int
}

func (f *slowFetcher) Recent(ctx context.Context, _ string, _ int) ([]map[string]interface{}, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		f.mu.Lock()
		f.cancelled++
		f.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(f.delay):
		return f.rows, nil
	}
}

func (f *slowFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *slowFetcher) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func TestShutdownGraceLetsInFlightPassFinish(t *testing.T) {
	fetcher := &slowFetcher{delay: 50 * time.Millisecond, rows: tableRows(1)}
	r, d, _, _ := newTestSetup(t, fetcher, nil)
	r.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)

	require.Eventually(t, func() bool { return fetcher.callCount() > 0 }, time.Second, time.Millisecond)
	cancel()
	r.Wait(2 * time.Second)

	assert.Equal(t, 1, d.count(), "the pass in flight at shutdown finishes inside the grace")
	assert.Equal(t, 0, fetcher.cancelCount())
}

func TestWaitCancelsPassAfterGraceExpires(t *testing.T) {
	fetcher := &slowFetcher{delay: time.Hour}
	r, d, _, _ := newTestSetup(t, fetcher, nil)

	r.tick("approved")
	require.Eventually(t, func() bool { return fetcher.callCount() > 0 }, time.Second, time.Millisecond)

	start := time.Now()
	r.Wait(30 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second, "Wait must return once the grace expires")

	require.Eventually(t, func() bool { return fetcher.cancelCount() > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, d.count())
}
