package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAcquireOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	won, err := m.Acquire(ctx, "approved", "h1")
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.Acquire(ctx, "approved", "h1")
	require.NoError(t, err)
	assert.False(t, won)

	// Same hash on a different table is a distinct pair
	won, err = m.Acquire(ctx, "depot_manager", "h1")
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMemoryAcquireConcurrent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	const callers = 100
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := m.Acquire(ctx, "approved", "race-hash")
			assert.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestMemorySeenOnlyAfterDispatched(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	seen, err := m.Seen(ctx, "approved", "h1")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = m.Acquire(ctx, "approved", "h1")
	require.NoError(t, err)
	seen, _ = m.Seen(ctx, "approved", "h1")
	assert.False(t, seen, "pending entry is not seen")

	require.NoError(t, m.Record(ctx, "approved", "h1", OutcomeFailed))
	seen, _ = m.Seen(ctx, "approved", "h1")
	assert.False(t, seen, "failed dispatch is not seen")

	require.NoError(t, m.Record(ctx, "approved", "h1", OutcomeDispatched))
	seen, _ = m.Seen(ctx, "approved", "h1")
	assert.True(t, seen)
}

func TestMemoryRecordCreatesEntryIfAbsent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, "approved", "h2", OutcomeDispatched))
	seen, err := m.Seen(ctx, "approved", "h2")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 1, m.Len())
}

func TestMemoryReleaseGivesBackPendingClaim(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Acquire(ctx, "approved", "h1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "approved", "h1"))
	assert.Equal(t, 0, m.Len())

	won, err := m.Acquire(ctx, "approved", "h1")
	require.NoError(t, err)
	assert.True(t, won, "a released pair can be claimed again")

	// Release is a no-op once an outcome is recorded
	require.NoError(t, m.Record(ctx, "approved", "h1", OutcomeDispatched))
	require.NoError(t, m.Release(ctx, "approved", "h1"))
	seen, err := m.Seen(ctx, "approved", "h1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryEvictOlderThan(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now.Add(-72 * time.Hour) }
	_, err := m.Acquire(ctx, "approved", "old")
	require.NoError(t, err)

	m.now = func() time.Time { return now }
	_, err = m.Acquire(ctx, "approved", "fresh")
	require.NoError(t, err)

	evicted, err := m.EvictOlderThan(ctx, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, evicted)
	assert.Equal(t, 1, m.Len())

	// The evicted pair can be acquired again; re-notification after the
	// retention window is an accepted trade-off.
	won, err := m.Acquire(ctx, "approved", "old")
	require.NoError(t, err)
	assert.True(t, won)
}
