package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twshwa/rarf/infrastructure/state"
)

func TestStore_BeginWinsFirstCallerLeasesSecondBlocksUntilResolved(t *testing.T) {
	s, err := New(Config{LeaseDuration: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	rec1, won1, err := s.Begin(ctx, "k1")
	require.NoError(t, err)
	require.True(t, won1)
	require.NotNil(t, rec1)

	done := make(chan *Record, 1)
	go func() {
		rec, won, err := s.Begin(ctx, "k1")
		assert.NoError(t, err)
		assert.False(t, won, "second Begin should not win the lease")
		done <- rec
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second Begin should still be blocked on the pending lease")
	default:
	}

	require.NoError(t, s.Complete(ctx, "k1", json.RawMessage(`{"ok":true}`)))

	rec2 := <-done
	assert.Equal(t, StatusCompleted, rec2.Status)
}

func TestStore_ExpiredLeaseIsReclaimable(t *testing.T) {
	s, err := New(Config{LeaseDuration: 5 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	_, won1, _ := s.Begin(ctx, "k1")
	require.True(t, won1)
	time.Sleep(20 * time.Millisecond)

	_, won2, err := s.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, won2, "expected second Begin to reclaim the expired lease")
}

func TestStore_CompletedKeyShortCircuitsBegin(t *testing.T) {
	s, err := New(Config{})
	require.NoError(t, err)
	ctx := context.Background()

	s.Begin(ctx, "k1")
	require.NoError(t, s.Complete(ctx, "k1", json.RawMessage(`"done"`)))

	rec, won, err := s.Begin(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, won, "Begin on a completed key should not re-win the lease")
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestStore_AwaitCompletionReturnsFalseForUnknownKey(t *testing.T) {
	s, _ := New(Config{})
	_, found, err := s.AwaitCompletion(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_PersistsToBackendAndSurvivesNewStore(t *testing.T) {
	backend := state.NewMemoryBackend(0)
	s1, err := New(Config{Backend: backend})
	require.NoError(t, err)
	ctx := context.Background()

	s1.Begin(ctx, "k1")
	require.NoError(t, s1.Fail(ctx, "k1", "boom"))

	s2, err := New(Config{Backend: backend})
	require.NoError(t, err)
	rec, found, err := s2.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "boom", rec.Error)
}

func TestStore_ConcurrentBeginsOnlyOneWins(t *testing.T) {
	s, err := New(Config{LeaseDuration: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, won, _ := s.tryBeginOnce(ctx)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count, "expected exactly 1 winner among concurrent Begins on the same key")
}

func TestStore_TwoInstancesSharingBackendOnlyOneWinsLease(t *testing.T) {
	backend := state.NewMemoryBackend(0)
	s1, err := New(Config{Backend: backend, LeaseDuration: time.Minute})
	require.NoError(t, err)
	s2, err := New(Config{Backend: backend, LeaseDuration: time.Minute})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan bool, 2)
	for _, s := range []*Store{s1, s2} {
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			// tryBegin directly: Begin itself would block the loser on the
			// winner's wait channel, which nothing in this test resolves.
			_, won, _, err := s.tryBegin("shared")
			assert.NoError(t, err)
			wins <- won
		}(s)
	}
	wg.Wait()
	close(wins)

	count := 0
	for w := range wins {
		if w {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one of two Store instances sharing a backend should win the lease")
}

// tryBeginOnce calls the unexported tryBegin directly with a fixed key so
// the concurrency test above doesn't need a live lease-wait loop for
// losers (they should fail to win immediately, not block forever on a
// lease that's never resolved).
func (s *Store) tryBeginOnce(ctx context.Context) (*Record, bool, error) {
	rec, won, _, err := s.tryBegin("shared-key")
	return rec, won, err
}
