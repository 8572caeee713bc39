package keymanager

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestManager(t *testing.T, free []string, paid []string, maxFailures int) *Manager {
	t.Helper()
	m, err := New(Config{FreeKeys: free, PaidKeys: paid, MaxFailures: maxFailures})
	require.NoError(t, err)
	return m
}

func TestNew_RejectsEmptyFreeKeys(t *testing.T) {
	_, err := New(Config{MaxFailures: 3})
	require.ErrorIs(t, err, ErrNoFreeKeys)

	_, err = New(Config{FreeKeys: []string{" ", ""}, MaxFailures: 3})
	require.ErrorIs(t, err, ErrNoFreeKeys)
}

func TestNew_RejectsNonPositiveMaxFailures(t *testing.T) {
	_, err := New(Config{FreeKeys: []string{"A"}, MaxFailures: 0})
	require.ErrorIs(t, err, ErrInvalidMaxFailures)
}

func TestNew_DropsDuplicateKeys(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	m, err := New(Config{
		FreeKeys:    []string{"A", "B", "A", " C "},
		MaxFailures: 1,
		Logger:      zap.New(core),
	})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, m.NextFreeKey())
	}
	require.Equal(t, []string{"A", "B", "C"}, got)
	require.Equal(t, 1, logs.FilterMessage("ignored blank or duplicate free keys").Len())
}

func TestManager_FreeRoundRobinFairness(t *testing.T) {
	keys := []string{"A", "B", "C", "D"}
	m := newTestManager(t, keys, nil, 3)

	var got []string
	for range keys {
		got = append(got, m.NextFreeKey())
	}
	require.Equal(t, keys, got)
	require.Equal(t, "A", m.NextFreeKey(), "the N+1th call repeats the first key")
}

func TestManager_FreeFailureSkipping(t *testing.T) {
	m := newTestManager(t, []string{"A", "B", "C"}, nil, 2)

	require.Equal(t, "A", m.NextFreeKey())
	require.Equal(t, "B", m.HandleFreeKeyFailure("A"))
	require.Equal(t, "C", m.HandleFreeKeyFailure("A"))
	require.False(t, m.IsKeyValid("A"))
	require.Equal(t, 2, m.FreeFailCount("A"))

	// cursor is back on A, which is skipped
	require.Equal(t, "B", m.NextFreeKey())
	require.Equal(t, "C", m.NextFreeKey())
	require.Equal(t, "B", m.NextFreeKey())

	m.ResetFailureCounts()
	require.True(t, m.IsKeyValid("A"))
	require.Equal(t, "C", m.NextFreeKey())
	require.Equal(t, "A", m.NextFreeKey())
}

func TestManager_FreeExhaustionDegrades(t *testing.T) {
	m := newTestManager(t, []string{"A", "B", "C"}, nil, 1)
	for _, k := range []string{"A", "B", "C"} {
		m.HandleFreeKeyFailure(k)
	}

	for i := 0; i < 9; i++ {
		require.Contains(t, []string{"A", "B", "C"}, m.NextFreeKey())
	}
	st := m.Status()
	require.Empty(t, st.Usable)
	require.Equal(t, map[string]int{"A": 1, "B": 1, "C": 1}, st.Exhausted)
	require.True(t, m.Snapshot().FreeExhausted)
}

func TestManager_UnknownKeyReadsArePermissive(t *testing.T) {
	m := newTestManager(t, []string{"A"}, []string{"P"}, 1)
	require.True(t, m.IsKeyValid("override"))
	require.Equal(t, 0, m.FreeFailCount("override"))
	require.Equal(t, 0, m.PaidFailCount("override"))
}

func TestManager_IsKeyValidChecksPaidPool(t *testing.T) {
	m := newTestManager(t, []string{"A"}, []string{"P1", "P2"}, 1)
	m.HandlePaidKeyFailure("", "P1")

	require.False(t, m.IsKeyValid("P1"))
	require.True(t, m.IsKeyValid("P2"))
	require.True(t, m.IsKeyValid("A"))
}

func TestManager_ConcurrentNextFreeKeyIsFair(t *testing.T) {
	keys := []string{"A", "B", "C", "D"}
	m := newTestManager(t, keys, nil, 3)

	const callers, perCaller = 200, 300
	var (
		mu     sync.Mutex
		counts = make(map[string]int)
		wg     sync.WaitGroup
	)
	wg.Add(callers)
	for c := 0; c < callers; c++ {
		go func() {
			defer wg.Done()
			local := make(map[string]int, len(keys))
			for i := 0; i < perCaller; i++ {
				local[m.NextFreeKey()]++
			}
			mu.Lock()
			for k, v := range local {
				counts[k] += v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	total := 0
	for _, k := range keys {
		require.InDelta(t, callers*perCaller/len(keys), counts[k], 1, "key %s", k)
		total += counts[k]
	}
	require.Equal(t, callers*perCaller, total)
}

func TestManager_SnapshotIncludesBothPools(t *testing.T) {
	m := newTestManager(t, []string{"A", "B"}, []string{"P1", "P2"}, 2)
	m.HandleFreeKeyFailure("A")
	m.HandlePaidKeyFailure("", "P2")
	m.HandlePaidKeyFailure("", "P2")
	_, _ = m.GetPaidKey("req")

	s := m.Snapshot()
	require.Equal(t, map[string]int{"A": 1, "B": 0}, s.Free.Usable)
	require.Equal(t, map[string]int{"P2": 2}, s.Paid.Exhausted)
	require.Equal(t, 1, s.AffinityEntries)
	require.Equal(t, 2, s.MaxFailures)
	require.False(t, s.FreeExhausted)
	require.False(t, s.PaidExhausted)
	require.False(t, s.TakenAt.IsZero())
}
