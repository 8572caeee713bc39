package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/abdhe/llm-key-manager/pkg/metrics"
)

func TestKeyPool_NextWorkingRoundRobin(t *testing.T) {
	kp := NewKeyPool("t-rr", []string{"A", "B", "C"}, 3)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, kp.NextWorking())
	}
	require.Equal(t, []string{"A", "B", "C", "A"}, got)
}

func TestKeyPool_SkipsKeysAtThreshold(t *testing.T) {
	kp := NewKeyPool("t-skip", []string{"A", "B", "C"}, 2)
	kp.failures.Inc("A")
	kp.failures.Inc("A")

	require.False(t, kp.IsValid("A"))
	require.Equal(t, "B", kp.NextWorking())
	require.Equal(t, "C", kp.NextWorking())
	require.Equal(t, "B", kp.NextWorking(), "A must be skipped while over threshold")

	kp.ResetFailureCounts()
	require.True(t, kp.IsValid("A"))
	require.Equal(t, "C", kp.NextWorking())
	require.Equal(t, "A", kp.NextWorking())
}

func TestKeyPool_BelowThresholdStillUsable(t *testing.T) {
	kp := NewKeyPool("t-below", []string{"A", "B"}, 2)
	kp.failures.Inc("A")

	require.True(t, kp.IsValid("A"))
	require.Equal(t, "A", kp.NextWorking())
}

func TestKeyPool_ExhaustedPoolDegrades(t *testing.T) {
	kp := NewKeyPool("t-exhausted", []string{"A", "B", "C"}, 1)
	for _, k := range []string{"A", "B", "C"} {
		kp.failures.Inc(k)
	}
	before := testutil.ToFloat64(metrics.ExhaustedSelectionsTotal.WithLabelValues("t-exhausted"))

	for i := 0; i < 10; i++ {
		require.Contains(t, []string{"A", "B", "C"}, kp.NextWorking())
	}
	require.True(t, kp.Exhausted())
	require.Equal(t, 1, kp.FailCount("A"), "exhaustion must not reset counts")

	after := testutil.ToFloat64(metrics.ExhaustedSelectionsTotal.WithLabelValues("t-exhausted"))
	require.Equal(t, float64(10), after-before)
}

func TestKeyPool_ExhaustedSingleKey(t *testing.T) {
	kp := NewKeyPool("t-single", []string{"only"}, 1)
	kp.failures.Inc("only")
	require.Equal(t, "only", kp.NextWorking())
}

func TestKeyPool_ExhaustedTerminatesUnderContention(t *testing.T) {
	kp := NewKeyPool("t-contention", []string{"A", "B", "C", "D"}, 1)
	for _, k := range kp.Keys() {
		kp.failures.Inc(k)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 64; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					kp.NextWorking()
				}
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("NextWorking did not terminate on an exhausted pool")
	}
}

func TestKeyPool_HandleFailureReturnsReplacement(t *testing.T) {
	kp := NewKeyPool("t-replace", []string{"A", "B", "C"}, 1)

	first := kp.NextWorking()
	require.Equal(t, "A", first)

	next := kp.HandleFailure(first)
	require.Equal(t, "B", next)
	require.Equal(t, 1, kp.FailCount("A"))

	// cursor now at C; A is skipped on wrap-around
	require.Equal(t, "C", kp.NextWorking())
	require.Equal(t, "B", kp.NextWorking())
}

func TestKeyPool_HandleFailureLogsThresholdOnce(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	kp := NewKeyPool("t-log", []string{"sk-aaaaaaaaaaaa", "sk-bbbbbbbbbbbb"}, 2, WithLogger(zap.New(core)))

	for i := 0; i < 5; i++ {
		kp.HandleFailure("sk-aaaaaaaaaaaa")
	}

	require.Equal(t, 5, kp.FailCount("sk-aaaaaaaaaaaa"), "counts keep growing past the threshold")
	crossings := logs.FilterMessage("key reached failure threshold").All()
	require.Len(t, crossings, 1)
	require.Equal(t, "sk-a...aaaa", crossings[0].ContextMap()["key"])
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.ExhaustedKeys.WithLabelValues("t-log")))
}

func TestKeyPool_UnknownKeyIsPermissive(t *testing.T) {
	kp := NewKeyPool("t-unknown", []string{"A"}, 1)

	require.True(t, kp.IsValid("stranger"))
	require.Equal(t, 0, kp.FailCount("stranger"))

	require.Equal(t, "A", kp.HandleFailure("stranger"))
	require.Equal(t, 0, kp.FailCount("stranger"))
	require.True(t, kp.IsValid("A"))
}

func TestKeyPool_KeysByStatus(t *testing.T) {
	kp := NewKeyPool("t-status", []string{"A", "B", "C"}, 2)
	kp.HandleFailure("A")
	kp.HandleFailure("B")
	kp.HandleFailure("B")
	kp.HandleFailure("B")

	st := kp.KeysByStatus()
	require.Equal(t, map[string]int{"A": 1, "C": 0}, st.Usable)
	require.Equal(t, map[string]int{"B": 3}, st.Exhausted)
	require.False(t, kp.Exhausted())
}

func TestKeyPool_ExhaustionWarningIsRateLimited(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	kp := NewKeyPool("t-ratelimited", []string{"A", "B"}, 1,
		WithLogger(zap.New(core)),
		WithExhaustionLogInterval(time.Hour),
	)
	kp.failures.Inc("A")
	kp.failures.Inc("B")

	for i := 0; i < 20; i++ {
		kp.NextWorking()
	}
	require.Equal(t, 1, logs.FilterMessage("all keys over failure threshold, using best-effort key").Len())
}

func TestKeyPool_Empty(t *testing.T) {
	kp := NewKeyPool("t-empty", nil, 1)
	require.Equal(t, "", kp.NextWorking())
	require.False(t, kp.Exhausted())
	_, ok := kp.Next()
	require.False(t, ok)
}
