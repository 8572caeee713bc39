package keymanager

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquirePaidKey_ReleaseOnEveryPath(t *testing.T) {
	m := newTestManager(t, []string{"F"}, []string{"X", "Y"}, 3)

	handle := func(fail bool) (err error) {
		lease, ok := m.AcquirePaidKey("req-1")
		require.True(t, ok)
		defer lease.Release()

		require.Equal(t, 1, m.AffinityLen())
		if fail {
			return errors.New("upstream failed")
		}
		return nil
	}

	require.NoError(t, handle(false))
	require.Equal(t, 0, m.AffinityLen())
	require.Error(t, handle(true))
	require.Equal(t, 0, m.AffinityLen())
}

func TestAcquirePaidKey_GeneratesRequestID(t *testing.T) {
	m := newTestManager(t, []string{"F"}, []string{"X", "Y"}, 3)

	a, ok := m.AcquirePaidKey("")
	require.True(t, ok)
	b, ok := m.AcquirePaidKey("")
	require.True(t, ok)

	require.NotEmpty(t, a.RequestID())
	require.NotEqual(t, a.RequestID(), b.RequestID())
	require.Equal(t, "X", a.Key())
	require.Equal(t, "Y", b.Key())

	k, _ := m.GetPaidKey(a.RequestID())
	require.Equal(t, a.Key(), k)

	a.Release()
	b.Release()
	require.Equal(t, 0, m.AffinityLen())
}

func TestAcquirePaidKey_NoPaidTier(t *testing.T) {
	m := newTestManager(t, []string{"F"}, nil, 3)

	lease, ok := m.AcquirePaidKey("req-1")
	require.False(t, ok)
	require.Nil(t, lease)
	require.NotPanics(t, lease.Release)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, []string{"F"}, []string{"X", "Y"}, 3)

	lease, _ := m.AcquirePaidKey("req-1")
	lease.Release()

	// the id is reused by a new request; the stale lease must not unpin it
	other, _ := m.AcquirePaidKey("req-1")
	lease.Release()
	require.Equal(t, 1, m.AffinityLen())

	other.Release()
	require.Equal(t, 0, m.AffinityLen())
}

func TestLease_FailMovesToReplacement(t *testing.T) {
	m := newTestManager(t, []string{"F"}, []string{"X", "Y", "Z"}, 1)

	lease, _ := m.AcquirePaidKey("req-1")
	defer lease.Release()
	require.Equal(t, "X", lease.Key())

	next := lease.Fail()
	require.Equal(t, "Y", next)
	require.Equal(t, "Y", lease.Key())

	k, _ := m.GetPaidKey("req-1")
	require.Equal(t, "Y", k)
}
