package intentcache_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mediator/internal/domain"
	"mediator/internal/intentcache"
)

func pending(fingerprint string, offeredFee float64) *domain.Intent {
	return &domain.Intent{
		Fingerprint: fingerprint,
		Prose:       "a valid prose statement",
		OfferedFee:  offeredFee,
		Status:      domain.IntentPending,
	}
}

func TestReconcileUpsertsAndSnapshotPreservesOrder(t *testing.T) {
	c := intentcache.New(0)
	c.Reconcile([]*domain.Intent{pending("a", 0), pending("b", 0)})
	dropped := c.Reconcile([]*domain.Intent{pending("a", 5), pending("c", 0)})

	require.Equal(t, []string{"b"}, dropped)

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].Fingerprint)
	require.Equal(t, 5.0, snap[0].OfferedFee)
	require.Equal(t, "c", snap[1].Fingerprint)
}

func TestReconcileDropsIntentsThatLeavePendingStatus(t *testing.T) {
	c := intentcache.New(0)
	c.Reconcile([]*domain.Intent{pending("a", 0), pending("b", 0)})

	accepted := pending("a", 0)
	accepted.Status = domain.IntentAccepted
	dropped := c.Reconcile([]*domain.Intent{accepted, pending("b", 0)})

	require.Equal(t, []string{"a"}, dropped)
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Len(t, c.Snapshot(), 1)
}

func TestReconcileDropsOversizeProseAsUnalignable(t *testing.T) {
	c := intentcache.New(0)
	oversize := &domain.Intent{
		Fingerprint: "a",
		Prose:       string(make([]byte, domain.MaxProseChars+1)),
		Status:      domain.IntentPending,
	}
	c.Reconcile([]*domain.Intent{oversize})

	require.Equal(t, domain.IntentUnalignable, oversize.Status)
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestRemoveDropsFromSnapshot(t *testing.T) {
	c := intentcache.New(0)
	c.Reconcile([]*domain.Intent{pending("a", 0), pending("b", 0)})
	c.Remove("a")

	_, ok := c.Get("a")
	require.False(t, ok)
	require.Len(t, c.Snapshot(), 1)
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	c := intentcache.New(2)
	c.Reconcile([]*domain.Intent{pending("a", 0), pending("b", 0), pending("c", 0)})

	require.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("c")
	require.True(t, ok)
}
