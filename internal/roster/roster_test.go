package roster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sharewatch/internal/models"
)

type fakeFetcher struct {
	pages map[int][]models.RosterEntry
	err   error
	calls int
}

func (f *fakeFetcher) FetchPage(_ context.Context, start, _ int) ([]models.RosterEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[start], nil
}

func TestCacheReloadPaginates(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[int][]models.RosterEntry{
			0: {{Email: "alice@x", DeviceLimit: 2}, {Email: "bob@y", DeviceLimit: 3}},
			2: {},
		},
	}
	cache := New(fetcher, time.Minute, 2, nil)
	cache.SyncNow(context.Background())

	entry, ok := cache.Get("alice@x")
	require.True(t, ok)
	require.Equal(t, 2, entry.DeviceLimit)

	stats := cache.Stats()
	require.True(t, stats.Loaded)
	require.Equal(t, 2, stats.Users)
}

func TestCacheRetainsLastGoodSnapshotOnFailure(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[int][]models.RosterEntry{
			0: {{Email: "alice@x", DeviceLimit: 2}},
		},
	}
	cache := New(fetcher, time.Minute, 10, nil)
	cache.SyncNow(context.Background())
	require.True(t, cache.Stats().Loaded)

	fetcher.err = errors.New("connection refused")
	cache.SyncNow(context.Background())

	stats := cache.Stats()
	require.True(t, stats.Loaded, "last good snapshot must be retained")
	require.NotEmpty(t, stats.LastError)

	entry, ok := cache.Get("alice@x")
	require.True(t, ok)
	require.Equal(t, 2, entry.DeviceLimit)
}

func TestCacheAppliesWhitelist(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[int][]models.RosterEntry{
			0: {{Email: "alice@x", DeviceLimit: 2}},
		},
	}
	cache := New(fetcher, time.Minute, 10, map[string]bool{"alice@x": true})
	cache.SyncNow(context.Background())

	entry, ok := cache.Get("alice@x")
	require.True(t, ok)
	require.True(t, entry.Whitelisted)
}

func TestDisabledCacheNeverEnables(t *testing.T) {
	cache := New(nil, time.Minute, 10, nil)
	require.False(t, cache.Enabled())
	_, ok := cache.Get("anyone@x")
	require.False(t, ok)
}

func TestCacheKeepsEntryStaleForOneMissedPullThenEvicts(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[int][]models.RosterEntry{
			0: {{Email: "alice@x", DeviceLimit: 2}},
		},
	}
	cache := New(fetcher, time.Minute, 10, nil)
	cache.SyncNow(context.Background())

	_, ok := cache.Get("alice@x")
	require.True(t, ok, "present after first pull")

	// alice missing from this pull: must survive as stale, not be deleted yet.
	fetcher.pages[0] = nil
	cache.SyncNow(context.Background())
	entry, ok := cache.Get("alice@x")
	require.True(t, ok, "must survive a single missed pull per spec.md §3 Lifecycle")
	require.Equal(t, 2, entry.DeviceLimit)

	// missing a second consecutive successful pull: now evicted.
	cache.SyncNow(context.Background())
	_, ok = cache.Get("alice@x")
	require.False(t, ok, "must be evicted after two consecutive missed pulls")
}

func TestCacheClearsMissCounterOnReappearance(t *testing.T) {
	fetcher := &fakeFetcher{
		pages: map[int][]models.RosterEntry{
			0: {{Email: "alice@x", DeviceLimit: 2}},
		},
	}
	cache := New(fetcher, time.Minute, 10, nil)
	cache.SyncNow(context.Background())

	fetcher.pages[0] = nil
	cache.SyncNow(context.Background()) // one miss

	fetcher.pages[0] = []models.RosterEntry{{Email: "alice@x", DeviceLimit: 5}}
	cache.SyncNow(context.Background()) // reappears, miss counter resets

	fetcher.pages[0] = nil
	cache.SyncNow(context.Background()) // one fresh miss, should not evict yet

	entry, ok := cache.Get("alice@x")
	require.True(t, ok, "miss counter must reset on reappearance, not accumulate across gaps")
	require.Equal(t, 5, entry.DeviceLimit)
}
