package presence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(recs ...Record) *memStore {
	s := newMemStore()
	for _, r := range recs {
		s.records[r.UserID] = r
	}
	return s
}

func TestCache_ReloadAndLookup(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := seededStore(
		Record{UserID: "a", Status: StatusOnline, LastSeenAt: now},
		Record{UserID: "b", Status: StatusAway, LastSeenAt: now},
	)
	c := NewCache(store, nil)

	var reloaded atomic.Int32
	c.OnReload(func() { reloaded.Add(1) })

	require.NoError(t, c.Reload(context.Background()))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int32(1), reloaded.Load())

	rec, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, StatusAway, rec.Status)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_ReloadError(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("boom")

	err := NewCache(store, nil).Reload(context.Background())
	assert.ErrorContains(t, err, "load presence")
}

func TestCache_SnapshotIsACopy(t *testing.T) {
	c := NewCache(newMemStore(), nil)
	c.Apply(Event{Type: EventInsert, Record: Record{UserID: "a", Status: StatusOnline}})

	snap := c.Snapshot()
	delete(snap, "a")

	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestCache_ApplyEvents(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	c := NewCache(newMemStore(), nil)

	var changes []Event
	c.OnChange(func(ev Event) { changes = append(changes, ev) })

	assert.True(t, c.Apply(Event{Type: EventInsert, Record: Record{UserID: "a", Status: StatusOnline, LastSeenAt: now}}))
	assert.True(t, c.Apply(Event{Type: EventUpdate, Record: Record{UserID: "a", Status: StatusAway, LastSeenAt: now.Add(time.Second)}}))

	rec, _ := c.Get("a")
	assert.Equal(t, StatusAway, rec.Status)

	assert.True(t, c.Apply(Event{Type: EventDelete, Record: Record{UserID: "a"}}))
	_, ok := c.Get("a")
	assert.False(t, ok)

	assert.False(t, c.Apply(Event{Type: EventDelete, Record: Record{UserID: "a"}}))
	assert.False(t, c.Apply(Event{Type: EventUpdate}))
	assert.Len(t, changes, 3)
}

func TestCache_StaleUpdateDoesNotRegress(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	c := NewCache(newMemStore(), nil)

	c.Apply(Event{Type: EventUpdate, Record: Record{UserID: "a", Status: StatusOnline, LastSeenAt: now}})
	assert.False(t, c.Apply(Event{Type: EventUpdate, Record: Record{UserID: "a", Status: StatusOffline, LastSeenAt: now.Add(-time.Minute)}}))

	rec, _ := c.Get("a")
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, now, rec.LastSeenAt)
}

func TestCache_ReloadKeepsFresherEventRows(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := seededStore(
		Record{UserID: "a", Status: StatusAway, LastSeenAt: now},
		Record{UserID: "b", Status: StatusOnline, LastSeenAt: now},
	)
	c := NewCache(store, nil)
	c.Apply(Event{Type: EventUpdate, Record: Record{UserID: "a", Status: StatusOnline, LastSeenAt: now.Add(time.Minute)}})
	c.Apply(Event{Type: EventUpdate, Record: Record{UserID: "gone", Status: StatusOnline, LastSeenAt: now}})

	require.NoError(t, c.Reload(context.Background()))

	rec, _ := c.Get("a")
	assert.Equal(t, StatusOnline, rec.Status)
	_, ok := c.Get("gone")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_RunResubscribesAndReloads(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := seededStore(Record{UserID: "a", Status: StatusOnline, LastSeenAt: now})

	var mu sync.Mutex
	watches := 0
	store.watch = func(ctx context.Context, fn func(Event)) error {
		mu.Lock()
		watches++
		n := watches
		mu.Unlock()

		if n == 1 {
			return errors.New("channel closed")
		}
		fn(Event{Type: EventInsert, Record: Record{UserID: "b", Status: StatusOnline, LastSeenAt: now}})
		<-ctx.Done()
		return ctx.Err()
	}

	c := NewCache(store, nil)
	c.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool { return c.Len() == 2 }, waitFor, tick)
	assert.Equal(t, 2, store.Loads())

	cancel()
	<-done
	assert.Zero(t, c.Len())
}

func TestCache_ServesTrackerReloads(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := seededStore(Record{UserID: "a", Status: StatusAway, LastSeenAt: now})

	var r Reloader = NewCache(store, nil)
	require.NoError(t, r.Reload(context.Background()))
	assert.Equal(t, 1, store.Loads())
}

func gatedStore(recs ...Record) *memStore {
	s := seededStore(recs...)
	s.loadGate = make(chan struct{})
	s.loadStarted = make(chan struct{}, 1)
	return s
}

func TestCache_ReloadKeepsEventsAppliedDuringLoad(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := gatedStore(
		Record{UserID: "a", Status: StatusOnline, LastSeenAt: now},
		Record{UserID: "b", Status: StatusOnline, LastSeenAt: now},
	)
	c := NewCache(store, nil)

	errc := make(chan error, 1)
	go func() { errc <- c.Reload(context.Background()) }()
	<-store.loadStarted

	// changes that land between the read and the swap
	c.Apply(Event{Type: EventInsert, Record: Record{UserID: "new", Status: StatusOnline, LastSeenAt: now.Add(time.Second)}})
	c.Apply(Event{Type: EventDelete, Record: Record{UserID: "b"}})
	close(store.loadGate)
	require.NoError(t, <-errc)

	_, ok := c.Get("new")
	assert.True(t, ok, "user inserted during the load was dropped")
	_, ok = c.Get("b")
	assert.False(t, ok, "user deleted during the load came back")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCache_ConcurrentReloadsShareOneLoad(t *testing.T) {
	store := gatedStore(Record{UserID: "a", Status: StatusOnline})
	c := NewCache(store, nil)

	var reloaded atomic.Int32
	c.OnReload(func() { reloaded.Add(1) })

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Reload(context.Background()))
	}()
	<-store.loadStarted

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Reload(context.Background()))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(store.loadGate)
	wg.Wait()

	assert.Equal(t, 1, store.Loads())
	assert.Equal(t, int32(1), reloaded.Load())
}

func TestCache_RunWaitsOnClockBetweenReconnects(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	store := seededStore(Record{UserID: "a", Status: StatusOnline, LastSeenAt: now})

	var watches atomic.Int32
	store.watch = func(ctx context.Context, fn func(Event)) error {
		if watches.Add(1) == 1 {
			return errors.New("connection reset")
		}
		<-ctx.Done()
		return ctx.Err()
	}

	clock := clockwork.NewFakeClock()
	c := NewCache(store, nil, WithCacheClock(clock))
	c.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	clock.BlockUntil(1)
	assert.Equal(t, int32(1), watches.Load())
	assert.Equal(t, 1, store.Loads())

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool { return watches.Load() == 2 }, waitFor, tick)
	assert.Equal(t, 2, store.Loads())

	cancel()
	<-done
}
