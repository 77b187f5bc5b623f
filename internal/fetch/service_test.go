package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"plantsense/internal/model"
	"plantsense/internal/readcache"
)

// fakeStore counts queries so tests can assert how often the store is hit.
type fakeStore struct {
	readings []model.Reading
	err      error

	recentCalls int
	sinceCalls  int
	windowCalls int
}

func (f *fakeStore) QueryRecent(_ context.Context, ownerID, _ string, _ int) ([]model.Reading, error) {
	f.recentCalls++
	return f.filtered(ownerID, time.Time{}), f.err
}

func (f *fakeStore) QuerySince(_ context.Context, ownerID, _ string, after time.Time, _ int) ([]model.Reading, error) {
	f.sinceCalls++
	return f.filtered(ownerID, after), f.err
}

func (f *fakeStore) QueryWindow(_ context.Context, ownerID string, from, to time.Time) ([]model.Reading, error) {
	f.windowCalls++
	var out []model.Reading
	for _, r := range f.readings {
		if r.OwnerID == ownerID && !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, f.err
}

func (f *fakeStore) filtered(ownerID string, after time.Time) []model.Reading {
	if f.err != nil {
		return nil
	}
	var out []model.Reading
	for _, r := range f.readings {
		if r.OwnerID == ownerID && r.ReceivedAt.After(after) {
			out = append(out, r)
		}
	}
	return out
}

func testReading(id, device string, ts time.Time) model.Reading {
	return model.Reading{ID: id, OwnerID: "o1", DeviceID: device, Timestamp: ts, ReceivedAt: ts}
}

func newTestService(store *fakeStore, ttl time.Duration, at *time.Time) *Service {
	s := NewService(store, readcache.New(ttl, 200), 120, 1000)
	s.now = func() time.Time { return *at }
	return s
}

func TestColdStartQueriesStoreOnce(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{readings: []model.Reading{
		testReading("a", "d1", at.Add(-2*time.Minute)),
		testReading("b", "d1", at.Add(-time.Minute)),
		testReading("c", "d2", at.Add(-30*time.Second)),
	}}
	svc := newTestService(store, 5*time.Minute, &at)

	res, err := svc.Fetch(context.Background(), "o1", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if store.recentCalls != 1 {
		t.Fatalf("cold start must hit the store exactly once, got %d", store.recentCalls)
	}
	if res.Cached || res.Incremental {
		t.Fatalf("cold miss flags wrong: %+v", res)
	}
	if len(res.Readings) != 3 || res.Readings[0].ID != "c" {
		t.Fatalf("unexpected page: %+v", res.Readings)
	}
	if !res.NewCursor.Equal(at) {
		t.Fatalf("cursor must be request start, got %v", res.NewCursor)
	}

	// Second cold start inside the TTL is served from cache: zero new queries.
	res2, err := svc.Fetch(context.Background(), "o1", nil)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if store.recentCalls != 1 {
		t.Fatalf("warm cold start must not query the store, got %d calls", store.recentCalls)
	}
	if !res2.Cached || len(res2.Readings) != 3 {
		t.Fatalf("expected cached page, got %+v", res2)
	}
}

func TestIncrementalCacheHit(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{readings: []model.Reading{
		testReading("a", "d1", at.Add(-2*time.Minute)),
		testReading("b", "d1", at.Add(-time.Minute)),
	}}
	svc := newTestService(store, 5*time.Minute, &at)

	if _, err := svc.Fetch(context.Background(), "o1", nil); err != nil {
		t.Fatalf("warmup: %v", err)
	}

	cursor := at.Add(-90 * time.Second)
	res, err := svc.Fetch(context.Background(), "o1", &cursor)
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if store.sinceCalls != 0 {
		t.Fatalf("fresh cache must answer incrementals, got %d store calls", store.sinceCalls)
	}
	if !res.Incremental || !res.Cached {
		t.Fatalf("flags wrong: %+v", res)
	}
	if len(res.Readings) != 1 || res.Readings[0].ID != "b" {
		t.Fatalf("expected only b after cursor, got %+v", res.Readings)
	}
}

func TestIncrementalStaleCacheFallsBack(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{readings: []model.Reading{
		testReading("a", "d1", at.Add(-time.Minute)),
	}}
	// Zero TTL: every entry is already expired when read back.
	svc := newTestService(store, 0, &at)

	cursor := at.Add(-time.Hour)
	res, err := svc.Fetch(context.Background(), "o1", &cursor)
	if err != nil {
		t.Fatalf("incremental: %v", err)
	}
	if store.sinceCalls != 1 {
		t.Fatalf("stale cache must fall back to the store, got %d calls", store.sinceCalls)
	}
	if res.Cached {
		t.Fatalf("store-served page must not be flagged cached")
	}
	if len(res.Readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(res.Readings))
	}
}

func TestIncrementalAfterRestartConsultsStore(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{readings: []model.Reading{
		testReading("missed", "d1", at.Add(-20*time.Minute)),
		testReading("fresh", "d1", at.Add(-time.Minute)),
	}}
	cache := readcache.New(5*time.Minute, 200)
	svc := NewService(store, cache, 120, 1000)
	svc.now = func() time.Time { return at }

	// The server restarted after the client's last fetch: the cache lost the
	// reading the store received in between, and only the newest upload has
	// re-warmed it through the write path.
	cache.Put("o1", "d1", testReading("fresh", "d1", at.Add(-time.Minute)))

	cursor := at.Add(-30 * time.Minute)
	res, err := svc.Fetch(context.Background(), "o1", &cursor)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if store.sinceCalls != 1 {
		t.Fatalf("young cache entry must not answer for an old cursor, got %d store calls", store.sinceCalls)
	}
	if res.Cached {
		t.Fatalf("store-served page must not be flagged cached")
	}
	ids := map[string]bool{}
	for _, r := range res.Readings {
		ids[r.ID] = true
	}
	if len(res.Readings) != 2 || !ids["missed"] {
		t.Fatalf("reading received before the restart was dropped: %+v", res.Readings)
	}
}

func TestIncrementalZeroRowsIsSuccess(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	svc := newTestService(store, 0, &at)

	cursor := at.Add(-time.Minute)
	res, err := svc.Fetch(context.Background(), "o1", &cursor)
	if err != nil {
		t.Fatalf("zero rows must not error: %v", err)
	}
	if len(res.Readings) != 0 || !res.Incremental {
		t.Fatalf("expected empty incremental page, got %+v", res)
	}
	if !res.NewCursor.Equal(at) {
		t.Fatalf("cursor must still advance to request start, got %v", res.NewCursor)
	}
}

func TestLateArrivalReturnedNextFetch(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{}
	svc := newTestService(store, 0, &at)

	cursor := at.Add(-time.Minute)
	res, err := svc.Fetch(context.Background(), "o1", &cursor)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	// A reading that arrives between request start and the store query
	// finishing is missed by that page. The next fetch, cursored at the
	// previous request start, picks it up.
	late := testReading("late", "d1", at.Add(time.Millisecond))
	store.readings = append(store.readings, late)

	at = at.Add(time.Minute)
	next := res.NewCursor
	res2, err := svc.Fetch(context.Background(), "o1", &next)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(res2.Readings) != 1 || res2.Readings[0].ID != "late" {
		t.Fatalf("late arrival lost: %+v", res2.Readings)
	}
}

func TestStoreErrorPropagates(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	boom := errors.New("store down")
	store := &fakeStore{err: boom}
	svc := newTestService(store, 5*time.Minute, &at)

	if _, err := svc.Fetch(context.Background(), "o1", nil); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
