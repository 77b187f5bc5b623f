// Package syncer is the client-side control loop. One orchestrator per
// session decides, on each tick, whether to run an incremental recent fetch
// and whether a history fetch is due, and merges the results into the client
// cache. It is an explicit state machine advanced by a single scheduler so
// the in-flight and cooldown invariants are testable without a real clock.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"plantsense/internal/api"
	"plantsense/internal/clientcache"
	"plantsense/internal/model"
)

type State int

const (
	// StateCold: no cursor and no history fetched yet.
	StateCold State = iota
	// StateWarm: cursor present; history satisfied or in cooldown.
	StateWarm
	// StateRefreshing: a fetch is in flight.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StateRefreshing:
		return "refreshing"
	}
	return "unknown"
}

var (
	// ErrRefreshInFlight means a tick or manual refresh is already running.
	// The duplicate trigger is a no-op; there is no queue.
	ErrRefreshInFlight = errors.New("refresh already in flight")

	ErrNoOwner = errors.New("no owner selected")
)

// Fetcher is the server surface the orchestrator needs; *api.Client
// implements it.
type Fetcher interface {
	FetchReadings(ctx context.Context, cursor *time.Time, limit int) (*api.ReadingsPage, error)
	FetchHistory(ctx context.Context, hours int) (*api.HistoryPage, error)
}

type Orchestrator struct {
	fetcher     Fetcher
	cache       *clientcache.Manager
	windowHours int
	cooldown    time.Duration
	now         func() time.Time

	mu              sync.Mutex
	owner           string
	state           State
	mem             *clientcache.OwnerCache
	inFlight        bool
	historyInFlight bool
	lastError       error
	lastSuccess     time.Time
	saved           bool
}

func New(fetcher Fetcher, cache *clientcache.Manager, windowHours int, cooldown time.Duration) *Orchestrator {
	return &Orchestrator{
		fetcher:     fetcher,
		cache:       cache,
		windowHours: windowHours,
		cooldown:    cooldown,
		now:         time.Now,
		state:       StateCold,
	}
}

// SetOwner switches the session to an owner. When the owner changes, all
// in-memory state is dropped before the durable cache is loaded, so nothing
// from the previous owner can leak into the new session. A durable cursor
// makes this a warm start.
func (o *Orchestrator) SetOwner(ownerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ownerID == o.owner && o.owner != "" {
		return nil
	}

	o.owner = ownerID
	o.state = StateCold
	o.mem = nil
	o.lastError = nil
	o.lastSuccess = time.Time{}
	o.historyInFlight = false

	cached, err := o.cache.Load(ownerID)
	if err != nil {
		slog.Warn("durable cache load failed", "owner_id", ownerID, "error", err)
		return nil
	}
	if cached != nil {
		o.mem = cached
		if !cached.LastFetchCursor.IsZero() {
			o.state = StateWarm
		}
	}
	return nil
}

// Tick runs one refresh cycle: an incremental (or cold-start) recent fetch,
// then a history fetch when one is due. Scheduled ticks and manual refreshes
// both land here; the in-flight flag serializes them and a duplicate trigger
// returns ErrRefreshInFlight without doing anything.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	if o.owner == "" {
		o.mu.Unlock()
		return ErrNoOwner
	}
	if o.inFlight {
		o.mu.Unlock()
		return ErrRefreshInFlight
	}
	o.inFlight = true
	prevState := o.state
	o.state = StateRefreshing

	var cursor *time.Time
	if o.mem != nil && !o.mem.LastFetchCursor.IsZero() {
		c := o.mem.LastFetchCursor
		cursor = &c
	}
	historyDue := o.historyDueLocked()
	if historyDue {
		o.historyInFlight = true
	}
	owner := o.owner
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		if historyDue {
			o.historyInFlight = false
		}
		o.mu.Unlock()
	}()

	page, err := o.fetcher.FetchReadings(ctx, cursor, 0)
	if err != nil {
		o.mu.Lock()
		// Cursor untouched; next tick retries at the fixed poll interval.
		o.state = prevState
		o.lastError = err
		o.mu.Unlock()
		if errors.Is(err, api.ErrMalformed) {
			slog.Error("refresh failed: malformed response", "owner_id", owner, "error", err)
		} else {
			slog.Warn("refresh failed", "owner_id", owner, "error", err)
		}
		return err
	}

	o.mu.Lock()
	if o.mem == nil {
		o.mem = &clientcache.OwnerCache{OwnerID: owner}
	}
	o.mem.Recent = o.cache.MergeRecent(o.mem.Recent, page.Readings)
	if page.NewCursor.After(o.mem.LastFetchCursor) {
		o.mem.LastFetchCursor = page.NewCursor
	}
	o.state = StateWarm
	o.lastError = nil
	o.lastSuccess = o.now()
	o.mu.Unlock()

	o.persist(owner)

	if historyDue {
		o.fetchHistory(ctx, owner)
	}
	return nil
}

// Clear drops the owner's durable record and resets the session to cold.
func (o *Orchestrator) Clear() error {
	o.mu.Lock()
	owner := o.owner
	o.mem = nil
	o.state = StateCold
	o.lastError = nil
	o.lastSuccess = time.Time{}
	o.mu.Unlock()
	if owner == "" {
		return ErrNoOwner
	}
	return o.cache.Clear(owner)
}

// Snapshot is a read-only view for display.
type Snapshot struct {
	Owner       string
	State       State
	Recent      []model.Reading
	Historic    []model.Reading
	Cursor      time.Time
	LastSuccess time.Time
	LastError   error
	Saved       bool
}

// Snapshot returns the current merged data. After a failed refresh this is
// the last successfully merged view, so callers can render "stale since
// LastSuccess" instead of a blank state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		Owner:       o.owner,
		State:       o.state,
		LastSuccess: o.lastSuccess,
		LastError:   o.lastError,
		Saved:       o.saved,
	}
	if o.mem != nil {
		snap.Recent = append([]model.Reading(nil), o.mem.Recent...)
		snap.Historic = append([]model.Reading(nil), o.mem.Historic...)
		snap.Cursor = o.mem.LastFetchCursor
	}
	return snap
}

// historyDueLocked reports whether a history fetch should be issued: never
// while one is in flight, never when historic data already exists, and never
// inside the cooldown window of a previous (possibly failed or empty)
// attempt.
func (o *Orchestrator) historyDueLocked() bool {
	if o.historyInFlight {
		return false
	}
	if o.mem != nil && len(o.mem.Historic) > 0 {
		return false
	}
	if o.mem != nil && o.mem.HistoricFetchAttemptedAt != nil {
		if o.now().Before(o.mem.HistoricFetchAttemptedAt.Add(o.cooldown)) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) fetchHistory(ctx context.Context, owner string) {
	// The attempt is stamped before the call so a failure still burns the
	// cooldown and cannot be retried in a tight loop.
	o.mu.Lock()
	attempted := o.now().UTC()
	if o.mem == nil {
		o.mem = &clientcache.OwnerCache{OwnerID: owner}
	}
	o.mem.HistoricFetchAttemptedAt = &attempted
	o.mu.Unlock()

	page, err := o.fetcher.FetchHistory(ctx, o.windowHours)
	if err != nil {
		// Graceful degradation: recent data stays on screen.
		slog.Warn("history fetch failed", "owner_id", owner, "error", err)
		o.persist(owner)
		return
	}

	o.mu.Lock()
	if len(page.Readings) > 0 {
		o.mem.Historic = o.cache.MergeHistoric(o.mem.Historic, page.Readings)
	}
	o.mu.Unlock()
	o.persist(owner)
}

// persist writes the in-memory cache through to durable storage. A failed
// write is downgraded to a warning: the in-memory update must never be
// rolled back because the disk is full.
func (o *Orchestrator) persist(owner string) {
	o.mu.Lock()
	if o.mem == nil {
		o.mu.Unlock()
		return
	}
	snapshot := o.mem.Clone()
	o.mu.Unlock()

	err := o.cache.Save(owner, snapshot)

	o.mu.Lock()
	o.saved = err == nil
	o.mu.Unlock()
	if err != nil {
		slog.Warn("cache not saved, keeping in-memory copy", "owner_id", owner, "error", err)
	}
}
