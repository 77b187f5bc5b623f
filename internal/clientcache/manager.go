package clientcache

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plantsense/internal/model"
)

// Manager enforces the client cache's invariants: bounded growth, owner
// isolation on load, and merge semantics where the incoming copy of a
// duplicate id always wins.
type Manager struct {
	backend     Backend
	recentCap   int
	historicCap int
	now         func() time.Time
}

func NewManager(backend Backend, recentCap, historicCap int) *Manager {
	return &Manager{
		backend:     backend,
		recentCap:   recentCap,
		historicCap: historicCap,
		now:         time.Now,
	}
}

func (m *Manager) RecentCap() int   { return m.recentCap }
func (m *Manager) HistoricCap() int { return m.historicCap }

// Load returns the owner's durable cache, or nil when absent. A stored
// record whose owner tag does not match the requested owner is treated as
// "no cache": the persistence medium is shared across every owner who has
// used this machine, and serving another owner's data is worse than a cold
// start.
func (m *Manager) Load(ownerID string) (*OwnerCache, error) {
	cache, err := m.backend.Load(ownerID)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		return nil, nil
	}
	if cache.OwnerID != ownerID {
		slog.Warn("cached record owner mismatch, ignoring", "requested", ownerID, "stored", cache.OwnerID)
		return nil, nil
	}
	return cache, nil
}

// Save persists the owner's cache. On quota exhaustion it evicts every other
// owner's record and retries once; if that still fails the error is returned
// and the caller keeps the in-memory copy for the session.
func (m *Manager) Save(ownerID string, cache *OwnerCache) error {
	cache.OwnerID = ownerID
	cache.SavedAt = m.now().UTC()

	err := m.backend.Store(ownerID, cache)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}

	slog.Warn("durable cache full, evicting other owners", "owner_id", ownerID)
	m.evictOthers(ownerID)
	if err := m.backend.Store(ownerID, cache); err != nil {
		return fmt.Errorf("retry after eviction: %w", err)
	}
	return nil
}

// Clear removes the owner's durable record.
func (m *Manager) Clear(ownerID string) error {
	return m.backend.Delete(ownerID)
}

func (m *Manager) evictOthers(ownerID string) {
	owners, err := m.backend.Owners()
	if err != nil {
		slog.Warn("eviction scan failed", "error", err)
		return
	}
	for _, other := range owners {
		if other == ownerID {
			continue
		}
		if err := m.backend.Delete(other); err != nil {
			slog.Warn("eviction delete failed", "owner_id", other, "error", err)
		}
	}
}

// MergeRecent merges an incoming batch into the recent window and trims it
// to the recent capacity. Merge is total over any two lists and never fails.
func (m *Manager) MergeRecent(old, incoming []model.Reading) []model.Reading {
	return Trim(merge(old, incoming), m.recentCap)
}

// MergeHistoric merges an incoming batch of sparse samples into the historic
// window and trims it to the historic capacity.
func (m *Manager) MergeHistoric(old, incoming []model.Reading) []model.Reading {
	return Trim(merge(old, incoming), m.historicCap)
}

// merge builds an id-keyed map from old, overwrites with incoming (incoming
// is assumed fresher and wins on id collision), and returns the union sorted
// newest-first.
func merge(old, incoming []model.Reading) []model.Reading {
	byID := make(map[string]model.Reading, len(old)+len(incoming))
	for _, r := range old {
		byID[r.ID] = r
	}
	for _, r := range incoming {
		byID[r.ID] = r
	}
	out := make([]model.Reading, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	model.SortDesc(out)
	return out
}

// Trim drops the oldest entries: the list is newest-first, so trimming
// truncates the tail.
func Trim(list []model.Reading, capacity int) []model.Reading {
	if capacity > 0 && len(list) > capacity {
		return list[:capacity]
	}
	return list
}

// Downsample reduces a list to at most budget points for display by taking
// every Kth element, K = ceil(len/budget). Lists are newest-first, so the
// stride always keeps the most recent data point exactly; the final element
// is force-included too so the series' far endpoint is rendered rather than
// truncated.
func Downsample(list []model.Reading, budget int) []model.Reading {
	if budget <= 0 || len(list) <= budget {
		return list
	}
	stride := (len(list) + budget - 1) / budget
	out := make([]model.Reading, 0, budget+1)
	for i := 0; i < len(list); i += stride {
		out = append(out, list[i])
	}
	if last := list[len(list)-1]; len(out) == 0 || out[len(out)-1].ID != last.ID {
		out = append(out, last)
	}
	return out
}
