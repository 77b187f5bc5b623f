// Package readcache holds the in-process server read cache: a bounded,
// TTL-governed ring of recent readings per (owner, device).
//
// The cache is fed from two independent call paths: device-write handlers
// (Put) and dashboard-read handlers (GetOwner/GetSince/Merge). Entries are
// locked individually so concurrent traffic for different devices never
// contends. The cache itself performs no I/O; the fetch service is
// responsible for consulting the remote store on a miss and merging the
// result back in.
package readcache

import (
	"sync"
	"time"

	"plantsense/internal/model"
)

type entry struct {
	mu           sync.Mutex
	readings     []model.Reading // sorted by Timestamp descending
	cachedAt     time.Time
	ttlExpiresAt time.Time
}

type Cache struct {
	mu     sync.Mutex
	owners map[string]map[string]*entry

	perDeviceCap int
	ttl          time.Duration
	now          func() time.Time
}

func New(ttl time.Duration, perDeviceCap int) *Cache {
	return &Cache{
		owners:       make(map[string]map[string]*entry),
		perDeviceCap: perDeviceCap,
		ttl:          ttl,
		now:          time.Now,
	}
}

// Put upserts one reading on the device-write path. The entry is created on
// first write and its TTL is reset on every write.
func (c *Cache) Put(ownerID, deviceID string, r model.Reading) {
	e := c.entry(ownerID, deviceID, true)
	now := c.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.readings = upsert(e.readings, r, c.perDeviceCap)
	if e.cachedAt.IsZero() {
		e.cachedAt = now
	}
	e.ttlExpiresAt = now.Add(c.ttl)
}

// GetOwner returns the cached readings grouped by device and whether the
// whole owner view is fresh. The view is fresh only when the owner has at
// least one entry and none of its entries has expired; a single stale device
// forces a full repopulation so the caller sees one consistent snapshot.
// Stale data is still returned so callers can degrade gracefully when the
// store is unreachable.
func (c *Cache) GetOwner(ownerID string) (map[string][]model.Reading, bool) {
	entries := c.ownerEntries(ownerID)
	if len(entries) == 0 {
		return nil, false
	}

	now := c.now()
	fresh := true
	out := make(map[string][]model.Reading, len(entries))
	for deviceID, e := range entries {
		e.mu.Lock()
		if now.After(e.ttlExpiresAt) || now.Equal(e.ttlExpiresAt) {
			fresh = false
		}
		out[deviceID] = append([]model.Reading(nil), e.readings...)
		e.mu.Unlock()
	}
	return out, fresh
}

// GetSince returns the cached readings that arrived strictly after cursor.
// The second result reports whether the cache could answer authoritatively.
// Every entry must be fresh and must cover the cursor: an entry covers it
// only when it was around to observe every arrival after the cursor, meaning
// it either existed at the cursor or still holds a reading from before it.
// An entry at capacity must additionally retain an arrival at or before the
// cursor, otherwise truncation may have dropped rows the caller needs. Any
// entry failing these checks forces a store consult.
func (c *Cache) GetSince(ownerID string, cursor time.Time) ([]model.Reading, bool) {
	entries := c.ownerEntries(ownerID)
	if len(entries) == 0 {
		return nil, false
	}

	now := c.now()
	var out []model.Reading
	for _, e := range entries {
		e.mu.Lock()
		if now.After(e.ttlExpiresAt) || now.Equal(e.ttlExpiresAt) {
			e.mu.Unlock()
			return nil, false
		}
		if len(e.readings) > 0 {
			oldest := oldestArrival(e.readings)
			if oldest.After(cursor) && len(e.readings) >= c.perDeviceCap {
				e.mu.Unlock()
				return nil, false
			}
			// An entry created after the cursor (a device's first write since
			// a restart) holds nothing the store received between the cursor
			// and its creation.
			if oldest.After(cursor) && e.cachedAt.After(cursor) {
				e.mu.Unlock()
				return nil, false
			}
		}
		for _, r := range e.readings {
			if r.ReceivedAt.After(cursor) {
				out = append(out, r)
			}
		}
		e.mu.Unlock()
	}
	model.SortDesc(out)
	return out, true
}

// Merge folds a store query result into the owner's entries and resets the
// TTL on all of them. The store answer represents the owner's complete recent
// state, so devices untouched by this batch are re-stamped too; otherwise one
// quiet device would keep the owner permanently stale.
func (c *Cache) Merge(ownerID string, readings []model.Reading) {
	now := c.now()
	for _, r := range readings {
		e := c.entry(ownerID, r.DeviceID, true)
		e.mu.Lock()
		e.readings = upsert(e.readings, r, c.perDeviceCap)
		e.mu.Unlock()
	}
	for _, e := range c.ownerEntries(ownerID) {
		e.mu.Lock()
		if e.cachedAt.IsZero() {
			e.cachedAt = now
		}
		e.ttlExpiresAt = now.Add(c.ttl)
		e.mu.Unlock()
	}
}

// InvalidateOwner drops every entry for the owner.
func (c *Cache) InvalidateOwner(ownerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owners, ownerID)
}

// Devices reports which devices currently have an entry for the owner.
func (c *Cache) Devices(ownerID string) []string {
	entries := c.ownerEntries(ownerID)
	out := make([]string, 0, len(entries))
	for deviceID := range entries {
		out = append(out, deviceID)
	}
	return out
}

func (c *Cache) entry(ownerID, deviceID string, create bool) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := c.owners[ownerID]
	if devices == nil {
		if !create {
			return nil
		}
		devices = make(map[string]*entry)
		c.owners[ownerID] = devices
	}
	e := devices[deviceID]
	if e == nil && create {
		e = &entry{}
		devices[deviceID] = e
	}
	return e
}

func (c *Cache) ownerEntries(ownerID string) map[string]*entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	devices := c.owners[ownerID]
	out := make(map[string]*entry, len(devices))
	for id, e := range devices {
		out[id] = e
	}
	return out
}

// upsert inserts or replaces by id, keeps the list sorted newest-first and
// truncates the tail to limit.
func upsert(readings []model.Reading, r model.Reading, limit int) []model.Reading {
	replaced := false
	for i := range readings {
		if readings[i].ID == r.ID {
			readings[i] = r
			replaced = true
			break
		}
	}
	if !replaced {
		readings = append(readings, r)
	}
	model.SortDesc(readings)
	if len(readings) > limit {
		readings = readings[:limit]
	}
	return readings
}

func oldestArrival(readings []model.Reading) time.Time {
	oldest := readings[0].ReceivedAt
	for _, r := range readings[1:] {
		if r.ReceivedAt.Before(oldest) {
			oldest = r.ReceivedAt
		}
	}
	return oldest
}
