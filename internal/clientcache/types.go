// Package clientcache holds the dashboard client's two-speed cache: a
// high-resolution recent window merged incrementally on every refresh, and a
// sparse long-horizon history fetched once, both persisted per owner so they
// survive process restarts.
package clientcache

import (
	"errors"
	"time"

	"plantsense/internal/model"
)

// ErrQuotaExceeded is returned by a backend when the durable medium is full.
// The manager reacts by evicting other owners' records and retrying once.
var ErrQuotaExceeded = errors.New("durable cache quota exceeded")

// OwnerCache is the per-owner client cache. Recent is newest-first and
// bounded; Historic holds hourly sparse samples. LastFetchCursor marks the
// newest server arrival time already merged. HistoricFetchAttemptedAt drives
// the history-fetch cooldown and is set on every attempt, successful or not.
type OwnerCache struct {
	OwnerID                  string          `json:"owner_id"`
	Recent                   []model.Reading `json:"recent"`
	Historic                 []model.Reading `json:"historic"`
	LastFetchCursor          time.Time       `json:"last_fetch_cursor"`
	HistoricFetchAttemptedAt *time.Time      `json:"historic_fetch_attempted_at,omitempty"`
	SavedAt                  time.Time       `json:"saved_at"`
}

// Clone returns a deep-enough copy: slices are copied, readings are values.
func (c *OwnerCache) Clone() *OwnerCache {
	if c == nil {
		return nil
	}
	out := *c
	out.Recent = append([]model.Reading(nil), c.Recent...)
	out.Historic = append([]model.Reading(nil), c.Historic...)
	if c.HistoricFetchAttemptedAt != nil {
		t := *c.HistoricFetchAttemptedAt
		out.HistoricFetchAttemptedAt = &t
	}
	return &out
}

// Backend is durable per-owner storage. Load returns (nil, nil) when no
// record exists. The medium is shared across owners, so implementations key
// records by owner id; the manager additionally verifies the stored owner id
// on load.
type Backend interface {
	Load(ownerID string) (*OwnerCache, error)
	Store(ownerID string, cache *OwnerCache) error
	Delete(ownerID string) error
	Owners() ([]string, error)
}
