// Package fetch answers dashboard reads: incremental "everything after
// cursor" fetches backed by the server read cache, and the rate-limited
// sparse history sampler that runs straight against the store.
package fetch

import (
	"context"
	"time"

	"plantsense/internal/model"
	"plantsense/internal/readcache"
)

// Store is the slice of the remote store adapter the fetch layer needs.
type Store interface {
	QueryRecent(ctx context.Context, ownerID, deviceID string, limit int) ([]model.Reading, error)
	QuerySince(ctx context.Context, ownerID, deviceID string, after time.Time, limit int) ([]model.Reading, error)
	QueryWindow(ctx context.Context, ownerID string, from, to time.Time) ([]model.Reading, error)
}

type Service struct {
	store Store
	cache *readcache.Cache

	coldStartPerDevice int
	maxTotal           int
	now                func() time.Time
}

func NewService(store Store, cache *readcache.Cache, coldStartPerDevice, maxTotal int) *Service {
	return &Service{
		store:              store,
		cache:              cache,
		coldStartPerDevice: coldStartPerDevice,
		maxTotal:           maxTotal,
		now:                time.Now,
	}
}

// Result is one page of readings plus the cursor the client should store.
type Result struct {
	Readings    []model.Reading
	NewCursor   time.Time
	Incremental bool
	Cached      bool
}

// Fetch returns the owner's readings after cursor, or a bounded cold-start
// page when cursor is nil.
//
// NewCursor is always the server time at the start of the request, never the
// max reading timestamp: a reading that arrives while the store query is in
// flight may be missed in this page, but the next fetch (cursor = this
// request's start) returns it, and client-side dedup absorbs the overlap.
// A zero-row incremental result is success, not an error.
func (s *Service) Fetch(ctx context.Context, ownerID string, cursor *time.Time) (Result, error) {
	requestedAt := s.now().UTC()

	if cursor == nil {
		return s.coldStart(ctx, ownerID, requestedAt)
	}
	return s.incremental(ctx, ownerID, cursor.UTC(), requestedAt)
}

func (s *Service) coldStart(ctx context.Context, ownerID string, requestedAt time.Time) (Result, error) {
	if byDevice, fresh := s.cache.GetOwner(ownerID); fresh {
		return Result{
			Readings:  flatten(byDevice, s.coldStartPerDevice),
			NewCursor: requestedAt,
			Cached:    true,
		}, nil
	}

	readings, err := s.store.QueryRecent(ctx, ownerID, "", s.maxTotal)
	if err != nil {
		// Cache left untouched so a transient store failure cannot poison it.
		return Result{}, err
	}
	s.cache.Merge(ownerID, readings)

	return Result{
		Readings:  flatten(groupByDevice(readings), s.coldStartPerDevice),
		NewCursor: requestedAt,
	}, nil
}

func (s *Service) incremental(ctx context.Context, ownerID string, cursor, requestedAt time.Time) (Result, error) {
	if readings, ok := s.cache.GetSince(ownerID, cursor); ok {
		return Result{
			Readings:    readings,
			NewCursor:   requestedAt,
			Incremental: true,
			Cached:      true,
		}, nil
	}

	readings, err := s.store.QuerySince(ctx, ownerID, "", cursor, s.maxTotal)
	if err != nil {
		return Result{}, err
	}
	s.cache.Merge(ownerID, readings)

	model.SortDesc(readings)
	return Result{
		Readings:    readings,
		NewCursor:   requestedAt,
		Incremental: true,
	}, nil
}

func groupByDevice(readings []model.Reading) map[string][]model.Reading {
	out := make(map[string][]model.Reading)
	for _, r := range readings {
		out[r.DeviceID] = append(out[r.DeviceID], r)
	}
	return out
}

// flatten caps each device's contribution and returns one newest-first list.
func flatten(byDevice map[string][]model.Reading, perDevice int) []model.Reading {
	var out []model.Reading
	for _, readings := range byDevice {
		model.SortDesc(readings)
		if len(readings) > perDevice {
			readings = readings[:perDevice]
		}
		out = append(out, readings...)
	}
	model.SortDesc(out)
	return out
}
