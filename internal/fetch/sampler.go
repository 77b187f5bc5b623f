package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"plantsense/internal/model"
)

var (
	// ErrCooldown means a previous sample attempt for this owner is still
	// inside the cooldown window. Callers fall back to recent data.
	ErrCooldown = errors.New("history sample in cooldown")

	// ErrSampleInFlight means another sample for this owner is already
	// running; the duplicate trigger is a no-op.
	ErrSampleInFlight = errors.New("history sample already in flight")
)

// Sampler reduces a long window of raw readings to one representative per
// (device, hour bucket). The representative is the first reading of the
// bucket, not an aggregate: cheap, and stable as more data arrives.
//
// The underlying scan is expensive, so per owner it runs at most once per
// cooldown window while results are empty, and exactly once ever after a
// non-empty result (which is memoized). A failed attempt still burns the
// cooldown so errors cannot be retried in a tight loop.
type Sampler struct {
	store        Store
	cooldown     time.Duration
	defaultHours int
	maxHours     int
	now          func() time.Time

	mu     sync.Mutex
	owners map[string]*sampleState
}

type sampleState struct {
	inFlight    bool
	lastAttempt time.Time
	result      []model.Reading
}

func NewSampler(store Store, cooldown time.Duration, defaultHours, maxHours int) *Sampler {
	return &Sampler{
		store:        store,
		cooldown:     cooldown,
		defaultHours: defaultHours,
		maxHours:     maxHours,
		now:          time.Now,
		owners:       make(map[string]*sampleState),
	}
}

// Sample returns the hourly-sparse history for the owner over the last
// windowHours hours.
func (s *Sampler) Sample(ctx context.Context, ownerID string, windowHours int) ([]model.Reading, error) {
	if windowHours <= 0 {
		windowHours = s.defaultHours
	}
	if windowHours > s.maxHours {
		windowHours = s.maxHours
	}

	s.mu.Lock()
	st := s.owners[ownerID]
	if st == nil {
		st = &sampleState{}
		s.owners[ownerID] = st
	}
	if len(st.result) > 0 {
		out := append([]model.Reading(nil), st.result...)
		s.mu.Unlock()
		return out, nil
	}
	if st.inFlight {
		s.mu.Unlock()
		return nil, ErrSampleInFlight
	}
	now := s.now()
	if !st.lastAttempt.IsZero() && now.Before(st.lastAttempt.Add(s.cooldown)) {
		s.mu.Unlock()
		return nil, ErrCooldown
	}
	st.inFlight = true
	st.lastAttempt = now
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		st.inFlight = false
		s.mu.Unlock()
	}()

	to := now.UTC()
	from := to.Add(-time.Duration(windowHours) * time.Hour)
	rows, err := s.store.QueryWindow(ctx, ownerID, from, to)
	if err != nil {
		return nil, err
	}

	sampled := sampleHourly(rows)
	if len(sampled) > 0 {
		s.mu.Lock()
		st.result = sampled
		s.mu.Unlock()
	}
	return append([]model.Reading(nil), sampled...), nil
}

// Reset drops the owner's memoized result and cooldown stamp.
func (s *Sampler) Reset(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, ownerID)
}

// sampleHourly keeps the earliest reading per (device, hour bucket).
// Input is expected oldest-first, so the first reading seen per bucket wins.
func sampleHourly(rows []model.Reading) []model.Reading {
	type bucketKey struct {
		device string
		hour   time.Time
	}
	seen := make(map[bucketKey]struct{})
	var out []model.Reading
	for _, r := range rows {
		key := bucketKey{device: r.DeviceID, hour: r.Timestamp.UTC().Truncate(time.Hour)}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	model.SortDesc(out)
	return out
}
