package clientcache

import "sync"

// MemoryBackend is an in-memory backend for tests and ephemeral sessions.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*OwnerCache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: make(map[string]*OwnerCache)}
}

func (b *MemoryBackend) Load(ownerID string) (*OwnerCache, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[ownerID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (b *MemoryBackend) Store(ownerID string, cache *OwnerCache) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[ownerID] = cache.Clone()
	return nil
}

func (b *MemoryBackend) Delete(ownerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, ownerID)
	return nil
}

func (b *MemoryBackend) Owners() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.records))
	for owner := range b.records {
		out = append(out, owner)
	}
	return out, nil
}
