package clientcache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

// FilesystemBackend stores one JSON file per owner under root
// (default ~/.plantsense/cache). Writes are atomic via temp file + rename.
type FilesystemBackend struct {
	root      string
	writeLock sync.Mutex
}

func NewFilesystemBackend(root string) *FilesystemBackend {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		root = filepath.Join(home, ".plantsense", "cache")
	}
	return &FilesystemBackend{root: root}
}

// Path returns the file path for an owner's record.
func (b *FilesystemBackend) Path(ownerID string) string {
	return filepath.Join(b.root, sanitizeOwner(ownerID)+".json")
}

func (b *FilesystemBackend) Load(ownerID string) (*OwnerCache, error) {
	data, err := os.ReadFile(b.Path(ownerID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	// Unknown fields are ignored so newer writers stay loadable.
	var cache OwnerCache
	if err := json.Unmarshal(data, &cache); err != nil {
		// Corrupt record: treat as absent rather than failing every load.
		_ = os.Remove(b.Path(ownerID))
		return nil, nil
	}
	return &cache, nil
}

func (b *FilesystemBackend) Store(ownerID string, cache *OwnerCache) error {
	data, err := json.Marshal(cache)
	if err != nil {
		return err
	}

	b.writeLock.Lock()
	defer b.writeLock.Unlock()

	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return mapQuotaErr(err)
	}
	path := b.Path(ownerID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return mapQuotaErr(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return mapQuotaErr(err)
	}
	return nil
}

func (b *FilesystemBackend) Delete(ownerID string) error {
	err := os.Remove(b.Path(ownerID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FilesystemBackend) Owners() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		// The file stem may be an escaped form, so report the owner id the
		// record itself claims; that's also what ownership checks compare.
		data, err := os.ReadFile(filepath.Join(b.root, name))
		if err != nil {
			continue
		}
		var rec struct {
			OwnerID string `json:"owner_id"`
		}
		if json.Unmarshal(data, &rec) != nil || rec.OwnerID == "" {
			continue
		}
		out = append(out, rec.OwnerID)
	}
	return out, nil
}

func mapQuotaErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

// sanitizeOwner makes an owner id safe as a file name. Plain ids pass
// through; anything else is hex-escaped behind a "%" marker. "%" is not in
// the safe set, so an escaped name can never collide with a plain one.
func sanitizeOwner(ownerID string) string {
	safe := true
	for _, c := range ownerID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			safe = false
		}
	}
	if safe && ownerID != "" {
		return ownerID
	}
	return "%" + hex.EncodeToString([]byte(ownerID))
}
