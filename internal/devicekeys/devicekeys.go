// Package devicekeys resolves device credentials and ownership from a JSON
// key file. Registration itself happens elsewhere; this layer only answers
// "is this key valid for this device, and whose device is it".
package devicekeys

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
)

var ErrUnknownDevice = errors.New("unknown device")

// Device is one entry of the key file.
type Device struct {
	APIKey        string `json:"api_key"`
	OwnerID       string `json:"owner_id"`
	Name          string `json:"name,omitempty"`
	SleepDuration int    `json:"sleep_duration,omitempty"` // seconds; 0 = use default
}

type Store struct {
	mu      sync.RWMutex
	devices map[string]Device
}

// LoadFile reads the key file:
//
//	{ "esp32_device_001": {"api_key": "...", "owner_id": "...", "name": "Balcony"} }
func LoadFile(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var devices map[string]Device
	if err := json.Unmarshal(data, &devices); err != nil {
		return nil, err
	}
	return &Store{devices: devices}, nil
}

// NewStatic builds a store from an in-memory map (tests, MQTT-only setups).
func NewStatic(devices map[string]Device) *Store {
	return &Store{devices: devices}
}

// Validate checks the key for the device and returns its entry on success.
func (s *Store) Validate(deviceID, apiKey string) (Device, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok || d.APIKey == "" || d.APIKey != apiKey {
		return Device{}, false
	}
	return d, true
}

// Lookup returns the entry for a device without checking its key. Used by the
// MQTT ingest path, where the broker connection is the trust boundary.
func (s *Store) Lookup(deviceID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return Device{}, ErrUnknownDevice
	}
	return d, nil
}
