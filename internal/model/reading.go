package model

import (
	"sort"
	"time"
)

// Reading is one sensor sample from a device.
//
// ID is unique within (OwnerID, DeviceID) and is the dedup key on merge: when
// the same id is seen twice, the later-observed copy wins, since re-uploads may
// carry corrections.
//
// Timestamp is the device clock; ReceivedAt is the server arrival time.
// All incremental-fetch cursors are based on ReceivedAt, never Timestamp, so a
// device uploading late after connectivity loss is still picked up.
type Reading struct {
	ID         string             `json:"id"`
	OwnerID    string             `json:"owner_id"`
	DeviceID   string             `json:"device_id"`
	DeviceName string             `json:"device_name,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
	ReceivedAt time.Time          `json:"received_at"`
	Fields     map[string]float64 `json:"fields,omitempty"`
}

// DeviceInfo is a summary row for an owner's device.
type DeviceInfo struct {
	DeviceID string    `json:"device_id"`
	LastSeen time.Time `json:"last_seen"`
}

// SortDesc sorts readings newest-first by Timestamp, breaking ties by ID so
// the order is stable across merges.
func SortDesc(rs []Reading) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].Timestamp.Equal(rs[j].Timestamp) {
			return rs[i].Timestamp.After(rs[j].Timestamp)
		}
		return rs[i].ID > rs[j].ID
	})
}
