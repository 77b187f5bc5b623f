package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"plantsense/internal/model"
)

// Reading is the persisted form of a sensor sample. The collection is
// append-only; rows are never updated after insert.
//
// received_at is the server arrival time and carries the composite index used
// by every incremental query. Cursor comparisons are done on received_at, not
// ts (the device clock), so out-of-order uploads are never skipped.
type Reading struct {
	ID         string         `gorm:"primaryKey;size:64" json:"id"`
	OwnerID    string         `gorm:"primaryKey;size:64;index:idx_owner_recv,priority:1" json:"owner_id"`
	DeviceID   string         `gorm:"primaryKey;size:128" json:"device_id"`
	DeviceName string         `gorm:"size:128" json:"device_name"`
	TS         time.Time      `json:"ts"`
	ReceivedAt time.Time      `gorm:"index:idx_owner_recv,priority:2" json:"received_at"`
	Fields     datatypes.JSON `json:"fields"`
}

func toRow(r model.Reading) (Reading, error) {
	var fields datatypes.JSON
	if len(r.Fields) > 0 {
		b, err := json.Marshal(r.Fields)
		if err != nil {
			return Reading{}, err
		}
		fields = datatypes.JSON(b)
	}
	return Reading{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		DeviceID:   r.DeviceID,
		DeviceName: r.DeviceName,
		TS:         r.Timestamp.UTC(),
		ReceivedAt: r.ReceivedAt.UTC(),
		Fields:     fields,
	}, nil
}

func toModel(row Reading) model.Reading {
	var fields map[string]float64
	if len(row.Fields) > 0 {
		// Fields were marshalled by us; a decode failure means a corrupt row,
		// which we surface as a reading with no measurements.
		_ = json.Unmarshal(row.Fields, &fields)
	}
	return model.Reading{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		DeviceID:   row.DeviceID,
		DeviceName: row.DeviceName,
		Timestamp:  row.TS,
		ReceivedAt: row.ReceivedAt,
		Fields:     fields,
	}
}

func toModels(rows []Reading) []model.Reading {
	out := make([]model.Reading, 0, len(rows))
	for _, row := range rows {
		out = append(out, toModel(row))
	}
	return out
}
