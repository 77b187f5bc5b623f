package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"plantsense/internal/model"
)

const (
	defaultLimit = 1000
	maxLimit     = 10000
)

// Repo is the remote store adapter: an append-only, queryable collection of
// readings keyed by (owner, device, arrival time). Reads are what cost quota
// upstream, so every query here is bounded.
type Repo struct {
	db          *gorm.DB
	windowLimit int
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return gorm.Open(postgres.Open(dsn), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&Reading{}); err != nil {
		return nil, err
	}
	return &Repo{db: db, windowLimit: maxLimit}, nil
}

// Append persists one reading. Missing ids and arrival times are filled in
// here so both the HTTP and MQTT write paths behave identically.
func (r *Repo) Append(ctx context.Context, reading *model.Reading) error {
	if reading.ID == "" {
		reading.ID = uuid.New().String()
	}
	if reading.ReceivedAt.IsZero() {
		reading.ReceivedAt = time.Now().UTC()
	}
	if reading.Timestamp.IsZero() {
		reading.Timestamp = reading.ReceivedAt
	}
	row, err := toRow(*reading)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

// QueryRecent returns the most recent readings for an owner, newest arrival
// first. deviceID narrows the query to one device when non-empty.
func (r *Repo) QueryRecent(ctx context.Context, ownerID, deviceID string, limit int) ([]model.Reading, error) {
	limit = clampLimit(limit)
	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "owner_id"}, Value: ownerID},
	}
	if deviceID != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID})
	}
	var rows []Reading
	q := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: exprs}, orderByReceived(true)).
		Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// QuerySince returns readings that arrived strictly after the cursor, newest
// first. A zero-row result is a normal outcome, not an error.
func (r *Repo) QuerySince(ctx context.Context, ownerID, deviceID string, after time.Time, limit int) ([]model.Reading, error) {
	limit = clampLimit(limit)
	exprs := []clause.Expression{
		clause.Eq{Column: clause.Column{Name: "owner_id"}, Value: ownerID},
		clause.Gt{Column: clause.Column{Name: "received_at"}, Value: after.UTC()},
	}
	if deviceID != "" {
		exprs = append(exprs, clause.Eq{Column: clause.Column{Name: "device_id"}, Value: deviceID})
	}
	var rows []Reading
	q := r.db.WithContext(ctx).
		Clauses(clause.Where{Exprs: exprs}, orderByReceived(true)).
		Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toModels(rows), nil
}

// QueryWindow returns the readings for the owner whose device timestamp lies
// in [from, to), oldest first. This is the expensive scan behind the sparse
// history sampler; callers are expected to rate-limit it. The scan is bounded,
// and the bound is applied newest-first so an oversized window loses its
// oldest rows, never the most recent ones.
func (r *Repo) QueryWindow(ctx context.Context, ownerID string, from, to time.Time) ([]model.Reading, error) {
	limit := r.windowLimit
	if limit <= 0 {
		limit = maxLimit
	}
	var rows []Reading
	q := r.db.WithContext(ctx).
		Where("owner_id = ? AND ts >= ? AND ts < ?", ownerID, from.UTC(), to.UTC()).
		Order("ts desc").
		Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := toModels(rows)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListDevices returns the distinct devices that have ever reported for the
// owner, with their most recent arrival time.
func (r *Repo) ListDevices(ctx context.Context, ownerID string) ([]model.DeviceInfo, error) {
	var rows []model.DeviceInfo
	q := r.db.WithContext(ctx).
		Model(&Reading{}).
		Select("device_id, MAX(received_at) AS last_seen").
		Where("owner_id = ?", ownerID).
		Group("device_id").
		Order("device_id asc")
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func orderByReceived(desc bool) clause.OrderBy {
	return clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "received_at"}, Desc: desc},
		{Column: clause.Column{Name: "id"}, Desc: desc},
	}}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
