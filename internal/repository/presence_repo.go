package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
)

// PresenceRepository provides data access for per-user presence rows.
//
// Rows are owner-exclusive-write: a client only ever upserts its own
// record. Liveness is a read-time computation (is_online AND
// last_active_at within the freshness window), so ListOnline takes the
// window instead of trusting the flag alone.
type PresenceRepository struct {
	db  *gorm.DB
	bus feed.Bus
}

// NewPresenceRepository creates a new repository bound to the given DB
// connection and change bus.
func NewPresenceRepository(database *gorm.DB, bus feed.Bus) *PresenceRepository {
	return &PresenceRepository{db: database, bus: bus}
}

// Touch upserts the owner's presence row as online at the given instant.
// Called by the heartbeat.
func (r *PresenceRepository) Touch(ctx context.Context, userID string, at time.Time) error {
	rec := db.PresenceRecord{UserID: userID, IsOnline: true, LastActiveAt: at}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_active_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return err
	}
	publishEvent(ctx, r.bus, rec.TableName(), feed.EventUpdate, nil, rec)
	return nil
}

// MarkOffline flips the owner's record offline. Best-effort on session
// end; a missed call is covered by read-time staleness.
func (r *PresenceRepository) MarkOffline(ctx context.Context, userID string, at time.Time) error {
	rec := db.PresenceRecord{UserID: userID, IsOnline: false, LastActiveAt: at}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"is_online", "last_active_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return err
	}
	publishEvent(ctx, r.bus, rec.TableName(), feed.EventUpdate, nil, rec)
	return nil
}

// ListOnline returns every record that is flagged online AND fresh within
// the window at the given instant. Stale-but-flagged rows never appear.
func (r *PresenceRepository) ListOnline(ctx context.Context, window time.Duration, now time.Time) ([]db.PresenceRecord, error) {
	var recs []db.PresenceRecord
	cutoff := now.Add(-window)
	err := r.db.WithContext(ctx).
		Where("is_online = ? AND last_active_at >= ?", true, cutoff).
		Order("last_active_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Get fetches one presence record.
func (r *PresenceRepository) Get(ctx context.Context, userID string) (*db.PresenceRecord, error) {
	var rec db.PresenceRecord
	if err := r.db.WithContext(ctx).First(&rec, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}
