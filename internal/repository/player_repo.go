package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
)

// PlayerRepository provides data access for avatar positions.
// Rows are owner-exclusive-write and arrive pre-throttled: the
// synchronizer only calls Upsert once per persist window.
type PlayerRepository struct {
	db  *gorm.DB
	bus feed.Bus
}

// NewPlayerRepository creates a new repository bound to the given DB
// connection and change bus.
func NewPlayerRepository(database *gorm.DB, bus feed.Bus) *PlayerRepository {
	return &PlayerRepository{db: database, bus: bus}
}

// Upsert writes the owner's authoritative position and last-seen
// instant, then notifies every canvas subscriber.
func (r *PlayerRepository) Upsert(ctx context.Context, userID string, x, y int, at time.Time) error {
	state := db.PlayerState{UserID: userID, X: x, Y: y, LastSeen: at}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"x", "y", "last_seen"}),
		}).
		Create(&state).Error
	if err != nil {
		return err
	}
	publishEvent(ctx, r.bus, "player_states", feed.EventUpdate, nil, state)
	return nil
}

// Get fetches one player state.
func (r *PlayerRepository) Get(ctx context.Context, userID string) (*db.PlayerState, error) {
	var state db.PlayerState
	if err := r.db.WithContext(ctx).First(&state, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &state, nil
}

// ListAll returns every known player state, for the initial canvas load.
func (r *PlayerRepository) ListAll(ctx context.Context) ([]db.PlayerState, error) {
	var states []db.PlayerState
	if err := r.db.WithContext(ctx).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}
