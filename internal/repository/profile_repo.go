package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/momentos/cafe-core/internal/db"
)

// ProfileRepository provides data access for the Profile model.
type ProfileRepository struct {
	db *gorm.DB
}

// NewProfileRepository creates a new repository bound to the given DB connection.
func NewProfileRepository(database *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: database}
}

// Upsert inserts or replaces the profile keyed by user_id.
func (r *ProfileRepository) Upsert(ctx context.Context, p *db.Profile) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"nickname", "age", "residence", "bio", "updated_at"}),
		}).
		Create(p).Error
}

// Get fetches one profile by user id.
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*db.Profile, error) {
	var p db.Profile
	if err := r.db.WithContext(ctx).First(&p, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// Nickname resolves a user's display name, falling back to a generic
// label when the profile is missing or empty. Used wherever a
// notification needs a human-readable sender.
func (r *ProfileRepository) Nickname(ctx context.Context, userID string) string {
	p, err := r.Get(ctx, userID)
	if err != nil || p.Nickname == "" {
		return "someone"
	}
	return p.Nickname
}
