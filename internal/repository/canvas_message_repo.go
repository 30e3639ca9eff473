package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
)

// CanvasMessageRepository provides data access for lobby chat lines
// shared by every canvas occupant.
type CanvasMessageRepository struct {
	db  *gorm.DB
	bus feed.Bus
}

// NewCanvasMessageRepository creates a new repository bound to the given
// DB connection and change bus.
func NewCanvasMessageRepository(database *gorm.DB, bus feed.Bus) *CanvasMessageRepository {
	return &CanvasMessageRepository{db: database, bus: bus}
}

// Append inserts one lobby line and notifies canvas subscribers.
func (r *CanvasMessageRepository) Append(ctx context.Context, userID, content string) (*db.CanvasMessage, error) {
	msg := db.CanvasMessage{
		ID:      uuid.NewString(),
		UserID:  userID,
		Content: content,
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	publishEvent(ctx, r.bus, "canvas_messages", feed.EventInsert, nil, msg)
	return &msg, nil
}

// ListRecent returns the latest limit lines in chronological order.
func (r *CanvasMessageRepository) ListRecent(ctx context.Context, limit int) ([]db.CanvasMessage, error) {
	var msgs []db.CanvasMessage
	err := r.db.WithContext(ctx).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	// reverse to oldest-first for display
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
