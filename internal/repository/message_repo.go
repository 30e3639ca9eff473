package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/utils/pagination"
)

// defaultHistoryLimit is the page size used when a caller passes a
// non-positive limit.
const defaultHistoryLimit = 20

// MessageRepository provides data access for room messages.
// Messages are append-only and immutable after creation.
type MessageRepository struct {
	db  *gorm.DB
	bus feed.Bus
}

// NewMessageRepository creates a new repository bound to the given DB
// connection and change bus.
func NewMessageRepository(database *gorm.DB, bus feed.Bus) *MessageRepository {
	return &MessageRepository{db: database, bus: bus}
}

// Append inserts one message and notifies the room's subscribers.
func (r *MessageRepository) Append(ctx context.Context, senderID, roomID, content string) (*db.Message, error) {
	msg := db.Message{
		ID:       uuid.NewString(),
		SenderID: senderID,
		RoomID:   roomID,
		Content:  content,
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return nil, err
	}
	publishEvent(ctx, r.bus, "messages", feed.EventInsert, nil, msg)
	return &msg, nil
}

// ListByRoom returns the full ordered transcript of a room, oldest
// first. Used when a room session opens.
func (r *MessageRepository) ListByRoom(ctx context.Context, roomID string) ([]db.Message, error) {
	var msgs []db.Message
	err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// History returns a room's messages newest first with cursor-based
// pagination.
//
// Behavior:
//   - Ordered by created_at DESC, id DESC.
//   - Supports cursor-based pagination via paginationToken.
//   - Returns a next token when more rows remain.
//   - Non-positive limits fall back to the default page size.
func (r *MessageRepository) History(
	ctx context.Context,
	roomID string,
	paginationToken *string,
	limit int,
) ([]db.Message, *string, error) {
	var msgs []db.Message

	if limit < 1 {
		limit = defaultHistoryLimit
	}

	// decode cursor if provided
	cursor, err := pagination.Decode(getString(paginationToken))
	if err != nil {
		return nil, nil, err
	}

	query := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC, id DESC").
		Limit(limit + 1)

	// apply cursor
	if cursor.ID != "" && cursor.CreatedUnix > 0 {
		ts := time.UnixMilli(cursor.CreatedUnix)
		query = query.Where(
			"(created_at < ? OR (created_at = ? AND id < ?))",
			ts, ts, cursor.ID,
		)
	}

	if err := query.Find(&msgs).Error; err != nil {
		return nil, nil, err
	}

	// pagination: build next cursor if needed
	var nextToken *string
	if len(msgs) > limit {
		last := msgs[limit-1]
		token, _ := pagination.Encode(pagination.Cursor{
			ID:          last.ID,
			CreatedUnix: last.CreatedAt.UnixMilli(),
		})
		nextToken = &token
		msgs = msgs[:limit]
	}

	return msgs, nextToken, nil
}

// getString safely dereferences a string pointer for pagination tokens.
func getString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
