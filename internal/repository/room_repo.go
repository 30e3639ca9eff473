package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
)

// Affection moves +2 per message and clamps at 100.
const (
	affectionStep = 2
	affectionMax  = 100
)

// RoomRepository provides data access for pairwise chat rooms.
//
// The (user_a, user_b) pair with user_a < user_b is the room's natural
// key. FindOrCreate enforces the ordering before insert, and the unique
// composite index resolves the race when both sides create on first
// contact: the loser re-reads the winner's row.
type RoomRepository struct {
	db  *gorm.DB
	bus feed.Bus
}

// NewRoomRepository creates a new repository bound to the given DB
// connection and change bus.
func NewRoomRepository(database *gorm.DB, bus feed.Bus) *RoomRepository {
	return &RoomRepository{db: database, bus: bus}
}

// FindOrCreate returns the single room for the unordered pair {a, b},
// creating it lazily on first negotiated contact. Both argument orders
// resolve to the same row.
func (r *RoomRepository) FindOrCreate(ctx context.Context, a, b string) (*db.Room, bool, error) {
	low, high := db.OrderedPair(a, b)

	find := func() (*db.Room, error) {
		var room db.Room
		err := r.db.WithContext(ctx).
			First(&room, "user_a = ? AND user_b = ?", low, high).Error
		if err != nil {
			return nil, err
		}
		return &room, nil
	}

	if room, err := find(); err == nil {
		return room, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	room := db.Room{ID: uuid.NewString(), UserA: low, UserB: high}
	if err := r.db.WithContext(ctx).Create(&room).Error; err != nil {
		// Lost the first-contact race: the unique pair index rejected the
		// insert, so the other side's row must exist now.
		if existing, ferr := find(); ferr == nil {
			return existing, false, nil
		}
		return nil, false, err
	}

	publishEvent(ctx, r.bus, room.TableName(), feed.EventInsert, nil, room)
	return &room, true, nil
}

// Get fetches one room by id.
func (r *RoomRepository) Get(ctx context.Context, id string) (*db.Room, error) {
	var room db.Room
	if err := r.db.WithContext(ctx).First(&room, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// ListForUser returns every room the user is a member of, newest first.
// Backs the chat-history listing.
func (r *RoomRepository) ListForUser(ctx context.Context, userID string) ([]db.Room, error) {
	var rooms []db.Room
	err := r.db.WithContext(ctx).
		Where("user_a = ? OR user_b = ?", userID, userID).
		Order("created_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

// BumpAffection raises affection_level by one step, clamped to the
// maximum, in a single conditional UPDATE. There is no read-modify-write,
// so concurrent bumps from both members cannot lose an increment past
// the clamp. Returns the level after the bump.
func (r *RoomRepository) BumpAffection(ctx context.Context, roomID string) (int, error) {
	err := r.db.WithContext(ctx).
		Model(&db.Room{}).
		Where("id = ?", roomID).
		Update("affection_level", gorm.Expr(
			"CASE WHEN affection_level + ? >= ? THEN ? ELSE affection_level + ? END",
			affectionStep, affectionMax, affectionMax, affectionStep,
		)).Error
	if err != nil {
		return 0, err
	}

	room, err := r.Get(ctx, roomID)
	if err != nil {
		return 0, err
	}
	publishEvent(ctx, r.bus, room.TableName(), feed.EventUpdate, nil, *room)
	return room.AffectionLevel, nil
}
