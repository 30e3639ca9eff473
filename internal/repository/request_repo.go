package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
)

// RequestRepository provides data access for session requests.
//
// Status is monotonic: pending → accepted|rejected, applied through a
// conditional UPDATE guarded by the expected prior state. Zero affected
// rows is the defined "already resolved" outcome, not an error.
type RequestRepository struct {
	db  *gorm.DB
	bus feed.Bus
}

// NewRequestRepository creates a new repository bound to the given DB
// connection and change bus.
func NewRequestRepository(database *gorm.DB, bus feed.Bus) *RequestRepository {
	return &RequestRepository{db: database, bus: bus}
}

// Create inserts a pending request binding one negotiation attempt to a
// room, and notifies the receiver's standing subscription via the feed.
func (r *RequestRepository) Create(ctx context.Context, senderID, receiverID, roomID string) (*db.SessionRequest, error) {
	req := db.SessionRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		RoomID:     roomID,
		Status:     db.StatusPending,
	}
	if err := r.db.WithContext(ctx).Create(&req).Error; err != nil {
		return nil, err
	}
	publishEvent(ctx, r.bus, req.TableName(), feed.EventInsert, nil, req)
	return &req, nil
}

// Get fetches one request by id.
func (r *RequestRepository) Get(ctx context.Context, id string) (*db.SessionRequest, error) {
	var req db.SessionRequest
	if err := r.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

// Resolve moves a pending request to accepted or rejected.
//
// The UPDATE is conditional on status='pending', which makes concurrent
// double-responses idempotent: the first writer wins, later writers see
// zero affected rows and get resolved=false with no error.
func (r *RequestRepository) Resolve(ctx context.Context, id string, accept bool) (bool, error) {
	status := db.StatusRejected
	if accept {
		status = db.StatusAccepted
	}

	res := r.db.WithContext(ctx).
		Model(&db.SessionRequest{}).
		Where("id = ? AND status = ?", id, db.StatusPending).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	req, err := r.Get(ctx, id)
	if err != nil {
		return true, err
	}
	publishEvent(ctx, r.bus, req.TableName(), feed.EventUpdate, nil, *req)
	return true, nil
}
