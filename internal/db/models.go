package db

import (
	"time"
)

// Request status values. Status is monotonic: pending may move to accepted
// or rejected exactly once; resolved requests never transition again.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Profile holds the user-visible identity attached to an auth user id.
// The id itself is issued by the external auth collaborator and never
// mutated here.
type Profile struct {
	UserID       string    `gorm:"primaryKey;size:36" json:"user_id"`
	Nickname     string    `gorm:"size:64;not null" json:"nickname"`
	Age          int       `json:"age,omitempty"`
	Residence    string    `gorm:"size:128" json:"residence,omitempty"`
	Bio          string    `gorm:"size:512" json:"bio,omitempty"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// PresenceRecord is one row per user, upserted by its owner only.
//
// Readers must treat is_online=true with last_active_at older than the
// freshness window as offline. Staleness is evaluated at read time; there
// is no background reaper.
type PresenceRecord struct {
	UserID       string    `gorm:"primaryKey;size:36" json:"user_id"`
	IsOnline     bool      `gorm:"not null;index:idx_online_active,priority:1" json:"is_online"`
	LastActiveAt time.Time `gorm:"not null;index:idx_online_active,priority:2" json:"last_active_at"`
}

func (PresenceRecord) TableName() string { return "user_statuses" }

// Room is the persistent pairwise container for a conversation.
//
// UserA < UserB by identity order; the pair is the room's natural key and
// the unique composite index guarantees at most one room per unordered
// pair even when both sides race on first contact. Rooms are created once
// and never deleted; affection_level moves +2 (clamped to 100) per message.
type Room struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	UserA          string    `gorm:"size:36;not null;uniqueIndex:idx_room_pair,priority:1" json:"user_a"`
	UserB          string    `gorm:"size:36;not null;uniqueIndex:idx_room_pair,priority:2" json:"user_b"`
	AffectionLevel int       `gorm:"not null;default:0" json:"affection_level"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (Room) TableName() string { return "chat_rooms" }

// SessionRequest is a single handshake instance: one negotiation attempt
// to (re)enter a room. Several requests may reference the same room over
// time; the room is reusable infrastructure, the request is not.
type SessionRequest struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	SenderID   string    `gorm:"size:36;not null" json:"sender_id"`
	ReceiverID string    `gorm:"size:36;not null;index" json:"receiver_id"`
	RoomID     string    `gorm:"size:36;not null;index" json:"room_id"`
	Status     string    `gorm:"size:16;not null;default:pending" json:"status"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SessionRequest) TableName() string { return "chat_requests" }

// Message is an append-only room message, immutable after creation.
type Message struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	SenderID  string    `gorm:"size:36;not null" json:"sender_id"`
	RoomID    string    `gorm:"size:36;not null;index:idx_room_created,priority:1" json:"room_id"`
	Content   string    `gorm:"size:2048;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_room_created,priority:2" json:"created_at"`
}

// CanvasMessage is a lobby chat line shared by every canvas occupant.
type CanvasMessage struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;not null" json:"user_id"`
	Content   string    `gorm:"size:512;not null" json:"content"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// PlayerState is an avatar's authoritative last-known position.
// Owner-writable only; persisted through the trailing-edge throttle, so
// the stored row may lag the owner's local position by up to one window.
type PlayerState struct {
	UserID   string    `gorm:"primaryKey;size:36" json:"user_id"`
	X        int       `gorm:"not null" json:"x"`
	Y        int       `gorm:"not null" json:"y"`
	LastSeen time.Time `gorm:"not null" json:"last_seen"`
}

// OrderedPair returns the canonical (low, high) ordering of two user ids.
// Both sides of a handshake must derive the same room key from the same
// unordered pair, so room creation always goes through this.
func OrderedPair(a, b string) (low, high string) {
	if a < b {
		return a, b
	}
	return b, a
}
