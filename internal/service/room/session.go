// Package room runs one client's live view of a private chat room:
// the transcript, the affection meter, and the partner's departure.
package room

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/momentos/cafe-core/internal/app"
	"github.com/momentos/cafe-core/internal/db"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/repository"
)

// LeaveNotice is the transient broadcast a departing member sends on
// the room's channel. It is not persisted; a member who is offline at
// the moment of departure never sees it, which is acceptable because
// the notice only dismisses a live view.
type LeaveNotice struct {
	UserIDWhoLeft string `json:"user_id_who_left"`
	Nickname      string `json:"nickname"`
}

const leaveEvent = "user_left"

// channelFor names the broadcast channel for one room.
func channelFor(roomID string) string { return "room:" + roomID }

// Session is one member's attachment to a room. It loads the transcript,
// streams new messages and affection changes, and relays departures.
type Session struct {
	appCtx   *app.AppContext
	userID   string
	rooms    *repository.RoomRepository
	messages *repository.MessageRepository
	profiles *repository.ProfileRepository

	mu        sync.Mutex
	room      *db.Room
	partnerID string
	partner   string
	log       []db.Message
	affection int
	watches   []*feed.Handle
	closed    bool

	onMessage     func(db.Message)
	onAffection   func(level int)
	onPartnerLeft func(notice LeaveNotice)
}

// NewSession prepares a session for one member identity. Nothing is
// loaded or subscribed until Open.
func NewSession(appCtx *app.AppContext, userID string) *Session {
	return &Session{
		appCtx:   appCtx,
		userID:   userID,
		rooms:    repository.NewRoomRepository(appCtx.DB, appCtx.Feed),
		messages: repository.NewMessageRepository(appCtx.DB, appCtx.Feed),
		profiles: repository.NewProfileRepository(appCtx.DB),
	}
}

// OnMessage registers the new-message callback.
func (s *Session) OnMessage(fn func(db.Message)) { s.mu.Lock(); s.onMessage = fn; s.mu.Unlock() }

// OnAffection registers the affection-change callback.
func (s *Session) OnAffection(fn func(int)) { s.mu.Lock(); s.onAffection = fn; s.mu.Unlock() }

// OnPartnerLeft registers the departure callback.
func (s *Session) OnPartnerLeft(fn func(LeaveNotice)) {
	s.mu.Lock()
	s.onPartnerLeft = fn
	s.mu.Unlock()
}

// Open attaches to a room.
//
// Behavior:
//   - Rejects members that are not part of the room's pair.
//   - Loads the full transcript in chronological order.
//   - Watches new messages, affection updates, and the room's broadcast
//     channel for departures.
func (s *Session) Open(ctx context.Context, roomID string) error {
	room, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		return svcErr.Classify(err)
	}
	if room.UserA != s.userID && room.UserB != s.userID {
		return svcErr.ErrNotRoomMember
	}
	partnerID := room.UserA
	if partnerID == s.userID {
		partnerID = room.UserB
	}

	log, err := s.messages.ListByRoom(ctx, roomID)
	if err != nil {
		return svcErr.Classify(err)
	}
	partner := s.profiles.Nickname(ctx, partnerID)

	msgWatch, err := s.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table:  "messages",
		Events: feed.EventInsert,
		Filter: &feed.Filter{Column: "room_id", Equals: roomID},
	}, s.handleMessage, nil)
	if err != nil {
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch room messages", err)
	}

	roomWatch, err := s.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table:  "chat_rooms",
		Events: feed.EventUpdate,
		Filter: &feed.Filter{Column: "id", Equals: roomID},
	}, s.handleRoomUpdate, nil)
	if err != nil {
		msgWatch.Unsubscribe()
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch room updates", err)
	}

	leaveWatch, err := s.appCtx.Feed.SubscribeBroadcast(ctx, channelFor(roomID), leaveEvent, s.handleLeave, nil)
	if err != nil {
		msgWatch.Unsubscribe()
		roomWatch.Unsubscribe()
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch room channel", err)
	}

	s.mu.Lock()
	s.room = room
	s.partnerID = partnerID
	s.partner = partner
	s.log = log
	s.affection = room.AffectionLevel
	s.watches = []*feed.Handle{msgWatch, roomWatch, leaveWatch}
	s.closed = false
	s.mu.Unlock()
	return nil
}

// SendMessage appends one message and bumps the room's affection meter.
// The meter write is atomic and clamped server-side; the returned level
// is what the row holds after this message.
func (s *Session) SendMessage(ctx context.Context, content string) (int, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return s.Affection(), nil
	}

	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return 0, svcErr.Invariant("session not open")
	}

	if _, err := s.messages.Append(ctx, s.userID, room.ID, content); err != nil {
		return 0, svcErr.Classify(err)
	}
	level, err := s.rooms.BumpAffection(ctx, room.ID)
	if err != nil {
		// message landed; the meter catches up on the next send
		s.appCtx.Logger.Warn("affection bump failed", "room_id", room.ID, "err", err)
		return s.Affection(), nil
	}

	s.mu.Lock()
	s.affection = level
	s.mu.Unlock()
	return level, nil
}

// Leave announces the departure on the room channel and detaches. The
// broadcast is fire-and-forget: delivery failure never blocks leaving.
func (s *Session) Leave(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.room == nil {
		s.mu.Unlock()
		return
	}
	s.closed = true
	room := s.room
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	nickname := s.profiles.Nickname(ctx, s.userID)
	notice := LeaveNotice{UserIDWhoLeft: s.userID, Nickname: nickname}
	if err := s.appCtx.Feed.Broadcast(ctx, channelFor(room.ID), leaveEvent, notice); err != nil {
		s.appCtx.Logger.Warn("leave notice failed", "room_id", room.ID, "err", err)
	}

	for _, w := range watches {
		w.Unsubscribe()
	}
}

// Close detaches without announcing. Used on shutdown paths where the
// partner's view will go stale on its own.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	for _, w := range watches {
		w.Unsubscribe()
	}
}

// Transcript returns a copy of the in-memory message log.
func (s *Session) Transcript() []db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.Message, len(s.log))
	copy(out, s.log)
	return out
}

// Affection returns the last observed affection level.
func (s *Session) Affection() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.affection
}

// PartnerNickname returns the other member's display name.
func (s *Session) PartnerNickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partner
}

// History pages back through the room's persisted messages, newest
// first. Independent of the live log; used by archive views.
func (s *Session) History(ctx context.Context, token *string, limit int) ([]db.Message, *string, error) {
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if room == nil {
		return nil, nil, svcErr.Invariant("session not open")
	}
	msgs, next, err := s.messages.History(ctx, room.ID, token, limit)
	if err != nil {
		return nil, nil, svcErr.Classify(err)
	}
	return msgs, next, nil
}

func (s *Session) handleMessage(e feed.Event) {
	var msg db.Message
	if err := e.DecodeNew(&msg); err != nil {
		s.appCtx.Logger.Warn("undecodable room message", "err", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// the sender's own insert arrives on the feed like anyone else's;
	// there is no separate local echo, so no dedupe needed
	s.log = append(s.log, msg)
	cb := s.onMessage
	s.mu.Unlock()

	if cb != nil {
		cb(msg)
	}
}

func (s *Session) handleRoomUpdate(e feed.Event) {
	var room db.Room
	if err := e.DecodeNew(&room); err != nil {
		s.appCtx.Logger.Warn("undecodable room update", "err", err)
		return
	}

	s.mu.Lock()
	if s.closed || room.AffectionLevel == s.affection {
		s.mu.Unlock()
		return
	}
	s.affection = room.AffectionLevel
	cb := s.onAffection
	s.mu.Unlock()

	if cb != nil {
		cb(room.AffectionLevel)
	}
}

func (s *Session) handleLeave(payload json.RawMessage) {
	var notice LeaveNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		s.appCtx.Logger.Warn("undecodable leave notice", "err", err)
		return
	}
	if notice.UserIDWhoLeft == s.userID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cb := s.onPartnerLeft
	s.mu.Unlock()

	if cb != nil {
		cb(notice)
	}
}

// ListRooms returns every room the member belongs to, for the chat
// archive list.
func ListRooms(ctx context.Context, appCtx *app.AppContext, userID string) ([]db.Room, error) {
	rooms, err := repository.NewRoomRepository(appCtx.DB, appCtx.Feed).ListForUser(ctx, userID)
	if err != nil {
		return nil, svcErr.Classify(err)
	}
	return rooms, nil
}
