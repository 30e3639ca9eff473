// Package canvas keeps one client's avatar moving smoothly on the
// shared 2D canvas while other occupants observe a persisted,
// throttle-written authoritative position.
//
// Local movement is optimistic: every frame applies held inputs to the
// local position immediately, clamped to canvas bounds, and never waits
// on a write acknowledgement. Persistence happens on a trailing-edge
// throttle: a continuously moving player emits writes at the window
// cadence, a player that stops emits exactly one final settle write.
package canvas

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/momentos/cafe-core/internal/app"
	"github.com/momentos/cafe-core/internal/db"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/repository"
)

// Direction is one of the four held movement inputs.
type Direction int

const (
	DirUp Direction = iota
	DirDown
	DirLeft
	DirRight
)

const chatLogLimit = 100

// Bubble is a transient "latest message" attached to a rendered player.
// Expiry is a timestamp checked at read time, not a timer race: a
// rapid burst of messages truncating an earlier bubble's display is an
// accepted cosmetic outcome.
type Bubble struct {
	Text      string
	ExpiresAt time.Time
}

// RenderablePlayer is what the view layer draws each frame.
type RenderablePlayer struct {
	UserID   string
	Nickname string
	X        int
	Y        int
	Bubble   string // empty when no live bubble
	Me       bool
}

// ChatLine is one lobby chat entry.
type ChatLine struct {
	UserID    string
	Nickname  string
	Content   string
	CreatedAt time.Time
}

type remotePlayer struct {
	x, y int
}

// Synchronizer owns one client's canvas state.
type Synchronizer struct {
	appCtx   *app.AppContext
	userID   string
	players  *repository.PlayerRepository
	lobby    *repository.CanvasMessageRepository
	profiles *repository.ProfileRepository

	width, height int
	playerSize    int
	moveStep      int
	frameInterval time.Duration
	persistWindow time.Duration
	bubbleTTL     time.Duration
	now           func() time.Time

	mu           sync.Mutex
	x, y         int
	inputs       [4]bool
	others       map[string]remotePlayer
	nicknames    map[string]string
	bubbles      map[string]Bubble
	chatLog      []ChatLine
	persistTimer *time.Timer
	watches      []*feed.Handle

	onChange func()
}

// NewSynchronizer creates a synchronizer for one client identity with
// canvas geometry and timing from config.
func NewSynchronizer(appCtx *app.AppContext, userID string) *Synchronizer {
	c := appCtx.Cfg.Canvas
	return &Synchronizer{
		appCtx:        appCtx,
		userID:        userID,
		players:       repository.NewPlayerRepository(appCtx.DB, appCtx.Feed),
		lobby:         repository.NewCanvasMessageRepository(appCtx.DB, appCtx.Feed),
		profiles:      repository.NewProfileRepository(appCtx.DB),
		width:         c.Width,
		height:        c.Height,
		playerSize:    c.PlayerSize,
		moveStep:      c.MoveStep,
		frameInterval: c.FrameInterval,
		persistWindow: c.PersistWindow,
		bubbleTTL:     c.BubbleDuration,
		now:           time.Now,
		others:        make(map[string]remotePlayer),
		nicknames:     make(map[string]string),
		bubbles:       make(map[string]Bubble),
	}
}

// OnChange registers an optional re-render hook, called after any state
// change a renderer would care about.
func (s *Synchronizer) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Start attaches to the canvas and runs the frame loop until ctx is
// canceled.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.Attach(ctx); err != nil {
		return err
	}
	go s.frameLoop(ctx)
	return nil
}

// Attach loads initial canvas state and wires the feed watchers without
// starting the frame loop. Embedders that drive frames themselves call
// Attach and then Step on their own cadence.
func (s *Synchronizer) Attach(ctx context.Context) error {
	if err := s.loadInitial(ctx); err != nil {
		return err
	}

	posWatch, err := s.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table: "player_states",
	}, func(e feed.Event) {
		s.handleRemoteState(ctx, e)
	}, nil)
	if err != nil {
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch player states", err)
	}

	chatWatch, err := s.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table:  "canvas_messages",
		Events: feed.EventInsert,
	}, func(e feed.Event) {
		s.handleLobbyMessage(ctx, e)
	}, nil)
	if err != nil {
		posWatch.Unsubscribe()
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch lobby chat", err)
	}

	s.mu.Lock()
	s.watches = append(s.watches, posWatch, chatWatch)
	s.mu.Unlock()
	return nil
}

// Close releases every watcher and flushes the final position.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	watches := s.watches
	s.watches = nil
	if s.persistTimer != nil {
		s.persistTimer.Stop()
		s.persistTimer = nil
	}
	x, y := s.x, s.y
	s.mu.Unlock()

	for _, w := range watches {
		w.Unsubscribe()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.players.Upsert(ctx, s.userID, x, y, s.now().UTC()); err != nil {
		s.appCtx.Logger.Warn("final position flush failed", "err", err)
	}
}

// SetMovementInput records a held/released directional input. The frame
// loop reads the held set each tick; input changes alone move nothing.
func (s *Synchronizer) SetMovementInput(dir Direction, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir >= 0 && int(dir) < len(s.inputs) {
		s.inputs[dir] = active
	}
}

// SendMessage persists one lobby chat line, echoes it locally, and
// raises the sender's own bubble without waiting for the feed.
func (s *Synchronizer) SendMessage(ctx context.Context, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	msg, err := s.lobby.Append(ctx, s.userID, content)
	if err != nil {
		return svcErr.Classify(err)
	}

	s.mu.Lock()
	s.appendChatLocked(ChatLine{
		UserID:    s.userID,
		Nickname:  s.nickname(ctx, s.userID),
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	s.bubbles[s.userID] = Bubble{Text: msg.Content, ExpiresAt: s.now().Add(s.bubbleTTL)}
	cb := s.onChange
	s.mu.Unlock()

	fire(cb)
	return nil
}

// Renderables returns the draw list: self plus every remote occupant,
// with live bubbles attached. Expired bubbles are pruned here; the
// render poll is the expiry check, not a timer.
func (s *Synchronizer) Renderables() []RenderablePlayer {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, b := range s.bubbles {
		if !b.ExpiresAt.After(now) {
			delete(s.bubbles, id)
		}
	}

	out := make([]RenderablePlayer, 0, len(s.others)+1)
	out = append(out, RenderablePlayer{
		UserID:   s.userID,
		Nickname: s.nicknames[s.userID],
		X:        s.x,
		Y:        s.y,
		Bubble:   s.bubbles[s.userID].Text,
		Me:       true,
	})
	for id, p := range s.others {
		out = append(out, RenderablePlayer{
			UserID:   id,
			Nickname: s.nicknames[id],
			X:        p.x,
			Y:        p.y,
			Bubble:   s.bubbles[id].Text,
		})
	}
	sort.Slice(out[1:], func(i, j int) bool { return out[i+1].UserID < out[j+1].UserID })
	return out
}

// Position returns the local authoritative position.
func (s *Synchronizer) Position() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

// ChatLog returns a copy of the rolling lobby chat window.
func (s *Synchronizer) ChatLog() []ChatLine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatLine, len(s.chatLog))
	copy(out, s.chatLog)
	return out
}

// Step advances one frame: apply held inputs, clamp to bounds, update
// local state immediately, and arm the persistence throttle. Exposed so
// the frame cadence can be driven externally (tests, custom loops).
func (s *Synchronizer) Step() {
	s.mu.Lock()

	dx, dy := 0, 0
	if s.inputs[DirUp] {
		dy -= s.moveStep
	}
	if s.inputs[DirDown] {
		dy += s.moveStep
	}
	if s.inputs[DirLeft] {
		dx -= s.moveStep
	}
	if s.inputs[DirRight] {
		dx += s.moveStep
	}
	if dx == 0 && dy == 0 {
		s.mu.Unlock()
		return
	}

	nx := clamp(s.x+dx, 0, s.width-s.playerSize)
	ny := clamp(s.y+dy, 0, s.height-s.playerSize)
	if nx == s.x && ny == s.y {
		s.mu.Unlock()
		return
	}
	s.x, s.y = nx, ny

	// Trailing-edge throttle: the first unsaved change arms the timer;
	// further changes inside the window ride along and the latest
	// position wins when it fires.
	if s.persistTimer == nil {
		s.persistTimer = time.AfterFunc(s.persistWindow, s.persistLatest)
	}
	cb := s.onChange
	s.mu.Unlock()

	fire(cb)
}

// --- internal ---

func (s *Synchronizer) frameLoop(ctx context.Context) {
	ticker := time.NewTicker(s.frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// persistLatest writes the newest local position. It runs on the
// throttle timer's goroutine, never on the frame loop: movement must
// not stall waiting on a write.
func (s *Synchronizer) persistLatest() {
	s.mu.Lock()
	s.persistTimer = nil
	x, y := s.x, s.y
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.players.Upsert(ctx, s.userID, x, y, s.now().UTC()); err != nil {
		s.appCtx.Logger.Warn("position persist failed", "err", err)
	}
}

func (s *Synchronizer) loadInitial(ctx context.Context) error {
	state, err := s.players.Get(ctx, s.userID)
	if err != nil {
		// first visit: spawn at the default position and claim the row
		state = &db.PlayerState{UserID: s.userID, X: 100, Y: 100}
		if err := s.players.Upsert(ctx, s.userID, state.X, state.Y, s.now().UTC()); err != nil {
			return svcErr.Classify(err)
		}
	}

	all, err := s.players.ListAll(ctx)
	if err != nil {
		return svcErr.Classify(err)
	}
	recent, err := s.lobby.ListRecent(ctx, chatLogLimit)
	if err != nil {
		return svcErr.Classify(err)
	}

	s.mu.Lock()
	s.x, s.y = state.X, state.Y
	s.nicknames[s.userID] = s.nickname(ctx, s.userID)
	for _, p := range all {
		if p.UserID == s.userID {
			continue
		}
		s.others[p.UserID] = remotePlayer{x: p.X, y: p.Y}
		s.nicknames[p.UserID] = s.nickname(ctx, p.UserID)
	}
	for _, m := range recent {
		s.appendChatLocked(ChatLine{
			UserID:    m.UserID,
			Nickname:  s.nickname(ctx, m.UserID),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	s.mu.Unlock()
	return nil
}

// handleRemoteState replaces a remote occupant's position wholesale.
// No interpolation; the newest notification wins.
func (s *Synchronizer) handleRemoteState(ctx context.Context, e feed.Event) {
	var state db.PlayerState
	if err := e.DecodeNew(&state); err != nil {
		s.appCtx.Logger.Warn("undecodable player state", "err", err)
		return
	}
	if state.UserID == s.userID {
		return
	}

	nick := s.resolveNickname(ctx, state.UserID)

	s.mu.Lock()
	s.others[state.UserID] = remotePlayer{x: state.X, y: state.Y}
	s.nicknames[state.UserID] = nick
	cb := s.onChange
	s.mu.Unlock()

	fire(cb)
}

func (s *Synchronizer) handleLobbyMessage(ctx context.Context, e feed.Event) {
	var msg db.CanvasMessage
	if err := e.DecodeNew(&msg); err != nil {
		s.appCtx.Logger.Warn("undecodable lobby message", "err", err)
		return
	}
	if msg.UserID == s.userID {
		// already echoed locally on send
		return
	}

	nick := s.resolveNickname(ctx, msg.UserID)

	s.mu.Lock()
	s.appendChatLocked(ChatLine{
		UserID:    msg.UserID,
		Nickname:  nick,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	s.bubbles[msg.UserID] = Bubble{Text: msg.Content, ExpiresAt: s.now().Add(s.bubbleTTL)}
	cb := s.onChange
	s.mu.Unlock()

	fire(cb)
}

// nickname resolves a display name through the local cache. The caller
// must hold s.mu.
func (s *Synchronizer) nickname(ctx context.Context, userID string) string {
	if n, ok := s.nicknames[userID]; ok && n != "" {
		return n
	}
	return s.profiles.Nickname(ctx, userID)
}

// resolveNickname is the lock-free entry point for feed handlers: the
// cache check takes the mutex, the profile read happens outside it.
func (s *Synchronizer) resolveNickname(ctx context.Context, userID string) string {
	s.mu.Lock()
	n, ok := s.nicknames[userID]
	s.mu.Unlock()
	if ok && n != "" {
		return n
	}
	return s.profiles.Nickname(ctx, userID)
}

func (s *Synchronizer) appendChatLocked(line ChatLine) {
	s.chatLog = append(s.chatLog, line)
	if len(s.chatLog) > chatLogLimit {
		s.chatLog = s.chatLog[len(s.chatLog)-chatLogLimit:]
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func fire(cb func()) {
	if cb != nil {
		cb()
	}
}
