// Package presence maintains each user's online flag and last-activity
// timestamp, and computes the lobby roster.
//
// "Online" is a read-time classification: flag set AND heartbeat within
// the freshness window. There is no background reaper; a client that
// dies without flipping its flag simply ages out of the window.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/momentos/cafe-core/internal/app"
	"github.com/momentos/cafe-core/internal/db"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/repository"
)

// OnlineUser is one roster entry: a fresh presence record joined with
// its profile.
type OnlineUser struct {
	UserID       string
	Nickname     string
	Age          int
	Residence    string
	Bio          string
	LastActiveAt time.Time
}

// Tracker owns one client's presence: the outgoing heartbeat and the
// incoming roster.
type Tracker struct {
	appCtx   *app.AppContext
	userID   string
	presence *repository.PresenceRepository
	profiles *repository.ProfileRepository

	window   time.Duration
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	watch    *feed.Handle
	onRoster func([]OnlineUser)
}

// NewTracker creates a tracker for one client identity.
func NewTracker(appCtx *app.AppContext, userID string) *Tracker {
	return &Tracker{
		appCtx:   appCtx,
		userID:   userID,
		presence: repository.NewPresenceRepository(appCtx.DB, appCtx.Feed),
		profiles: repository.NewProfileRepository(appCtx.DB),
		window:   appCtx.Cfg.Presence.FreshnessWindow,
		interval: appCtx.Cfg.Presence.HeartbeatInterval,
		now:      time.Now,
	}
}

// OnRosterChange registers the view-layer callback invoked with the
// refreshed roster after any user_statuses notification.
func (t *Tracker) OnRosterChange(fn func([]OnlineUser)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRoster = fn
}

// Start marks the owner online, attaches the roster watcher, and runs
// the heartbeat until ctx is canceled. On cancellation the owner is
// marked offline best-effort; read-time staleness covers a missed write.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.presence.Touch(ctx, t.userID, t.now().UTC()); err != nil {
		return svcErr.Classify(err)
	}

	watch, err := t.appCtx.Feed.Subscribe(ctx, feed.Subscription{
		Table: "user_statuses",
	}, func(feed.Event) {
		// any presence mutation refreshes the whole roster; the event
		// itself carries too little to patch incrementally
		t.refreshRoster(ctx)
	}, nil)
	if err != nil {
		return svcErr.Wrap(svcErr.KindTransient, "failed to watch presence", err)
	}
	t.mu.Lock()
	t.watch = watch
	t.mu.Unlock()

	go t.heartbeat(ctx)
	t.refreshRoster(ctx)
	return nil
}

// Close releases the roster watcher.
func (t *Tracker) Close() {
	t.mu.Lock()
	watch := t.watch
	t.watch = nil
	t.mu.Unlock()
	watch.Unsubscribe()
}

func (t *Tracker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// best-effort goodbye; the session context is gone
			offCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := t.presence.MarkOffline(offCtx, t.userID, t.now().UTC()); err != nil {
				t.appCtx.Logger.Warn("failed to mark offline on shutdown", "err", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := t.presence.Touch(ctx, t.userID, t.now().UTC()); err != nil {
				t.appCtx.Logger.Warn("heartbeat write failed", "err", err)
			}
		}
	}
}

// ListOnline returns every other user currently classified online,
// joined with their profiles. Users without a profile are skipped.
func (t *Tracker) ListOnline(ctx context.Context) ([]OnlineUser, error) {
	now := t.now().UTC()
	recs, err := t.presence.ListOnline(ctx, t.window, now)
	if err != nil {
		return nil, svcErr.Classify(err)
	}

	users := make([]OnlineUser, 0, len(recs))
	for _, rec := range recs {
		if rec.UserID == t.userID || !t.Fresh(rec, now) {
			continue
		}
		p, err := t.profiles.Get(ctx, rec.UserID)
		if err != nil {
			continue
		}
		users = append(users, OnlineUser{
			UserID:       rec.UserID,
			Nickname:     p.Nickname,
			Age:          p.Age,
			Residence:    p.Residence,
			Bio:          p.Bio,
			LastActiveAt: rec.LastActiveAt,
		})
	}

	if t.appCtx.Cache != nil {
		_ = t.appCtx.Cache.UpdateOnlineCount(ctx, int64(len(users)))
	}
	return users, nil
}

// OnlineCount returns the roster size, cache-first with DB fallback.
// A cache hit refreshes the entry's TTL, so a busy lobby keeps serving
// the count from Redis between roster recomputations.
func (t *Tracker) OnlineCount(ctx context.Context) (int64, error) {
	if t.appCtx.Cache != nil {
		if n, found, err := t.appCtx.Cache.GetOnlineCount(ctx); err == nil && found {
			return n, nil
		}
	}

	users, err := t.ListOnline(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(users)), nil
}

// Fresh reports whether a record counts as online at the given instant.
// A record flagged online whose heartbeat fell outside the window is
// offline to every reader.
func (t *Tracker) Fresh(rec db.PresenceRecord, now time.Time) bool {
	return rec.IsOnline && now.Sub(rec.LastActiveAt) <= t.window
}

func (t *Tracker) refreshRoster(ctx context.Context) {
	t.mu.Lock()
	cb := t.onRoster
	t.mu.Unlock()
	if cb == nil {
		return
	}
	users, err := t.ListOnline(ctx)
	if err != nil {
		t.appCtx.Logger.Warn("roster refresh failed", "err", err)
		return
	}
	cb(users)
}
