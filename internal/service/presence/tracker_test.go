package presence

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/momentos/cafe-core/internal/app"
	"github.com/momentos/cafe-core/internal/cache"
	"github.com/momentos/cafe-core/internal/config"
	"github.com/momentos/cafe-core/internal/db"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/repository"
)

//
// Test helpers
//

// setupApp builds an isolated in-memory stack and returns the miniredis
// handle so tests can poke at the cache directly.
func setupApp(t *testing.T) (*app.AppContext, *miniredis.Miniredis) {
	t.Helper()

	dbName := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dbName), &gorm.Config{
		NowFunc:                func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()

	bus := feed.NewRedisBus(cfg)
	t.Cleanup(func() { bus.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return app.New(cfg, gdb, bus, cache.NewRedisCache(cfg), logger), mr
}

func seedProfile(t *testing.T, appCtx *app.AppContext, userID, nickname string) {
	t.Helper()
	profiles := repository.NewProfileRepository(appCtx.DB)
	require.NoError(t, profiles.Upsert(context.Background(), &db.Profile{
		UserID: userID, Nickname: nickname, Age: 25, Residence: "Tokyo",
	}))
}

//
// Tests
//

// TestListOnlineFiltersSelfStaleAndProfileless covers the roster join:
// the owner is excluded, stale heartbeats age out, users without a
// profile are skipped.
func TestListOnlineFiltersSelfStaleAndProfileless(t *testing.T) {
	ctx := context.Background()
	appCtx, _ := setupApp(t)

	seedProfile(t, appCtx, "self", "Aoi")
	seedProfile(t, appCtx, "fresh", "Haru")
	seedProfile(t, appCtx, "stale", "Mio")
	// "ghost" has presence but no profile

	base := time.Now().UTC().Truncate(time.Millisecond)
	presenceRepo := repository.NewPresenceRepository(appCtx.DB, nil)
	require.NoError(t, presenceRepo.Touch(ctx, "self", base))
	require.NoError(t, presenceRepo.Touch(ctx, "fresh", base.Add(-10*time.Second)))
	require.NoError(t, presenceRepo.Touch(ctx, "stale", base.Add(-5*time.Minute)))
	require.NoError(t, presenceRepo.Touch(ctx, "ghost", base))

	tracker := NewTracker(appCtx, "self")
	tracker.now = func() time.Time { return base }

	online, err := tracker.ListOnline(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "fresh", online[0].UserID)
	assert.Equal(t, "Haru", online[0].Nickname)
}

// TestFresh pins the read-time classification at the window edges.
func TestFresh(t *testing.T) {
	appCtx, _ := setupApp(t)
	tracker := NewTracker(appCtx, "self")
	now := time.Now().UTC()

	inside := db.PresenceRecord{UserID: "u", IsOnline: true, LastActiveAt: now.Add(-tracker.window)}
	outside := db.PresenceRecord{UserID: "u", IsOnline: true, LastActiveAt: now.Add(-tracker.window - time.Second)}
	flaggedOff := db.PresenceRecord{UserID: "u", IsOnline: false, LastActiveAt: now}

	assert.True(t, tracker.Fresh(inside, now))
	assert.False(t, tracker.Fresh(outside, now))
	assert.False(t, tracker.Fresh(flaggedOff, now))
}

// TestOnlineCountPrefersCache: a roster read warms the cache and later
// counts are served from it even when the table moves on; flushing the
// cache falls back to the DB.
func TestOnlineCountPrefersCache(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupApp(t)

	seedProfile(t, appCtx, "self", "Aoi")
	seedProfile(t, appCtx, "other", "Haru")

	base := time.Now().UTC().Truncate(time.Millisecond)
	presenceRepo := repository.NewPresenceRepository(appCtx.DB, nil)
	require.NoError(t, presenceRepo.Touch(ctx, "other", base))

	tracker := NewTracker(appCtx, "self")
	tracker.now = func() time.Time { return base }

	_, err := tracker.ListOnline(ctx) // warms the cache with 1
	require.NoError(t, err)

	require.NoError(t, presenceRepo.MarkOffline(ctx, "other", base))
	count, err := tracker.OnlineCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count) // cached value still served

	mr.FlushAll()
	count, err = tracker.OnlineCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// TestOnlineCountRefreshesCacheTTL: a cache hit re-arms the entry's
// expiry, so a steadily polled lobby keeps the count hot in Redis.
func TestOnlineCountRefreshesCacheTTL(t *testing.T) {
	ctx := context.Background()
	appCtx, mr := setupApp(t)

	seedProfile(t, appCtx, "self", "Aoi")
	seedProfile(t, appCtx, "other", "Haru")

	base := time.Now().UTC().Truncate(time.Millisecond)
	presenceRepo := repository.NewPresenceRepository(appCtx.DB, nil)
	require.NoError(t, presenceRepo.Touch(ctx, "other", base))

	tracker := NewTracker(appCtx, "self")
	tracker.now = func() time.Time { return base }

	_, err := tracker.ListOnline(ctx) // warms the cache
	require.NoError(t, err)

	key := appCtx.Cache.KeyForOnlineCount()
	mr.FastForward(30 * time.Second)
	require.LessOrEqual(t, mr.TTL(key), 30*time.Second)

	count, err := tracker.OnlineCount(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// the hit re-armed the full TTL
	assert.Greater(t, mr.TTL(key), 30*time.Second)
}

// TestRosterRefreshOnPresenceEvent: another user's heartbeat pushes a
// fresh roster through the callback.
func TestRosterRefreshOnPresenceEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appCtx, _ := setupApp(t)

	seedProfile(t, appCtx, "self", "Aoi")
	seedProfile(t, appCtx, "other", "Haru")

	rosters := make(chan []OnlineUser, 8)
	tracker := NewTracker(appCtx, "self")
	tracker.OnRosterChange(func(users []OnlineUser) { rosters <- users })
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Close()

	// publish through a feed-connected repo, like a second client would
	presenceRepo := repository.NewPresenceRepository(appCtx.DB, appCtx.Feed)
	require.NoError(t, presenceRepo.Touch(ctx, "other", time.Now().UTC()))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case users := <-rosters:
			if len(users) == 1 && users[0].UserID == "other" {
				return
			}
		case <-deadline:
			t.Fatal("roster never reflected the new heartbeat")
		}
	}
}

// TestRosterCallbackRegisteredAfterStart: OnRosterChange may be called
// while the watcher is already live; presence events arriving afterwards
// reach the late-registered callback.
func TestRosterCallbackRegisteredAfterStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appCtx, _ := setupApp(t)

	seedProfile(t, appCtx, "self", "Aoi")
	seedProfile(t, appCtx, "other", "Haru")

	tracker := NewTracker(appCtx, "self")
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Close()

	rosters := make(chan []OnlineUser, 8)
	tracker.OnRosterChange(func(users []OnlineUser) { rosters <- users })

	presenceRepo := repository.NewPresenceRepository(appCtx.DB, appCtx.Feed)
	require.NoError(t, presenceRepo.Touch(ctx, "other", time.Now().UTC()))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case users := <-rosters:
			if len(users) == 1 && users[0].UserID == "other" {
				return
			}
		case <-deadline:
			t.Fatal("late-registered callback never saw the roster")
		}
	}
}

// TestShutdownMarksOffline: canceling the session context flips the
// owner's flag best-effort.
func TestShutdownMarksOffline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	appCtx, _ := setupApp(t)

	seedProfile(t, appCtx, "self", "Aoi")

	tracker := NewTracker(appCtx, "self")
	require.NoError(t, tracker.Start(ctx))
	defer tracker.Close()

	presenceRepo := repository.NewPresenceRepository(appCtx.DB, nil)
	rec, err := presenceRepo.Get(context.Background(), "self")
	require.NoError(t, err)
	require.True(t, rec.IsOnline)

	cancel()
	require.Eventually(t, func() bool {
		rec, err := presenceRepo.Get(context.Background(), "self")
		return err == nil && !rec.IsOnline
	}, 3*time.Second, 10*time.Millisecond)
}
