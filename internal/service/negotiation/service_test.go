package negotiation_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
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
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/repository"
	"github.com/momentos/cafe-core/internal/service/negotiation"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

//
// Test helpers
//

// setupApp spins up an in-memory SQLite DB, a miniredis-backed change
// feed, and two seeded profiles. Each test gets its own isolated stack.
func setupApp(t *testing.T) *app.AppContext {
	t.Helper()

	// In-memory SQLite
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

	// Fake Redis
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(func() { mr.Close() })

	cfg := config.New()
	cfg.Redis.Addr = mr.Addr()

	bus := feed.NewRedisBus(cfg)
	t.Cleanup(func() { bus.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil)) // discard logs in tests
	appCtx := app.New(cfg, gdb, bus, cache.NewRedisCache(cfg), logger)

	profiles := repository.NewProfileRepository(gdb)
	ctx := context.Background()
	require.NoError(t, profiles.Upsert(ctx, &db.Profile{UserID: "user-a", Nickname: "Aoi"}))
	require.NoError(t, profiles.Upsert(ctx, &db.Profile{UserID: "user-b", Nickname: "Haru"}))

	return appCtx
}

// stateRecorder collects every emitted snapshot for later assertions.
type stateRecorder struct {
	mu    sync.Mutex
	snaps []negotiation.Snapshot
}

func (r *stateRecorder) record(s negotiation.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *stateRecorder) countState(s negotiation.State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, snap := range r.snaps {
		if snap.State == s {
			n++
		}
	}
	return n
}

//
// Tests
//

// TestInitiatePersistsRoomAndRequest checks the sender side of a fresh
// handshake: one canonical room, one pending request, watcher armed.
func TestInitiatePersistsRoomAndRequest(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	negA := negotiation.NewNegotiator(appCtx, "user-a")
	defer negA.Close()

	require.NoError(t, negA.Initiate(ctx, "user-b"))

	snap := negA.Snapshot()
	assert.Equal(t, negotiation.StateAwaitingResponse, snap.State)
	assert.NotEmpty(t, snap.RequestID)
	assert.NotEmpty(t, snap.RoomID)
	assert.Equal(t, "Haru", snap.TargetNickname)

	var rooms []db.Room
	require.NoError(t, appCtx.DB.Find(&rooms).Error)
	require.Len(t, rooms, 1)
	assert.Equal(t, "user-a", rooms[0].UserA)
	assert.Equal(t, "user-b", rooms[0].UserB)

	var reqs []db.SessionRequest
	require.NoError(t, appCtx.DB.Find(&reqs).Error)
	require.Len(t, reqs, 1)
	assert.Equal(t, db.StatusPending, reqs[0].Status)
	assert.Equal(t, "user-a", reqs[0].SenderID)
	assert.Equal(t, "user-b", reqs[0].ReceiverID)
	assert.Equal(t, rooms[0].ID, reqs[0].RoomID)
}

// TestInitiateSelfTarget ensures the self check fires before any I/O.
func TestInitiateSelfTarget(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	negA := negotiation.NewNegotiator(appCtx, "user-a")
	defer negA.Close()

	err := negA.Initiate(ctx, "user-a")
	require.ErrorIs(t, err, svcErr.ErrSelfTarget)
	assert.Equal(t, negotiation.StateIdle, negA.Snapshot().State)

	var count int64
	require.NoError(t, appCtx.DB.Model(&db.SessionRequest{}).Count(&count).Error)
	assert.Zero(t, count)
}

// TestInFlightGuardIsGlobal: while one handshake waits, a second
// initiate toward any target is rejected.
func TestInFlightGuardIsGlobal(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	negA := negotiation.NewNegotiator(appCtx, "user-a")
	defer negA.Close()

	require.NoError(t, negA.Initiate(ctx, "user-b"))

	err := negA.Initiate(ctx, "user-c")
	require.ErrorIs(t, err, svcErr.ErrNegotiationInFlight)

	// the waiting handshake is untouched
	assert.Equal(t, negotiation.StateAwaitingResponse, negA.Snapshot().State)
}

// TestAcceptedHandshakeReachesRoomReadyOnce runs the full exchange:
// initiate, inbound prompt on the receiver, accept, room_ready on the
// sender exactly once.
func TestAcceptedHandshakeReachesRoomReadyOnce(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	rec := &stateRecorder{}
	negA := negotiation.NewNegotiator(appCtx, "user-a")
	negA.OnStateChange(rec.record)
	defer negA.Close()

	incoming := make(chan negotiation.IncomingRequest, 1)
	negB := negotiation.NewNegotiator(appCtx, "user-b")
	negB.OnIncomingRequest(func(req negotiation.IncomingRequest) { incoming <- req })
	require.NoError(t, negB.Start(ctx))
	defer negB.Close()

	require.NoError(t, negA.Initiate(ctx, "user-b"))

	var prompt negotiation.IncomingRequest
	select {
	case prompt = <-incoming:
	case <-time.After(waitFor):
		t.Fatal("receiver never got the request prompt")
	}
	assert.Equal(t, "user-a", prompt.SenderID)
	assert.Equal(t, "Aoi", prompt.SenderNickname)
	assert.Equal(t, negA.Snapshot().RoomID, prompt.RoomID)

	require.NoError(t, negB.Respond(ctx, prompt.RequestID, true))

	require.Eventually(t, func() bool {
		return negA.Snapshot().State == negotiation.StateRoomReady
	}, waitFor, tick)

	snap := negA.Snapshot()
	assert.Equal(t, prompt.RoomID, snap.RoomID)

	// let any stray re-delivery land, then check for a single entry
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, rec.countState(negotiation.StateRoomReady))

	// and the receiver was prompted exactly once for the one initiate
	select {
	case <-incoming:
		t.Fatal("receiver got a second prompt for one request")
	case <-time.After(200 * time.Millisecond):
	}
}

// TestRejectedHandshakeAllowsRetry: decline clears the waiting state
// and a fresh initiate toward the same target works, reusing the room.
func TestRejectedHandshakeAllowsRetry(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	negA := negotiation.NewNegotiator(appCtx, "user-a")
	defer negA.Close()

	incoming := make(chan negotiation.IncomingRequest, 1)
	negB := negotiation.NewNegotiator(appCtx, "user-b")
	negB.OnIncomingRequest(func(req negotiation.IncomingRequest) { incoming <- req })
	require.NoError(t, negB.Start(ctx))
	defer negB.Close()

	require.NoError(t, negA.Initiate(ctx, "user-b"))
	firstRoom := negA.Snapshot().RoomID

	var prompt negotiation.IncomingRequest
	select {
	case prompt = <-incoming:
	case <-time.After(waitFor):
		t.Fatal("receiver never got the request prompt")
	}
	require.NoError(t, negB.Respond(ctx, prompt.RequestID, false))

	require.Eventually(t, func() bool {
		return negA.Snapshot().State == negotiation.StateDeclined
	}, waitFor, tick)

	snap := negA.Snapshot()
	assert.Empty(t, snap.RequestID)
	assert.Equal(t, "Haru", snap.TargetNickname) // kept for the notice

	// terminal state accepts a fresh start without an explicit reset
	require.NoError(t, negA.Initiate(ctx, "user-b"))
	assert.Equal(t, negotiation.StateAwaitingResponse, negA.Snapshot().State)
	assert.Equal(t, firstRoom, negA.Snapshot().RoomID)

	var reqCount int64
	require.NoError(t, appCtx.DB.Model(&db.SessionRequest{}).Count(&reqCount).Error)
	assert.EqualValues(t, 2, reqCount)
}

// TestRespondToResolvedRequestIsNoOp: the double-respond race ends in
// ErrAlreadyResolved, a no-op the caller shows as a notice, and the
// first resolution stands.
func TestRespondToResolvedRequestIsNoOp(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	requests := repository.NewRequestRepository(appCtx.DB, appCtx.Feed)
	req, err := requests.Create(ctx, "user-a", "user-b", "room-1")
	require.NoError(t, err)

	negB := negotiation.NewNegotiator(appCtx, "user-b")
	defer negB.Close()

	require.NoError(t, negB.Respond(ctx, req.ID, true))

	err = negB.Respond(ctx, req.ID, true)
	require.ErrorIs(t, err, svcErr.ErrAlreadyResolved)
	assert.Equal(t, svcErr.KindNoOp, svcErr.KindOf(err))

	// a conflicting late reject cannot flip the outcome either
	err = negB.Respond(ctx, req.ID, false)
	require.ErrorIs(t, err, svcErr.ErrAlreadyResolved)

	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusAccepted, got.Status)
}

// TestRespondRequiresReceiver: the sender cannot resolve its own request.
func TestRespondRequiresReceiver(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	requests := repository.NewRequestRepository(appCtx.DB, appCtx.Feed)
	req, err := requests.Create(ctx, "user-a", "user-b", "room-1")
	require.NoError(t, err)

	negA := negotiation.NewNegotiator(appCtx, "user-a")
	defer negA.Close()

	err = negA.Respond(ctx, req.ID, true)
	require.ErrorIs(t, err, svcErr.ErrNotReceiver)

	got, err := requests.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, got.Status)
}

// TestResetReturnsToIdle after a terminal outcome.
func TestResetReturnsToIdle(t *testing.T) {
	ctx := context.Background()
	appCtx := setupApp(t)

	negA := negotiation.NewNegotiator(appCtx, "user-a")
	defer negA.Close()

	incoming := make(chan negotiation.IncomingRequest, 1)
	negB := negotiation.NewNegotiator(appCtx, "user-b")
	negB.OnIncomingRequest(func(req negotiation.IncomingRequest) { incoming <- req })
	require.NoError(t, negB.Start(ctx))
	defer negB.Close()

	require.NoError(t, negA.Initiate(ctx, "user-b"))
	select {
	case prompt := <-incoming:
		require.NoError(t, negB.Respond(ctx, prompt.RequestID, true))
	case <-time.After(waitFor):
		t.Fatal("receiver never got the request prompt")
	}
	require.Eventually(t, func() bool {
		return negA.Snapshot().State == negotiation.StateRoomReady
	}, waitFor, tick)

	negA.Reset()
	snap := negA.Snapshot()
	assert.Equal(t, negotiation.StateIdle, snap.State)
	assert.Empty(t, snap.RequestID)
	assert.Empty(t, snap.RoomID)
}
