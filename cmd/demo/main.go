// Command demo walks two in-process clients through the full flow:
// both come online, one spots the other on the canvas, a chat request
// is sent and accepted, the pair exchanges messages in their room, and
// the initiator leaves.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/momentos/cafe-core/internal/app"
	"github.com/momentos/cafe-core/internal/cache"
	"github.com/momentos/cafe-core/internal/config"
	"github.com/momentos/cafe-core/internal/db"
	svcErr "github.com/momentos/cafe-core/internal/errors"
	"github.com/momentos/cafe-core/internal/feed"
	"github.com/momentos/cafe-core/internal/logger"
	"github.com/momentos/cafe-core/internal/service/canvas"
	"github.com/momentos/cafe-core/internal/service/negotiation"
	"github.com/momentos/cafe-core/internal/service/presence"
	"github.com/momentos/cafe-core/internal/service/room"
)

func newBus(cfg *config.Config) (feed.Bus, error) {
	switch cfg.Feed.Driver {
	case "nats":
		return feed.NewNATSBus(cfg)
	default:
		bus := feed.NewRedisBus(cfg)
		if err := bus.Ping(context.Background()); err != nil {
			return nil, err
		}
		return bus, nil
	}
}

func main() {
	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		os.Exit(1)
	}
	if err := db.SeedMinimalTestData(database); err != nil {
		log.Error("failed to seed", "err", err)
		os.Exit(1)
	}

	bus, err := newBus(cfg)
	if err != nil {
		log.Error("failed to connect change feed", "driver", cfg.Feed.Driver, "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	redisCache := cache.NewRedisCache(cfg)
	appCtx := app.New(cfg, database, bus, redisCache, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aoi, haru := "user-a", "user-b"

	// Both members come online.
	trackerA := presence.NewTracker(appCtx, aoi)
	trackerB := presence.NewTracker(appCtx, haru)
	for _, t := range []*presence.Tracker{trackerA, trackerB} {
		if err := t.Start(ctx); err != nil {
			log.Error("failed to start presence", "err", err)
			os.Exit(1)
		}
		defer t.Close()
	}

	roster, err := trackerA.ListOnline(ctx)
	if err != nil {
		log.Error("failed to list online members", "err", err)
		os.Exit(1)
	}
	fmt.Println("online members visible to Aoi:")
	for _, u := range roster {
		fmt.Printf("  %s (%s, %d)\n", u.Nickname, u.Residence, u.Age)
	}

	// Both wander the canvas.
	canvasA := canvas.NewSynchronizer(appCtx, aoi)
	canvasB := canvas.NewSynchronizer(appCtx, haru)
	for _, c := range []*canvas.Synchronizer{canvasA, canvasB} {
		if err := c.Start(ctx); err != nil {
			log.Error("failed to start canvas", "err", err)
			os.Exit(1)
		}
		defer c.Close()
	}
	canvasA.SetMovementInput(canvas.DirRight, true)
	time.Sleep(500 * time.Millisecond)
	canvasA.SetMovementInput(canvas.DirRight, false)
	if err := canvasA.SendMessage(ctx, "hello café!"); err != nil {
		log.Warn("lobby message failed", "err", err)
	}

	// Handshake: Haru auto-accepts, Aoi initiates.
	negA := negotiation.NewNegotiator(appCtx, aoi)
	negB := negotiation.NewNegotiator(appCtx, haru)

	accepted := make(chan negotiation.Snapshot, 1)
	negA.OnStateChange(func(s negotiation.Snapshot) {
		fmt.Printf("Aoi handshake state: %s\n", s.State)
		if s.State == negotiation.StateRoomReady {
			accepted <- s
		}
	})
	negB.OnIncomingRequest(func(req negotiation.IncomingRequest) {
		fmt.Printf("Haru got a request from %s, accepting\n", req.SenderNickname)
		if err := negB.Respond(ctx, req.RequestID, true); err != nil && !errors.Is(err, svcErr.ErrAlreadyResolved) {
			log.Error("failed to respond", "err", err)
		}
	})
	for _, n := range []*negotiation.Negotiator{negA, negB} {
		if err := n.Start(ctx); err != nil {
			log.Error("failed to start negotiator", "err", err)
			os.Exit(1)
		}
		defer n.Close()
	}

	if err := negA.Initiate(ctx, haru); err != nil {
		log.Error("failed to initiate", "err", err)
		os.Exit(1)
	}

	var snap negotiation.Snapshot
	select {
	case snap = <-accepted:
	case <-ctx.Done():
		log.Error("handshake timed out")
		os.Exit(1)
	}

	// Both enter the room and chat.
	sessA := room.NewSession(appCtx, aoi)
	sessB := room.NewSession(appCtx, haru)
	sessB.OnMessage(func(m db.Message) {
		fmt.Printf("Haru sees: %s\n", m.Content)
	})
	sessB.OnPartnerLeft(func(n room.LeaveNotice) {
		fmt.Printf("Haru sees %s leave the room\n", n.Nickname)
	})
	for _, s := range []*room.Session{sessA, sessB} {
		if err := s.Open(ctx, snap.RoomID); err != nil {
			log.Error("failed to open room", "err", err)
			os.Exit(1)
		}
	}

	level, err := sessA.SendMessage(ctx, "thanks for accepting!")
	if err != nil {
		log.Error("failed to send", "err", err)
		os.Exit(1)
	}
	fmt.Printf("affection level now %d\n", level)

	time.Sleep(300 * time.Millisecond)
	sessA.Leave(ctx)
	time.Sleep(300 * time.Millisecond)
	sessB.Close()

	fmt.Println("demo finished")
}
