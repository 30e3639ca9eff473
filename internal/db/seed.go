package db

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// SeedTestData resets the database and populates it with demo café members.
//
// Behavior:
//  1. Clears every table.
//  2. Creates 12 profiles with hashed passwords, scattered on the canvas.
//  3. Marks the first 8 online with recent activity, the rest stale.
//  4. Creates a few rooms with transcripts and matching resolved requests,
//     plus one pending request to exercise the handshake path.
//  5. Drops ~30 lobby chat lines.
//
// Compatible with both MySQL and SQLite.
func SeedTestData(db *gorm.DB) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	// --- Fresh start ---
	for _, table := range []string{
		"messages", "chat_requests", "chat_rooms",
		"canvas_messages", "player_states", "user_statuses", "profiles",
	} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	log.Println("Cleared existing data")

	// --- Seed profiles ---
	nicknames := []string{
		"Aoi", "Haru", "Mio", "Ren", "Yuna", "Kaito",
		"Sora", "Hina", "Riku", "Mei", "Tsubasa", "Nao",
	}
	residences := []string{"Tokyo", "Osaka", "Kyoto", "Fukuoka", "Sapporo"}

	userIDs := make([]string, 0, len(nicknames))
	for i, nickname := range nicknames {
		hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		p := Profile{
			UserID:       uuid.NewString(),
			Nickname:     nickname,
			Age:          20 + r.Intn(15),
			Residence:    residences[i%len(residences)],
			Bio:          fmt.Sprintf("Hi, I'm %s. Come say hello!", nickname),
			PasswordHash: string(hash),
		}
		if err := db.Create(&p).Error; err != nil {
			return fmt.Errorf("failed to seed profile: %w", err)
		}
		userIDs = append(userIDs, p.UserID)
	}
	log.Printf("Seeded %d profiles.", len(userIDs))

	// --- Presence: first 8 fresh and online, rest stale ---
	now := time.Now().UTC()
	for i, id := range userIDs {
		rec := PresenceRecord{UserID: id, IsOnline: true, LastActiveAt: now.Add(-time.Duration(r.Intn(20)) * time.Second)}
		if i >= 8 {
			// left without a clean sign-off: flag still set, timestamp old
			rec.LastActiveAt = now.Add(-time.Duration(5+r.Intn(60)) * time.Minute)
		}
		if err := db.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to seed presence: %w", err)
		}
	}

	// --- Player positions scattered inside the default canvas ---
	for _, id := range userIDs[:8] {
		state := PlayerState{
			UserID:   id,
			X:        r.Intn(800 - 32),
			Y:        r.Intn(600 - 32),
			LastSeen: now,
		}
		if err := db.Create(&state).Error; err != nil {
			return fmt.Errorf("failed to seed player state: %w", err)
		}
	}

	// --- Rooms with transcripts and resolved requests ---
	openers := []string{
		"Hey! Nice to meet you",
		"I saw you across the café :)",
		"How's your day going?",
		"Love your bio!",
	}
	for i := 0; i+1 < 6; i += 2 {
		low, high := OrderedPair(userIDs[i], userIDs[i+1])
		room := Room{ID: uuid.NewString(), UserA: low, UserB: high}
		if err := db.Create(&room).Error; err != nil {
			return fmt.Errorf("failed to seed room: %w", err)
		}

		req := SessionRequest{
			ID:         uuid.NewString(),
			SenderID:   userIDs[i],
			ReceiverID: userIDs[i+1],
			RoomID:     room.ID,
			Status:     StatusAccepted,
		}
		if err := db.Create(&req).Error; err != nil {
			return fmt.Errorf("failed to seed request: %w", err)
		}

		count := 2 + r.Intn(6)
		for j := 0; j < count; j++ {
			msg := Message{
				ID:        uuid.NewString(),
				SenderID:  userIDs[i+j%2],
				RoomID:    room.ID,
				Content:   openers[r.Intn(len(openers))],
				CreatedAt: now.Add(time.Duration(j-count) * time.Minute),
			}
			if err := db.Create(&msg).Error; err != nil {
				return fmt.Errorf("failed to seed message: %w", err)
			}
		}
		if err := db.Model(&Room{}).Where("id = ?", room.ID).
			Update("affection_level", min(100, count*2)).Error; err != nil {
			return fmt.Errorf("failed to seed affection: %w", err)
		}
	}

	// One handshake left hanging for manual testing
	low, high := OrderedPair(userIDs[6], userIDs[7])
	pendingRoom := Room{ID: uuid.NewString(), UserA: low, UserB: high}
	if err := db.Create(&pendingRoom).Error; err != nil {
		return fmt.Errorf("failed to seed room: %w", err)
	}
	pending := SessionRequest{
		ID:         uuid.NewString(),
		SenderID:   userIDs[6],
		ReceiverID: userIDs[7],
		RoomID:     pendingRoom.ID,
		Status:     StatusPending,
	}
	if err := db.Create(&pending).Error; err != nil {
		return fmt.Errorf("failed to seed pending request: %w", err)
	}

	// --- Lobby chat ---
	lobbyLines := []string{
		"anyone here from Osaka?",
		"the coffee art today is amazing",
		"first time here, hello everyone!",
		"who wants to chat?",
		"good evening~",
	}
	for j := 0; j < 30; j++ {
		msg := CanvasMessage{
			ID:        uuid.NewString(),
			UserID:    userIDs[r.Intn(8)],
			Content:   lobbyLines[r.Intn(len(lobbyLines))],
			CreatedAt: now.Add(time.Duration(j-30) * time.Minute),
		}
		if err := db.Create(&msg).Error; err != nil {
			return fmt.Errorf("failed to seed lobby message: %w", err)
		}
	}
	log.Println("Seeded rooms, requests and lobby chat.")

	return nil
}

// SeedMinimalTestData loads a tiny fixed dataset: three profiles, two of
// them online, one accepted room with a short transcript.
func SeedMinimalTestData(db *gorm.DB) error {
	for _, table := range []string{
		"messages", "chat_requests", "chat_rooms",
		"canvas_messages", "player_states", "user_statuses", "profiles",
	} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return err
		}
	}

	profiles := []Profile{
		{UserID: "user-a", Nickname: "Aoi", Age: 24, Residence: "Tokyo", PasswordHash: "x"},
		{UserID: "user-b", Nickname: "Haru", Age: 27, Residence: "Osaka", PasswordHash: "x"},
		{UserID: "user-c", Nickname: "Mio", Age: 22, Residence: "Kyoto", PasswordHash: "x"},
	}
	if err := db.Create(&profiles).Error; err != nil {
		return err
	}

	now := time.Now().UTC()
	statuses := []PresenceRecord{
		{UserID: "user-a", IsOnline: true, LastActiveAt: now},
		{UserID: "user-b", IsOnline: true, LastActiveAt: now},
		{UserID: "user-c", IsOnline: false, LastActiveAt: now.Add(-time.Hour)},
	}
	if err := db.Create(&statuses).Error; err != nil {
		return err
	}

	low, high := OrderedPair("user-a", "user-b")
	room := Room{ID: "room-ab", UserA: low, UserB: high, AffectionLevel: 4}
	if err := db.Create(&room).Error; err != nil {
		return err
	}
	req := SessionRequest{
		ID: "req-ab", SenderID: "user-a", ReceiverID: "user-b",
		RoomID: room.ID, Status: StatusAccepted,
	}
	if err := db.Create(&req).Error; err != nil {
		return err
	}

	msgs := []Message{
		{ID: "msg-1", SenderID: "user-a", RoomID: room.ID, Content: "hello!", CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "msg-2", SenderID: "user-b", RoomID: room.ID, Content: "hi there", CreatedAt: now.Add(-time.Minute)},
	}
	return db.Create(&msgs).Error
}
