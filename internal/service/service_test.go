package service

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/zkontrol/zkontrol-secure-communications/internal/auth"
	"github.com/zkontrol/zkontrol-secure-communications/internal/config"
	"github.com/zkontrol/zkontrol-secure-communications/internal/db"
	"github.com/zkontrol/zkontrol-secure-communications/internal/models"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = "host=localhost user=postgres password=postgres dbname=zkontrol port=5432 sslmode=disable TimeZone=UTC"
	}
	gdb, err := db.Connect(dsn)
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	return gdb
}

func randHex(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return hex.EncodeToString(b)
}

func makeUser(t *testing.T, users *UserService) *models.User {
	t.Helper()
	user, err := users.GetOrCreate(randHex(t, 32))
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	return user
}

func testConfig() config.Config {
	return config.Config{SessionSecret: "test-secret", ChallengeTTLMinutes: 5, SessionTTLHours: 1}
}

func TestUserService_GetOrCreate(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	identity := randHex(t, 32)

	first, err := users.GetOrCreate(identity)
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first.DisplayName != "zk-"+identity[:8] {
		t.Errorf("GetOrCreate() DisplayName = %q, want derived default", first.DisplayName)
	}

	second, err := users.GetOrCreate(identity)
	if err != nil {
		t.Fatalf("GetOrCreate() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("GetOrCreate() second call ID = %d, want %d", second.ID, first.ID)
	}
}

func TestAuthService_ChallengeFlow(t *testing.T) {
	gdb := testDB(t)
	store := auth.NewChallengeStore()
	svc := NewAuthService(store, NewUserService(gdb), testConfig())

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	identity := hex.EncodeToString(pub)

	if _, err := svc.IssueChallenge("not-a-key"); err != ErrInvalidIdentity {
		t.Errorf("IssueChallenge(bad key) error = %v, want ErrInvalidIdentity", err)
	}

	ch, err := svc.IssueChallenge(identity)
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ch.Message)))

	user, token, err := svc.VerifyResponse(identity, sig)
	if err != nil {
		t.Fatalf("VerifyResponse() error = %v", err)
	}
	if user.ID == 0 || token == "" {
		t.Error("VerifyResponse() should return a provisioned user and a session token")
	}

	// challenge is single use
	if _, _, err := svc.VerifyResponse(identity, sig); err != ErrChallengeNotFound {
		t.Errorf("VerifyResponse() replay error = %v, want ErrChallengeNotFound", err)
	}

	// a failed attempt also consumes the challenge
	if _, err := svc.IssueChallenge(identity); err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	if _, _, err := svc.VerifyResponse(identity, base64.StdEncoding.EncodeToString(make([]byte, 64))); err != ErrInvalidSignature {
		t.Errorf("VerifyResponse() bad sig error = %v, want ErrInvalidSignature", err)
	}
	if _, _, err := svc.VerifyResponse(identity, sig); err != ErrChallengeNotFound {
		t.Errorf("VerifyResponse() after failed attempt error = %v, want ErrChallengeNotFound", err)
	}

	// expired challenge is rejected even with a correct signature
	ch2, err := svc.IssueChallenge(identity)
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	store.Put(identity, auth.Challenge{Nonce: ch2.Nonce, Message: ch2.Message, IssuedAt: time.Now().Add(-6 * time.Minute)})
	sig2 := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ch2.Message)))
	if _, _, err := svc.VerifyResponse(identity, sig2); err != ErrChallengeExpired {
		t.Errorf("VerifyResponse() expired error = %v, want ErrChallengeExpired", err)
	}

	// a fresh round trip maps to the same user
	ch3, err := svc.IssueChallenge(identity)
	if err != nil {
		t.Fatalf("IssueChallenge() error = %v", err)
	}
	sig3 := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(ch3.Message)))
	again, _, err := svc.VerifyResponse(identity, sig3)
	if err != nil {
		t.Fatalf("VerifyResponse() second login error = %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("VerifyResponse() second login user = %d, want %d", again.ID, user.ID)
	}
}

func TestRoomService_EnsurePublicRoom(t *testing.T) {
	gdb := testDB(t)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))

	first, err := rooms.EnsurePublicRoom()
	if err != nil {
		t.Fatalf("EnsurePublicRoom() error = %v", err)
	}
	if !first.IsPublic {
		t.Error("EnsurePublicRoom() should mark the room public")
	}

	second, err := rooms.EnsurePublicRoom()
	if err != nil {
		t.Fatalf("EnsurePublicRoom() second call error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("EnsurePublicRoom() second call ID = %d, want %d", second.ID, first.ID)
	}
}

func TestRoomService_EnsurePairwise(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	a := makeUser(t, users)
	b := makeUser(t, users)

	room, created, err := rooms.EnsurePairwise(a.ID, b.ID)
	if err != nil {
		t.Fatalf("EnsurePairwise() error = %v", err)
	}
	if !created {
		t.Error("EnsurePairwise() first call should create the room")
	}
	if room.IsGroup || room.IsPublic {
		t.Error("EnsurePairwise() room should be neither group nor public")
	}
	for _, id := range []uint{a.ID, b.ID} {
		ok, err := rooms.IsMember(room.ID, id)
		if err != nil || !ok {
			t.Errorf("IsMember(%d) = %v, %v, want member", id, ok, err)
		}
	}

	again, created, err := rooms.EnsurePairwise(a.ID, b.ID)
	if err != nil {
		t.Fatalf("EnsurePairwise() second call error = %v", err)
	}
	if created {
		t.Error("EnsurePairwise() second call should reuse the room")
	}
	if again.ID != room.ID {
		t.Errorf("EnsurePairwise() second call ID = %d, want %d", again.ID, room.ID)
	}
}

func TestRoomService_Join(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	creator := makeUser(t, users)
	joiner := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, creator.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, newly, err := rooms.Join(room.ID, joiner.ID)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if !newly {
		t.Error("Join() first call should report a new membership")
	}
	_, newly, err = rooms.Join(room.ID, joiner.ID)
	if err != nil {
		t.Fatalf("Join() second call error = %v", err)
	}
	if newly {
		t.Error("Join() second call should be a no-op")
	}

	if _, _, err := rooms.Join(99999999, joiner.ID); err != ErrRoomNotFound {
		t.Errorf("Join(unknown room) error = %v, want ErrRoomNotFound", err)
	}
}

func TestMessageService_PostRequiresMembership(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	creator := makeUser(t, users)
	outsider := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, creator.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := msgs.Post(room.ID, outsider.ID, "hello", nil); err != ErrNotAMember {
		t.Errorf("Post() by outsider error = %v, want ErrNotAMember", err)
	}
	var count int64
	if err := gdb.Model(&models.Message{}).Where("room_id = ?", room.ID).Count(&count).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Errorf("Post() by outsider persisted %d rows, want 0", count)
	}

	if _, err := msgs.Post(99999999, outsider.ID, "hello", nil); err != ErrRoomNotFound {
		t.Errorf("Post() into unknown room error = %v, want ErrRoomNotFound", err)
	}
}

func TestMessageService_PostAndList(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	author := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, author.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	first, err := msgs.Post(room.ID, author.ID, "hello", nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	if first.ID == 0 || first.Username != author.DisplayName {
		t.Errorf("Post() = %+v, want server-assigned id and author name", first)
	}
	if _, err := msgs.Post(room.ID, author.ID, "world", nil); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	list, err := msgs.ListByRoom(room.ID, 50)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("ListByRoom() returned %d messages, want 2", len(list))
	}
	if list[0].Content != "hello" || list[1].Content != "world" {
		t.Errorf("ListByRoom() order = [%q, %q], want oldest first", list[0].Content, list[1].Content)
	}
}

func TestMessageService_PostPastExpiry(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	author := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, author.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	past := time.Now().Add(-time.Minute)
	if _, err := msgs.Post(room.ID, author.ID, "gone", &past); err != ErrInvalidExpiry {
		t.Errorf("Post() with past expiry error = %v, want ErrInvalidExpiry", err)
	}
}

func TestMessageService_ReactionIdempotency(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	author := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, author.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msg, err := msgs.Post(room.ID, author.ID, "react to me", nil)
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	reaction, added, err := msgs.AddReaction(msg.ID, author.ID, "👍")
	if err != nil {
		t.Fatalf("AddReaction() error = %v", err)
	}
	if !added || reaction.RoomID != room.ID {
		t.Errorf("AddReaction() = (%+v, %v), want new reaction in room %d", reaction, added, room.ID)
	}
	_, added, err = msgs.AddReaction(msg.ID, author.ID, "👍")
	if err != nil {
		t.Fatalf("AddReaction() second call error = %v", err)
	}
	if added {
		t.Error("AddReaction() second call should be a no-op")
	}
	var count int64
	if err := gdb.Model(&models.Reaction{}).Where("message_id = ?", msg.ID).Count(&count).Error; err != nil {
		t.Fatalf("count reactions: %v", err)
	}
	if count != 1 {
		t.Errorf("stored reactions = %d, want exactly 1", count)
	}

	removed, err := msgs.RemoveReaction(msg.ID, author.ID, "👍")
	if err != nil {
		t.Fatalf("RemoveReaction() error = %v", err)
	}
	if !removed {
		t.Error("RemoveReaction() should report a removed row")
	}
	removed, err = msgs.RemoveReaction(msg.ID, author.ID, "👍")
	if err != nil {
		t.Fatalf("RemoveReaction() second call error = %v", err)
	}
	if removed {
		t.Error("RemoveReaction() on a missing reaction should be a no-op")
	}

	if _, _, err := msgs.AddReaction(99999999, author.ID, "👍"); err != ErrMessageNotFound {
		t.Errorf("AddReaction(unknown message) error = %v, want ErrMessageNotFound", err)
	}
}

func TestMessageService_SweepExpired(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	author := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, author.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	past := time.Now().Add(-time.Minute)
	expired := models.Message{RoomID: room.ID, UserID: author.ID, Content: "ephemeral", ExpiresAt: &past}
	if err := gdb.Create(&expired).Error; err != nil {
		t.Fatalf("seed expired message: %v", err)
	}
	reaction := models.Reaction{MessageID: expired.ID, UserID: author.ID, Emoji: "🔥"}
	if err := gdb.Create(&reaction).Error; err != nil {
		t.Fatalf("seed reaction: %v", err)
	}
	if _, err := msgs.Post(room.ID, author.ID, "kept", nil); err != nil {
		t.Fatalf("Post() error = %v", err)
	}

	deleted, err := msgs.SweepExpired(time.Now())
	if err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	found := false
	for _, d := range deleted {
		if d.ID == expired.ID && d.RoomID == room.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("SweepExpired() = %v, want to include message %d", deleted, expired.ID)
	}

	list, err := msgs.ListByRoom(room.ID, 50)
	if err != nil {
		t.Fatalf("ListByRoom() error = %v", err)
	}
	for _, m := range list {
		if m.ID == expired.ID {
			t.Error("SweepExpired() should remove the message from listings")
		}
	}
	var reactions int64
	if err := gdb.Model(&models.Reaction{}).Where("message_id = ?", expired.ID).Count(&reactions).Error; err != nil {
		t.Fatalf("count reactions: %v", err)
	}
	if reactions != 0 {
		t.Errorf("reactions after sweep = %d, want 0 (cascade)", reactions)
	}

	// nothing new expired, so the second sweep must not touch this room again
	again, err := msgs.SweepExpired(time.Now())
	if err != nil {
		t.Fatalf("SweepExpired() second call error = %v", err)
	}
	for _, d := range again {
		if d.ID == expired.ID {
			t.Error("SweepExpired() second call should not report the same message")
		}
	}
}

func TestUserService_Stats(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	author := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, author.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, content := range []string{"one", "two"} {
		if _, err := msgs.Post(room.ID, author.ID, content, nil); err != nil {
			t.Fatalf("Post() error = %v", err)
		}
	}

	stats, err := users.Stats(author.ID)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.MessageCount != 2 {
		t.Errorf("Stats() MessageCount = %d, want 2", stats.MessageCount)
	}
	if stats.ConversationCount != 1 {
		t.Errorf("Stats() ConversationCount = %d, want 1", stats.ConversationCount)
	}
	var today int64
	for _, day := range stats.ActivityStats {
		today += day.Count
	}
	if today != 2 {
		t.Errorf("Stats() activity total = %d, want 2", today)
	}
}

type fakeBroadcaster struct {
	events []map[string]interface{}
}

func (f *fakeBroadcaster) BroadcastToRoom(roomID uint, payload interface{}) {
	evt := payload.(map[string]interface{})
	f.events = append(f.events, evt)
}

func TestSweeper_BroadcastsDeletions(t *testing.T) {
	gdb := testDB(t)
	users := NewUserService(gdb)
	rooms := NewRoomService(gdb, "test-public-"+randHex(t, 6))
	msgs := NewMessageService(gdb)
	author := makeUser(t, users)

	room, err := rooms.Create("test-room-"+randHex(t, 6), true, author.ID)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	past := time.Now().Add(-time.Minute)
	expired := models.Message{RoomID: room.ID, UserID: author.ID, Content: "ephemeral", ExpiresAt: &past}
	if err := gdb.Create(&expired).Error; err != nil {
		t.Fatalf("seed expired message: %v", err)
	}

	fake := &fakeBroadcaster{}
	sweeper := NewSweeper(msgs, fake, time.Minute)
	sweeper.tick()

	found := false
	for _, evt := range fake.events {
		if evt["type"] == "message_deleted" && evt["messageId"] == expired.ID && evt["roomId"] == room.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("tick() events = %v, want message_deleted for %d", fake.events, expired.ID)
	}

	// second tick with nothing expired emits nothing for this room
	fake.events = nil
	sweeper.tick()
	for _, evt := range fake.events {
		if evt["messageId"] == expired.ID {
			t.Error("tick() should not rebroadcast an already swept message")
		}
	}
}
