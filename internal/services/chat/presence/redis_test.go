package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestPresenceKey(t *testing.T) {
	if got := presenceKey("42"); got != "chat:presence:42" {
		t.Fatalf("presenceKey = %q", got)
	}
}

func TestDecodeEntry(t *testing.T) {
	entry, ok, err := decodeEntry("42", map[string]string{"online": "0", "last_seen": "1767225600000"})
	if err != nil || !ok {
		t.Fatalf("decodeEntry = %v, %v", ok, err)
	}
	want := time.UnixMilli(1767225600000).UTC()
	if entry.Online || !entry.LastSeen.Equal(want) {
		t.Fatalf("entry = %+v", entry)
	}
	if _, _, err := decodeEntry("42", map[string]string{"last_seen": "yesterday"}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestNewRedisMirrorRejectsBadURL(t *testing.T) {
	if _, err := NewRedisMirror(context.Background(), "not-a-url"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestRedisMirrorUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	mirror := NewRedisMirrorWithClient(client, time.Minute)
	defer mirror.Close()

	if err := mirror.SetOnline(context.Background(), "1", time.Now()); err == nil {
		t.Fatal("expected error from unreachable redis")
	}
}

func TestNilRedisMirror(t *testing.T) {
	var mirror *RedisMirror
	if err := mirror.SetOffline(context.Background(), "1", time.Now()); err == nil {
		t.Fatal("expected error from nil mirror")
	}
	if err := mirror.Close(); err != nil {
		t.Fatalf("close nil mirror: %v", err)
	}
}

// TestRedisMirrorRoundTrip runs against a real server when
// CLASSROOM_CHAT_TEST_REDIS_URL is set.
func TestRedisMirrorRoundTrip(t *testing.T) {
	url := os.Getenv("CLASSROOM_CHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CLASSROOM_CHAT_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	mirror, err := NewRedisMirror(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer mirror.Close()

	seen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := mirror.SetOffline(ctx, "mirror-test", seen); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	entry, ok, err := mirror.Lookup(ctx, "mirror-test")
	if err != nil || !ok {
		t.Fatalf("lookup = %v, %v", ok, err)
	}
	if entry.Online || !entry.LastSeen.Equal(seen) {
		t.Fatalf("entry = %+v", entry)
	}
}
