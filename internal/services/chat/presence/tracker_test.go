package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
)

var trackerStart = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type recordingMirror struct {
	mu      sync.Mutex
	calls   []string
	entries map[domain.UserID]Entry
	err     error
}

func (m *recordingMirror) SetOnline(_ context.Context, userID domain.UserID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "online:"+string(userID))
	return m.err
}

func (m *recordingMirror) SetOffline(_ context.Context, userID domain.UserID, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "offline:"+string(userID))
	return m.err
}

func (m *recordingMirror) Lookup(_ context.Context, userID domain.UserID) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[userID]
	return entry, ok, m.err
}

func TestConnectDisconnectCountsConnections(t *testing.T) {
	fake := clock.NewFake(trackerStart)
	tracker := NewTracker(Options{Clock: fake})

	if !tracker.Connect("1") {
		t.Fatal("first connection should bring user online")
	}
	if tracker.Connect("1") {
		t.Fatal("second connection should not report online transition")
	}
	if last, _ := tracker.Disconnect("1"); last {
		t.Fatal("closing one of two connections should keep user online")
	}
	if !tracker.Get(context.Background(), "1").Online {
		t.Fatal("user should still be online")
	}

	fake.Advance(time.Minute)
	last, lastSeen := tracker.Disconnect("1")
	if !last {
		t.Fatal("closing the last connection should report offline")
	}
	if !lastSeen.Equal(trackerStart.Add(time.Minute)) {
		t.Fatalf("lastSeen = %v, want disconnect time", lastSeen)
	}
	entry := tracker.Get(context.Background(), "1")
	if entry.Online || entry.Connections != 0 || !entry.LastSeen.Equal(lastSeen) {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestDisconnectUnknownUserIsNoop(t *testing.T) {
	tracker := NewTracker(Options{})
	if last, _ := tracker.Disconnect("ghost"); last {
		t.Fatal("unknown user should not go offline")
	}
	if entry := tracker.Get(context.Background(), "ghost"); entry.Online || entry.UserID != "ghost" {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestOnlineIsSorted(t *testing.T) {
	tracker := NewTracker(Options{})
	tracker.Connect("b")
	tracker.Connect("a")
	tracker.Connect("c")
	tracker.Disconnect("c")
	online := tracker.Online()
	if len(online) != 2 || online[0] != "a" || online[1] != "b" {
		t.Fatalf("Online = %v", online)
	}
}

func TestTypingExpires(t *testing.T) {
	fake := clock.NewFake(trackerStart)
	tracker := NewTracker(Options{Clock: fake, TypingTTL: 5 * time.Second})

	if !tracker.StartTyping("10", "1") {
		t.Fatal("first typing mark should be new")
	}
	if tracker.StartTyping("10", "1") {
		t.Fatal("refresh should not be new")
	}
	fake.Advance(4 * time.Second)
	if !tracker.IsTyping("10", "1") {
		t.Fatal("mark should still be live")
	}
	fake.Advance(2 * time.Second)
	if tracker.IsTyping("10", "1") {
		t.Fatal("mark should have expired")
	}
	if got := tracker.Typing("10"); len(got) != 0 {
		t.Fatalf("Typing = %v, want none", got)
	}
	if !tracker.StartTyping("10", "1") {
		t.Fatal("typing after expiry should be new again")
	}
}

func TestStopTypingAndClearUser(t *testing.T) {
	tracker := NewTracker(Options{Clock: clock.NewFake(trackerStart)})
	tracker.StartTyping("10", "1")
	tracker.StartTyping("11", "1")
	tracker.StartTyping("10", "2")

	if !tracker.StopTyping("10", "2") {
		t.Fatal("expected live mark to be stopped")
	}
	if tracker.StopTyping("10", "2") {
		t.Fatal("second stop should report nothing cleared")
	}
	cleared := tracker.ClearUser("1", []domain.ChannelID{"10", "11", "12"})
	if len(cleared) != 2 {
		t.Fatalf("cleared = %v", cleared)
	}
	if got := tracker.Typing("11"); len(got) != 0 {
		t.Fatalf("Typing(11) = %v", got)
	}
}

func TestMirrorReceivesTransitions(t *testing.T) {
	mirror := &recordingMirror{}
	tracker := NewTracker(Options{Mirror: mirror})
	tracker.Connect("1")
	tracker.Connect("1")
	tracker.Disconnect("1")
	tracker.Disconnect("1")

	if len(mirror.calls) != 2 || mirror.calls[0] != "online:1" || mirror.calls[1] != "offline:1" {
		t.Fatalf("mirror calls = %v", mirror.calls)
	}
}

func TestMirrorErrorsDoNotBlockTracking(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("redis down")}
	tracker := NewTracker(Options{Mirror: mirror})
	if !tracker.Connect("1") {
		t.Fatal("expected online transition despite mirror failure")
	}
	if entry := tracker.Get(context.Background(), "1"); !entry.Online {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestGetFallsBackToMirror(t *testing.T) {
	seen := trackerStart.Add(-time.Hour)
	mirror := &recordingMirror{entries: map[domain.UserID]Entry{
		"remote": {UserID: "remote", Online: true, LastSeen: seen},
	}}
	tracker := NewTracker(Options{Mirror: mirror})
	entry := tracker.Get(context.Background(), "remote")
	if !entry.Online || !entry.LastSeen.Equal(seen) {
		t.Fatalf("entry = %+v", entry)
	}
}
