package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
)

func TestWebSocketRejectsInvalidTokenBeforeUpgrade(t *testing.T) {
	t.Parallel()

	_, ts := startTestServer(t, testServerOptions{})
	_, resp, err := dialWithHeader(t, ts, "bogus", nil)
	if err == nil {
		t.Fatal("expected handshake error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v, want 401", resp)
	}
}

func TestWebSocketFallsBackToSessionCookie(t *testing.T) {
	t.Parallel()

	_, ts := startTestServer(t, testServerOptions{})
	header := http.Header{"Cookie": {sessionCookieName + "=bob-session"}}
	conn, _, err := dialWithHeader(t, ts, "expired-token", header)
	if err != nil {
		t.Fatalf("dial with session cookie: %v", err)
	}
	defer conn.Close()

	connected := readUntil[protocol.Connected](t, conn)
	if connected.UserID != bob.UserID {
		t.Fatalf("connected user = %q, want %q", connected.UserID, bob.UserID)
	}
}

func TestTwoUsersReceiveOneNewMessage(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	b := dialUser(t, ts, "bob-token")
	joinChannel(t, a, "10")
	joinChannel(t, b, "10")

	writeCommand(t, a, protocol.SendMessage{ChannelID: "10", Content: "hi"})

	gotA := readUntil[protocol.NewMessage](t, a)
	gotB := readUntil[protocol.NewMessage](t, b)
	if gotA.Message.ID != 1 || gotB.Message.ID != gotA.Message.ID {
		t.Fatalf("message ids = %d/%d, want 1/1", gotA.Message.ID, gotB.Message.ID)
	}
	if gotB.Message.Content != "hi" || gotB.Message.AuthorID != alice.UserID {
		t.Fatalf("message = %+v", gotB.Message)
	}
	unread := readUntil[protocol.UnreadUpdated](t, b)
	if unread.ChannelID != "10" || unread.Delta != 1 || unread.Count != 1 {
		t.Fatalf("unread = %+v, want {10 1 1}", unread)
	}

	expectNo[protocol.NewMessage](t, a, 150*time.Millisecond)
	expectNo[protocol.NewMessage](t, b, 150*time.Millisecond)
}

func TestSenderDevicesAllReceiveEcho(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	phone := dialUser(t, ts, "alice-token")
	laptop := dialUser(t, ts, "alice-token")
	joinChannel(t, phone, "10")
	joinChannel(t, laptop, "10")

	writeCommand(t, phone, protocol.SendMessage{ChannelID: "10", Content: "from phone"})
	if got := readUntil[protocol.NewMessage](t, phone); got.Message.Content != "from phone" {
		t.Fatalf("phone echo = %+v", got)
	}
	if got := readUntil[protocol.NewMessage](t, laptop); got.Message.Content != "from phone" {
		t.Fatalf("laptop echo = %+v", got)
	}
}

func TestJoinWithoutParticipationIsForbidden(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	seedChannel(t, store, "20", domain.ChannelText, bob.UserID, teacher.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	writeCommand(t, a, protocol.JoinChannel{ChannelID: "20"})
	rejected := readUntil[protocol.Error](t, a)
	if rejected.Code != "FORBIDDEN" || rejected.ChannelID != "20" {
		t.Fatalf("error = %+v, want FORBIDDEN for channel 20", rejected)
	}

	joinChannel(t, a, "10")
}

func TestCommandsRequireJoin(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	writeCommand(t, a, protocol.SendMessage{ChannelID: "10", Content: "too early"})
	if rejected := readUntil[protocol.Error](t, a); rejected.Code != "FORBIDDEN" {
		t.Fatalf("error = %+v, want FORBIDDEN", rejected)
	}

	last, err := store.LastMessageID(context.Background(), "10")
	if err != nil {
		t.Fatalf("last message id: %v", err)
	}
	if last != 0 {
		t.Fatalf("last message id = %d, want 0", last)
	}
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	frames := []string{
		`{not json`,
		`{"channelId":"10"}`,
		`{"type":"dance","channelId":"10"}`,
		`{"type":"join_channel"}`,
	}
	for _, frame := range frames {
		if err := a.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write %s: %v", frame, err)
		}
		if rejected := readUntil[protocol.Error](t, a); rejected.Code != "INVALID_ARGUMENT" {
			t.Fatalf("frame %s error = %+v, want INVALID_ARGUMENT", frame, rejected)
		}
	}

	joinChannel(t, a, "10")
	writeCommand(t, a, protocol.SendMessage{ChannelID: "10", Content: "still here"})
	if got := readUntil[protocol.NewMessage](t, a); got.Message.Content != "still here" {
		t.Fatalf("message = %+v", got.Message)
	}
}

func TestTypingIsRelayedToOtherUsers(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	b := dialUser(t, ts, "bob-token")
	joinChannel(t, a, "10")
	joinChannel(t, b, "10")

	writeCommand(t, b, protocol.StartTyping{ChannelID: "10"})
	typing := readUntil[protocol.UserTyping](t, a)
	if typing.UserID != bob.UserID || typing.DisplayName != "Bob" || typing.ChannelID != "10" {
		t.Fatalf("typing = %+v", typing)
	}

	writeCommand(t, b, protocol.StopTyping{ChannelID: "10"})
	stopped := readUntil[protocol.TypingStopped](t, a)
	if stopped.UserID != bob.UserID || stopped.ChannelID != "10" {
		t.Fatalf("stop typing = %+v", stopped)
	}

	expectNo[protocol.UserTyping](t, b, 150*time.Millisecond)
}

func TestDisconnectClearsTypingAndAnnouncesOffline(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	b := dialUser(t, ts, "bob-token")
	joinChannel(t, a, "10")
	joinChannel(t, b, "10")

	writeCommand(t, b, protocol.StartTyping{ChannelID: "10"})
	readUntil[protocol.UserTyping](t, a)

	if err := b.Close(); err != nil {
		t.Fatalf("close bob: %v", err)
	}

	stopped := readUntil[protocol.TypingStopped](t, a)
	if stopped.UserID != bob.UserID {
		t.Fatalf("stop typing = %+v", stopped)
	}
	offline := readUntil[protocol.UserPresence](t, a)
	if offline.UserID != bob.UserID || offline.Status != protocol.PresenceOffline {
		t.Fatalf("presence = %+v, want bob offline", offline)
	}
	if offline.LastSeen == nil || !offline.LastSeen.Equal(testNow) {
		t.Fatalf("last seen = %v, want %v", offline.LastSeen, testNow)
	}
}

func TestMarkReadBroadcastsReceiptsAndResetsUnread(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	b := dialUser(t, ts, "bob-token")
	joinChannel(t, a, "10")
	joinChannel(t, b, "10")

	writeCommand(t, a, protocol.SendMessage{ChannelID: "10", Content: "homework is due friday"})
	sent := readUntil[protocol.NewMessage](t, b)
	readUntil[protocol.UnreadUpdated](t, b)

	writeCommand(t, b, protocol.MarkRead{ChannelID: "10", MessageID: sent.Message.ID})
	delivered := readUntil[protocol.MessageDelivered](t, a)
	if delivered.UserID != bob.UserID || delivered.MessageID != sent.Message.ID {
		t.Fatalf("delivered = %+v", delivered)
	}
	read := readUntil[protocol.MessageRead](t, a)
	if read.UserID != bob.UserID || read.MessageID != sent.Message.ID {
		t.Fatalf("read = %+v", read)
	}
	reset := readUntil[protocol.UnreadUpdated](t, b)
	if reset.Delta != -1 || reset.Count != 0 {
		t.Fatalf("unread reset = %+v, want delta -1 count 0", reset)
	}

	msg, err := store.GetMessage(context.Background(), "10", sent.Message.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if !msg.ReadByUser(bob.UserID) || !msg.DeliveredToUser(bob.UserID) {
		t.Fatalf("receipts = read %v delivered %v", msg.ReadBy, msg.DeliveredTo)
	}
}

func TestAnswerDoubtRequiresTeacher(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, teacher.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	tr := dialUser(t, ts, "teacher-token")
	joinChannel(t, a, "10")
	joinChannel(t, tr, "10")

	writeCommand(t, a, protocol.SendMessage{ChannelID: "10", Content: "what is a monad?", MessageType: domain.MessageDoubt})
	doubt := readUntil[protocol.NewMessage](t, a)
	writeCommand(t, a, protocol.SendMessage{ChannelID: "10", Content: "never mind"})
	plain := readUntil[protocol.NewMessage](t, a)

	writeCommand(t, a, protocol.AnswerDoubt{ChannelID: "10", MessageID: doubt.Message.ID})
	if rejected := readUntil[protocol.Error](t, a); rejected.Code != "FORBIDDEN" {
		t.Fatalf("student answer error = %+v, want FORBIDDEN", rejected)
	}

	writeCommand(t, tr, protocol.AnswerDoubt{ChannelID: "10", MessageID: plain.Message.ID})
	if rejected := readUntil[protocol.Error](t, tr); rejected.Code != "FAILED_PRECONDITION" {
		t.Fatalf("non-doubt answer error = %+v, want FAILED_PRECONDITION", rejected)
	}

	writeCommand(t, tr, protocol.AnswerDoubt{ChannelID: "10", MessageID: doubt.Message.ID})
	answered := readUntil[protocol.DoubtAnswered](t, a)
	if answered.MessageID != doubt.Message.ID || answered.AnsweredBy != teacher.UserID {
		t.Fatalf("answered = %+v", answered)
	}
}

func TestAnnouncementChannelIsTeacherOnly(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "30", domain.ChannelAnnouncement, alice.UserID, teacher.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	tr := dialUser(t, ts, "teacher-token")
	joinChannel(t, a, "30")
	joinChannel(t, tr, "30")

	writeCommand(t, a, protocol.SendMessage{ChannelID: "30", Content: "can I post?"})
	if rejected := readUntil[protocol.Error](t, a); rejected.Code != "FORBIDDEN" {
		t.Fatalf("student post error = %+v, want FORBIDDEN", rejected)
	}

	writeCommand(t, tr, protocol.SendMessage{ChannelID: "30", Content: "Exam moved to Monday", MessageType: domain.MessageAnnouncement})
	posted := readUntil[protocol.NewMessage](t, a)

	writeCommand(t, a, protocol.PinMessage{ChannelID: "30", MessageID: posted.Message.ID})
	if rejected := readUntil[protocol.Error](t, a); rejected.Code != "FORBIDDEN" {
		t.Fatalf("student pin error = %+v, want FORBIDDEN", rejected)
	}

	writeCommand(t, tr, protocol.PinMessage{ChannelID: "30", MessageID: posted.Message.ID})
	pinned := readUntil[protocol.MessagePinned](t, a)
	if pinned.MessageID != posted.Message.ID || pinned.PinnedBy != teacher.UserID {
		t.Fatalf("pinned = %+v", pinned)
	}
}

func TestClientMessageIDDeduplicatesSends(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store})

	a := dialUser(t, ts, "alice-token")
	b := dialUser(t, ts, "bob-token")
	joinChannel(t, a, "10")
	joinChannel(t, b, "10")

	send := protocol.SendMessage{ChannelID: "10", Content: "only once", ClientMessageID: "c-1"}
	writeCommand(t, a, send)
	first := readUntil[protocol.NewMessage](t, a)
	writeCommand(t, a, send)
	second := readUntil[protocol.NewMessage](t, a)
	if first.Message.ID != second.Message.ID || second.ClientMessageID != "c-1" {
		t.Fatalf("retry = %+v, want original %+v", second, first)
	}

	readUntil[protocol.NewMessage](t, b)
	expectNo[protocol.NewMessage](t, b, 150*time.Millisecond)

	last, err := store.LastMessageID(context.Background(), "10")
	if err != nil {
		t.Fatalf("last message id: %v", err)
	}
	if last != 1 {
		t.Fatalf("last message id = %d, want 1", last)
	}
}

func TestFrameRateLimit(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	seedChannel(t, store, "10", domain.ChannelText, alice.UserID, bob.UserID)
	_, ts := startTestServer(t, testServerOptions{store: store, frameRate: 0.001, frameBurst: 1})

	a := dialUser(t, ts, "alice-token")
	writeCommand(t, a, protocol.JoinChannel{ChannelID: "10"})
	writeCommand(t, a, protocol.JoinChannel{ChannelID: "10"})
	if rejected := readUntil[protocol.Error](t, a); rejected.Code != "RESOURCE_EXHAUSTED" {
		t.Fatalf("error = %+v, want RESOURCE_EXHAUSTED", rejected)
	}
}

func TestSilentPeerIsDropped(t *testing.T) {
	t.Parallel()

	srv, ts := startTestServer(t, testServerOptions{pongWait: 200 * time.Millisecond})
	dialUser(t, ts, "alice-token")

	deadline := time.Now().Add(3 * time.Second)
	for srv.registry.connCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent connection was not dropped")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
