package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	apperrors "github.com/louisbranch/classroom.chat/internal/platform/errors"
	"github.com/louisbranch/classroom.chat/internal/platform/logging"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/presence"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage/sqlite"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

var (
	alice   = domain.Identity{UserID: "1", DisplayName: "Alice", Role: domain.RoleStudent}
	bob     = domain.Identity{UserID: "2", DisplayName: "Bob", Role: domain.RoleStudent}
	teacher = domain.Identity{UserID: "3", DisplayName: "Ms. Tran", Role: domain.RoleTeacher}
)

// staticVerifier maps fixed tokens and sessions to identities.
type staticVerifier struct {
	tokens   map[string]domain.Identity
	sessions map[string]domain.Identity
}

func (v staticVerifier) VerifyToken(_ context.Context, token string) (domain.Identity, error) {
	identity, ok := v.tokens[token]
	if !ok {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "invalid identity token")
	}
	return identity, nil
}

func (v staticVerifier) VerifySession(_ context.Context, sessionID string) (domain.Identity, error) {
	identity, ok := v.sessions[sessionID]
	if !ok {
		return domain.Identity{}, apperrors.New(apperrors.CodeAuthenticationFailure, "invalid session")
	}
	return identity, nil
}

func testVerifier() staticVerifier {
	return staticVerifier{
		tokens: map[string]domain.Identity{
			"alice-token":   alice,
			"bob-token":     bob,
			"teacher-token": teacher,
		},
		sessions: map[string]domain.Identity{
			"bob-session": bob,
		},
	}
}

// failingAppendStore fails AppendMessage while fail is set.
type failingAppendStore struct {
	storage.ConversationStore

	mu   sync.Mutex
	fail bool
}

func (s *failingAppendStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *failingAppendStore) AppendMessage(ctx context.Context, msg domain.Message, clientMessageID string) (map[domain.UserID]int, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return nil, errors.New("disk full")
	}
	return s.ConversationStore.AppendMessage(ctx, msg, clientMessageID)
}

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedChannel(t *testing.T, store storage.ChannelStore, id domain.ChannelID, kind domain.ChannelType, participants ...domain.UserID) {
	t.Helper()

	err := store.CreateChannel(context.Background(), domain.Channel{
		ID:           id,
		WorkspaceID:  "w1",
		Type:         kind,
		Participants: participants,
		CreatedAt:    testNow,
	})
	if err != nil {
		t.Fatalf("seed channel %s: %v", id, err)
	}
}

type testServerOptions struct {
	store      storage.ConversationStore
	clock      clock.Clock
	outboxSize int
	frameRate  float64
	frameBurst int
	pongWait   time.Duration
}

// startTestServer serves a chat server over httptest and returns it with its
// base URL.
func startTestServer(t *testing.T, opts testServerOptions) (*Server, *httptest.Server) {
	t.Helper()

	if opts.store == nil {
		opts.store = openTempStore(t)
	}
	if opts.clock == nil {
		opts.clock = clock.NewFake(testNow)
	}
	srv := newServer(Config{
		HTTPAddr:    "127.0.0.1:0",
		OutboxSize:  opts.outboxSize,
		FrameRate:   opts.frameRate,
		FrameBurst:  opts.frameBurst,
		PongTimeout: opts.pongWait,
		Logger:      logging.Nop(),
	}, serverDeps{
		store:    opts.store,
		verifier: testVerifier(),
		clock:    opts.clock,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, token string) string {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	return url
}

// dialUser opens a socket and consumes the connected handshake.
func dialUser(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, token), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial websocket: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	readUntil[protocol.Connected](t, conn)
	return conn
}

func dialWithHeader(t *testing.T, ts *httptest.Server, token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	return websocket.DefaultDialer.Dial(wsURL(ts, token), header)
}

func writeCommand(t *testing.T, conn *websocket.Conn, cmd protocol.Command) {
	t.Helper()

	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("encode command: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write command: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	event, err := protocol.DecodeEvent(data)
	if err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	return event
}

// readUntil skips events until one of type T arrives.
func readUntil[T protocol.Event](t *testing.T, conn *websocket.Conn) T {
	t.Helper()

	for range 50 {
		if event, ok := readEvent(t, conn).(T); ok {
			return event
		}
	}
	var zero T
	t.Fatalf("no %T event within 50 frames", zero)
	return zero
}

// expectNo reads until the window closes and fails on any event of type T.
// The connection is unusable for reads afterwards.
func expectNo[T protocol.Event](t *testing.T, conn *websocket.Conn, window time.Duration) {
	t.Helper()

	deadline := time.Now().Add(window)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		event, err := protocol.DecodeEvent(data)
		if err != nil {
			t.Fatalf("decode event %s: %v", data, err)
		}
		if _, ok := event.(T); ok {
			t.Fatalf("unexpected %T event: %+v", event, event)
		}
	}
}

// joinChannel joins a channel and waits until the server processed it. Frames
// on one socket are handled in order, so the FORBIDDEN reply to a probe join
// proves the real join already ran.
func joinChannel(t *testing.T, conn *websocket.Conn, channelID domain.ChannelID) {
	t.Helper()

	writeCommand(t, conn, protocol.JoinChannel{ChannelID: channelID})
	writeCommand(t, conn, protocol.JoinChannel{ChannelID: "probe"})
	if errEvent := readUntil[protocol.Error](t, conn); errEvent.ChannelID != "probe" {
		t.Fatalf("join %s rejected: %+v", channelID, errEvent)
	}
}

// testRegistry builds a registry over a temp store with a fake clock.
func testRegistry(t *testing.T, store storage.ConversationStore) (*registry, *clock.Fake) {
	t.Helper()

	fake := clock.NewFake(testNow)
	tracker := presence.NewTracker(presence.Options{Clock: fake, Logger: logging.Nop()})
	return newRegistry(store, tracker, fake, nil, logging.Nop()), fake
}

// testConnection returns a connection without a socket. Frames stay in its
// outbox for the test to inspect.
func testConnection(id string, identity domain.Identity, outbox int) *connection {
	return newConnection(id, identity, nil, connectionOptions{outboxSize: outbox}, logging.Nop())
}

// drain decodes every frame queued on c.
func drain(t *testing.T, c *connection) []protocol.Event {
	t.Helper()

	var events []protocol.Event
	for {
		select {
		case frame := <-c.outbox:
			event, err := protocol.DecodeEvent(frame)
			if err != nil {
				t.Fatalf("decode queued frame %s: %v", frame, err)
			}
			events = append(events, event)
		default:
			return events
		}
	}
}

func eventsOf[T protocol.Event](events []protocol.Event) []T {
	var out []T
	for _, event := range events {
		if typed, ok := event.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}
