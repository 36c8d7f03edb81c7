package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
	"github.com/rs/zerolog"
)

var testStart = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

type fakeTransport struct {
	failWrites atomic.Bool

	inbox  chan []byte
	writes chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox:  make(chan []byte, 16),
		writes: make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closed:
		return io.ErrClosedPipe
	default:
	}
	if t.failWrites.Load() {
		return io.ErrClosedPipe
	}
	t.writes <- append([]byte(nil), data...)
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(tb testing.TB, event protocol.Event) {
	tb.Helper()
	data, err := protocol.EncodeEvent(event)
	if err != nil {
		tb.Fatalf("encode %T: %v", event, err)
	}
	t.inbox <- data
}

func (t *fakeTransport) nextCommand(tb testing.TB) protocol.Command {
	tb.Helper()
	select {
	case data := <-t.writes:
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			tb.Fatalf("decode written frame %s: %v", data, err)
		}
		return cmd
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for a written frame")
		return nil
	}
}

func (t *fakeTransport) expectNoWrite(tb testing.TB) {
	tb.Helper()
	select {
	case data := <-t.writes:
		tb.Fatalf("unexpected frame %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

// fakeDialer hands out queued transports and fails once the queue is empty.
type fakeDialer struct {
	mu         sync.Mutex
	transports []*fakeTransport
	err        error
	requests   []DialRequest
	gate       chan struct{}
	entered    chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, req DialRequest) (Transport, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	gate, entered := d.gate, d.entered
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	next := d.transports[0]
	d.transports = d.transports[1:]
	return next, nil
}

func (d *fakeDialer) queue(t *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transports = append(d.transports, t)
}

func (d *fakeDialer) calls() []DialRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialRequest(nil), d.requests...)
}

func newTestConn(t *testing.T, dialer Dialer, opts Options) (*Conn, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	opts.Dialer = dialer
	opts.Clock = clk
	opts.Logger = zerolog.Nop()
	if opts.Tokens == nil && opts.SessionCookie == "" {
		opts.Tokens = StaticToken("token-1")
	}
	c := New(opts)
	t.Cleanup(c.Disconnect)
	return c, clk
}

func waitForState(t *testing.T, c *Conn, want Status) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state := c.State()
		if state.Status() == want {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %#v, want status %s", state, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connectTo dials a queued transport and completes the server handshake.
func connectTo(t *testing.T, c *Conn, d *fakeDialer, userID string) *fakeTransport {
	t.Helper()
	tr := newFakeTransport()
	d.queue(tr)
	c.Connect(context.Background())
	tr.push(t, protocol.Connected{UserID: domain.UserID(userID)})
	waitForState(t, c, StatusConnected)
	return tr
}

// eventRecorder collects handler events on a channel.
type eventRecorder chan protocol.Event

func (r eventRecorder) handle(event protocol.Event) { r <- event }

func (r eventRecorder) next(tb testing.TB) protocol.Event {
	tb.Helper()
	select {
	case event := <-r:
		return event
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for an event")
		return nil
	}
}
