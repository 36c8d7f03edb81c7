package server

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	apperrors "github.com/louisbranch/classroom.chat/internal/platform/errors"
	"github.com/louisbranch/classroom.chat/internal/platform/timeouts"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultOutboxSize = 256
	maxFrameBytes     = 64 << 10
)

// frameWriter is the websocket surface used by a connection.
type frameWriter interface {
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// connection is one live client socket. The registry owns it by id; the hub
// subscriber sets refer to it only through that id.
type connection struct {
	id       string
	identity domain.Identity
	ws       frameWriter
	outbox   chan []byte
	limiter  *rate.Limiter
	log      zerolog.Logger

	pingInterval time.Duration
	pongWait     time.Duration

	done      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeMsg  string

	mu       sync.Mutex
	channels map[domain.ChannelID]struct{}
}

type connectionOptions struct {
	outboxSize   int
	pingInterval time.Duration
	pongWait     time.Duration
	frameRate    rate.Limit
	frameBurst   int
}

func newConnection(id string, identity domain.Identity, ws frameWriter, opts connectionOptions, log zerolog.Logger) *connection {
	if opts.outboxSize <= 0 {
		opts.outboxSize = defaultOutboxSize
	}
	if opts.pongWait <= 0 {
		opts.pongWait = timeouts.WebSocketPongWait
	}
	if opts.pingInterval <= 0 || opts.pingInterval >= opts.pongWait {
		opts.pingInterval = opts.pongWait * 9 / 10
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.frameRate > 0 {
		limiter = rate.NewLimiter(opts.frameRate, max(opts.frameBurst, 1))
	}
	return &connection{
		id:           id,
		identity:     identity,
		ws:           ws,
		outbox:       make(chan []byte, opts.outboxSize),
		limiter:      limiter,
		log:          log.With().Str("conn_id", id).Str("user_id", string(identity.UserID)).Logger(),
		pingInterval: opts.pingInterval,
		pongWait:     opts.pongWait,
		done:         make(chan struct{}),
		channels:     make(map[domain.ChannelID]struct{}),
	}
}

// enqueue queues a frame without blocking. A full outbox closes the
// connection and reports false.
func (c *connection) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- frame:
		return true
	default:
		c.log.Warn().Int("outbox", cap(c.outbox)).Msg("slow consumer, closing connection")
		c.closeWith(websocket.ClosePolicyViolation, "slow consumer")
		return false
	}
}

func (c *connection) sendEvent(event protocol.Event) bool {
	frame, err := protocol.EncodeEvent(event)
	if err != nil {
		c.log.Error().Err(err).Str("event", string(event.EventType())).Msg("encode event")
		return false
	}
	return c.enqueue(frame)
}

// sendError reports err to this connection as an error frame.
func (c *connection) sendError(err error, channelID domain.ChannelID) {
	c.sendEvent(protocol.Error{
		Message:   apperrors.PublicMessage(err, "internal error"),
		Code:      apperrors.CodeOf(err).WireCode(),
		ChannelID: channelID,
	})
}

func (c *connection) close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *connection) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeMsg = reason
		close(c.done)
	})
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *connection) join(channelID domain.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; ok {
		return false
	}
	c.channels[channelID] = struct{}{}
	return true
}

func (c *connection) leave(channelID domain.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channelID]; !ok {
		return false
	}
	delete(c.channels, channelID)
	return true
}

func (c *connection) joined(channelID domain.ChannelID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[channelID]
	return ok
}

func (c *connection) joinedChannels() []domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]domain.ChannelID, 0, len(c.channels))
	for channelID := range c.channels {
		channels = append(channels, channelID)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// writeLoop drains the outbox and sends heartbeats until the connection is
// closed. It owns every write to the socket and closes it on exit.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeouts.WebSocketWrite))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write frame")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeouts.WebSocketWrite)); err != nil {
				c.log.Debug().Err(err).Msg("write ping")
				c.close()
				return
			}
		case <-c.done:
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeMsg)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// readLoop hands every inbound frame to handle until the socket fails or the
// peer misses its pong window.
func (c *connection) readLoop(handle func(data []byte)) {
	defer c.close()
	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("read frame")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
		handle(data)
	}
}
