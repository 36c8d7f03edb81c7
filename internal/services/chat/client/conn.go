// Package client is the chat client core: a reconnecting connection state
// machine, channel membership, and event dispatch over a pluggable transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
	"github.com/rs/zerolog"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

var (
	// ErrNotConnected is returned by sends attempted before the server
	// handshake completed.
	ErrNotConnected = errors.New("chat connection is not connected")
	// ErrUnauthorized marks a dial rejected because the identity was not
	// accepted.
	ErrUnauthorized = errors.New("chat identity rejected")
)

// Transport is one open socket to the chat server.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialRequest carries the credentials for one dial attempt. Token is empty
// when the session cookie is used instead.
type DialRequest struct {
	Token         string
	SessionCookie string
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Transport, error)
}

// TokenSource returns a fresh identity token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func(context.Context) (string, error) {
		if strings.TrimSpace(token) == "" {
			return "", errors.New("no identity token")
		}
		return token, nil
	})
}

// Options configures a Conn.
type Options struct {
	Dialer Dialer
	Tokens TokenSource
	// SessionCookie is sent when no token can be obtained.
	SessionCookie string
	Clock         clock.Clock
	Logger        zerolog.Logger
	// TypingTTL bounds how long a typing indicator lasts without a refresh.
	TypingTTL time.Duration
}

// Conn is a reconnecting chat connection. It is safe for concurrent use;
// handlers run on the single read-loop goroutine.
type Conn struct {
	dialer        Dialer
	tokens        TokenSource
	sessionCookie string
	clock         clock.Clock
	log           zerolog.Logger
	typing        *TypingView

	handler handlerSlot

	mu         sync.Mutex
	state      State
	generation uint64
	transport  Transport
	backoff    time.Duration
	attempt    int
	timer      clock.Timer
	membership membership
	onStatus   func(State)

	writeMu sync.Mutex
}

// New returns an idle connection.
func New(opts Options) *Conn {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Conn{
		dialer:        opts.Dialer,
		tokens:        opts.Tokens,
		sessionCookie: strings.TrimSpace(opts.SessionCookie),
		clock:         opts.Clock,
		log:           opts.Logger,
		typing:        NewTypingView(opts.Clock, opts.TypingTTL),
		state:         Idle{},
		backoff:       initialBackoff,
	}
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the user acknowledged by the server, or "" when not
// connected.
func (c *Conn) UserID() domain.UserID {
	if connected, ok := c.State().(Connected); ok {
		return connected.UserID
	}
	return ""
}

// Typing returns the typing view fed by this connection's events.
func (c *Conn) Typing() *TypingView { return c.typing }

// SetHandler replaces the event handler. Nil drops events.
func (c *Conn) SetHandler(h Handler) { c.handler.set(h) }

// OnStatus registers an observer for state changes.
func (c *Conn) OnStatus(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// Subscriptions returns the channels joined on the current server session.
func (c *Conn) Subscriptions() []domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membership.subscriptions()
}

// ActiveChannel returns the designated active channel.
func (c *Conn) ActiveChannel() domain.ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membership.active
}

// Connect starts a connection attempt. It is a no-op while connecting or
// connected, or when no credentials are available; an attempt that finds
// neither a token nor a session cookie returns to Idle. Dial failures are
// never returned; they schedule a reconnect.
func (c *Conn) Connect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	switch c.state.(type) {
	case Connecting, Connected:
		c.mu.Unlock()
		return
	}
	if c.dialer == nil || (c.tokens == nil && c.sessionCookie == "") {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
	gen := c.generation
	notify := c.setStateLocked(reduce(c.state, connectRequested{}))
	c.mu.Unlock()
	notify()

	req := DialRequest{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		switch {
		case err == nil:
			req.Token = token
		case c.sessionCookie == "":
			c.log.Warn().Err(err).Msg("no identity token, not connecting")
			c.abandon(gen)
			return
		default:
			c.log.Debug().Err(err).Msg("token unavailable, using session cookie")
		}
	}
	if req.Token == "" {
		req.SessionCookie = c.sessionCookie
	}
	if !c.current(gen) {
		return
	}

	transport, err := c.dialer.Dial(ctx, req)
	if err != nil {
		c.lost(gen, nil, err)
		return
	}

	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		_ = transport.Close()
		return
	}
	c.transport = transport
	c.backoff = initialBackoff
	c.attempt = 0
	notify = c.setStateLocked(reduce(c.state, transportOpened{}))
	c.mu.Unlock()
	notify()

	go c.readLoop(gen, transport)
}

// Disconnect cancels any pending reconnect, closes the transport, and returns
// to Idle. It is idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.generation++
	timer, transport := c.timer, c.transport
	c.timer, c.transport = nil, nil
	c.membership.joined = nil
	notify := c.setStateLocked(reduce(c.state, disconnectRequested{}))
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if transport != nil {
		_ = transport.Close()
	}
	notify()
}

// SetActiveChannel designates the single active channel. While connected
// the previous channel is left before the new one is joined; otherwise the
// join waits for the server handshake. The new channel stays active when a
// frame fails to send; the connection is then dropped and the reconnect
// handshake joins it.
func (c *Conn) SetActiveChannel(channelID domain.ChannelID) error {
	c.mu.Lock()
	_, connected := c.state.(Connected)
	prev := c.membership.active
	cmds := c.membership.switchTo(channelID)
	c.mu.Unlock()

	if prev != "" && prev != channelID {
		c.typing.ClearChannel(prev)
	}
	if !connected {
		return nil
	}
	for _, cmd := range cmds {
		if err := c.Send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Send writes one command. It fails with ErrNotConnected unless the server
// handshake completed.
func (c *Conn) Send(cmd protocol.Command) error {
	c.mu.Lock()
	_, connected := c.state.(Connected)
	transport := c.transport
	c.mu.Unlock()
	if !connected || transport == nil {
		return ErrNotConnected
	}

	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := transport.WriteMessage(frame); err != nil {
		// A failed write leaves the server view unknown. Closing ends the read
		// loop, and the next handshake rejoins the active channel.
		_ = transport.Close()
		return fmt.Errorf("send %s: %w", cmd.CommandType(), err)
	}
	// Tracking under writeMu keeps membership in wire order.
	c.mu.Lock()
	c.membership.track(cmd)
	c.mu.Unlock()
	return nil
}

// SendMessage posts a message to a channel.
func (c *Conn) SendMessage(msg protocol.SendMessage) error { return c.Send(msg) }

// StartTyping announces typing in a channel.
func (c *Conn) StartTyping(channelID domain.ChannelID) error {
	return c.Send(protocol.StartTyping{ChannelID: channelID})
}

// StopTyping clears typing in a channel.
func (c *Conn) StopTyping(channelID domain.ChannelID) error {
	return c.Send(protocol.StopTyping{ChannelID: channelID})
}

// MarkRead records a read receipt.
func (c *Conn) MarkRead(channelID domain.ChannelID, messageID int64) error {
	return c.Send(protocol.MarkRead{ChannelID: channelID, MessageID: messageID})
}

// MarkDelivered records a delivery receipt.
func (c *Conn) MarkDelivered(channelID domain.ChannelID, messageID int64) error {
	return c.Send(protocol.MarkDelivered{ChannelID: channelID, MessageID: messageID})
}

// AnswerDoubt marks a doubt answered.
func (c *Conn) AnswerDoubt(channelID domain.ChannelID, messageID int64) error {
	return c.Send(protocol.AnswerDoubt{ChannelID: channelID, MessageID: messageID})
}

// PinMessage pins a message.
func (c *Conn) PinMessage(channelID domain.ChannelID, messageID int64) error {
	return c.Send(protocol.PinMessage{ChannelID: channelID, MessageID: messageID})
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

// setStateLocked stores next and returns the status notification to run
// after the lock is released.
func (c *Conn) setStateLocked(next State) func() {
	if sameState(next, c.state) {
		return func() {}
	}
	c.state = next
	observer := c.onStatus
	if observer == nil {
		return func() {}
	}
	return func() { observer(next) }
}

// abandon returns an attempt that has no credentials to Idle without
// scheduling a retry.
func (c *Conn) abandon(gen uint64) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	notify := c.setStateLocked(reduce(c.state, disconnectRequested{}))
	c.mu.Unlock()
	notify()
}

// sameState reports whether a transition left the state unchanged. Errored
// carries an error and is never compared with ==.
func sameState(a, b State) bool {
	switch a := a.(type) {
	case Idle, Connecting:
		return b != nil && a.Status() == b.Status()
	case Connected:
		other, ok := b.(Connected)
		return ok && other.UserID == a.UserID
	default:
		return false
	}
}

func (c *Conn) readLoop(gen uint64, transport Transport) {
	for {
		data, err := transport.ReadMessage()
		if err != nil {
			c.lost(gen, transport, err)
			return
		}
		event, err := protocol.DecodeEvent(data)
		if err != nil {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("skipping malformed frame")
			continue
		}
		if !c.current(gen) {
			return
		}
		c.dispatch(gen, event)
	}
}

func (c *Conn) dispatch(gen uint64, event protocol.Event) {
	switch event := event.(type) {
	case protocol.Connected:
		c.mu.Lock()
		if c.generation != gen {
			c.mu.Unlock()
			return
		}
		notify := c.setStateLocked(reduce(c.state, handshakeReceived{userID: event.UserID}))
		joins := c.membership.handshake()
		c.mu.Unlock()
		notify()
		for _, cmd := range joins {
			if err := c.Send(cmd); err != nil {
				c.log.Warn().Err(err).Str("channel_id", string(cmd.Channel())).Msg("join active channel")
			}
		}
	case protocol.Error:
		if event.Code == "FORBIDDEN" && event.ChannelID != "" {
			c.mu.Lock()
			delete(c.membership.joined, event.ChannelID)
			c.mu.Unlock()
		}
	case protocol.UserTyping, protocol.TypingStopped:
		c.typing.Apply(event)
	}
	c.handler.deliver(event)
}

// lost handles a failed dial or a closed transport by scheduling a
// reconnect. Stale generations are ignored.
func (c *Conn) lost(gen uint64, transport Transport, cause error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		if transport != nil {
			_ = transport.Close()
		}
		return
	}
	if transport != nil && c.transport == transport {
		c.transport = nil
		c.membership.joined = nil
	}
	switch c.state.(type) {
	case Connecting, Connected:
	default:
		c.mu.Unlock()
		return
	}

	delay := min(c.backoff, maxBackoff)
	if c.backoff < maxBackoff {
		c.backoff *= 2
	}
	c.attempt++
	var next transition = transportLost{delay: delay, attempt: c.attempt}
	if errors.Is(cause, ErrUnauthorized) {
		next = authRejected{err: cause, delay: delay, attempt: c.attempt}
	}
	notify := c.setStateLocked(reduce(c.state, next))
	c.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}
	c.log.Info().Err(cause).Dur("delay", delay).Msg("chat connection lost, reconnecting")
	notify()

	timer := c.clock.AfterFunc(delay, func() {
		if c.current(gen) {
			c.Connect(context.Background())
		}
	})
	c.mu.Lock()
	if c.generation == gen {
		c.timer = timer
	} else {
		timer.Stop()
	}
	c.mu.Unlock()
}
