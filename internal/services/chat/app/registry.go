package server

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/classroom.chat/internal/platform/clock"
	apperrors "github.com/louisbranch/classroom.chat/internal/platform/errors"
	"github.com/louisbranch/classroom.chat/internal/platform/otel"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/presence"
	"github.com/louisbranch/classroom.chat/internal/services/chat/protocol"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// registry tracks live connections and the channels they joined. It owns
// every connection record; channel hubs hold connection ids only.
//
// Lock order is hub.mu before registry.mu. The registry lock is never held
// while a hub lock is taken.
type registry struct {
	store    storage.ConversationStore
	presence *presence.Tracker
	clock    clock.Clock
	metrics  *metrics
	tracer   trace.Tracer
	log      zerolog.Logger

	mu     sync.RWMutex
	conns  map[string]*connection
	byUser map[domain.UserID]map[string]struct{}
	hubs   map[domain.ChannelID]*channelHub
}

// channelHub serializes id assignment, append, and fan-out for one channel.
type channelHub struct {
	id domain.ChannelID

	mu          sync.Mutex
	loaded      bool
	channel     domain.Channel
	idLoaded    bool
	lastID      int64
	subscribers map[string]struct{}
}

// sendResult is the outcome of a send. Duplicate is set when the client
// message id matched an earlier send and nothing was appended.
type sendResult struct {
	Message   domain.Message
	Duplicate bool
}

func newRegistry(store storage.ConversationStore, tracker *presence.Tracker, clk clock.Clock, m *metrics, log zerolog.Logger) *registry {
	if clk == nil {
		clk = clock.Real()
	}
	if m == nil {
		m = newMetrics()
	}
	return &registry{
		store:    store,
		presence: tracker,
		clock:    clk,
		metrics:  m,
		tracer:   otel.Tracer("classroom.chat/server"),
		log:      log,
		conns:    make(map[string]*connection),
		byUser:   make(map[domain.UserID]map[string]struct{}),
		hubs:     make(map[domain.ChannelID]*channelHub),
	}
}

func (r *registry) hub(channelID domain.ChannelID) *channelHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[channelID]
	if !ok {
		h = &channelHub{id: channelID, subscribers: make(map[string]struct{})}
		r.hubs[channelID] = h
	}
	return h
}

func (r *registry) existingHub(channelID domain.ChannelID) *channelHub {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hubs[channelID]
}

// loadChannel fills the hub channel cache. Callers hold h.mu.
func (r *registry) loadChannel(ctx context.Context, h *channelHub, force bool) error {
	if h.loaded && !force {
		return nil
	}
	done := r.metrics.observeStore("get_channel")
	channel, err := r.store.GetChannel(ctx, h.id)
	done()
	if err != nil {
		return storeError(err, "channel not found")
	}
	h.channel = channel
	h.loaded = true
	return nil
}

// subscriberConns resolves the hub subscribers to live connections. Callers
// hold h.mu.
func (r *registry) subscriberConns(h *channelHub) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*connection, 0, len(h.subscribers))
	for id := range h.subscribers {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

func (r *registry) userConns(userID domain.UserID) []*connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[userID]
	conns := make([]*connection, 0, len(ids))
	for id := range ids {
		if c, ok := r.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

func (r *registry) connCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// deliver encodes event once and queues it to every connection that passes
// keep. Connections with a full outbox are closed by enqueue.
func (r *registry) deliver(conns []*connection, event protocol.Event, keep func(*connection) bool) {
	if len(conns) == 0 {
		return
	}
	frame, err := protocol.EncodeEvent(event)
	if err != nil {
		r.log.Error().Err(err).Str("event", string(event.EventType())).Msg("encode event")
		return
	}
	for _, c := range conns {
		if keep != nil && !keep(c) {
			continue
		}
		if c.enqueue(frame) {
			r.metrics.deliveries.Inc()
		} else if c.closed() {
			r.metrics.slowConsumers.Inc()
		}
	}
}

func otherUsers(userID domain.UserID) func(*connection) bool {
	return func(c *connection) bool { return c.identity.UserID != userID }
}

// broadcastChannel queues event to the hub subscribers that pass keep.
func (r *registry) broadcastChannel(channelID domain.ChannelID, event protocol.Event, keep func(*connection) bool) {
	h := r.existingHub(channelID)
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	r.deliver(r.subscriberConns(h), event, keep)
}

func (r *registry) broadcastAll(event protocol.Event, keep func(*connection) bool) {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	r.deliver(conns, event, keep)
}

// register adds a live connection, announces the user if this is their
// first connection, then greets the connection.
func (r *registry) register(c *connection) {
	r.mu.Lock()
	r.conns[c.id] = c
	ids, ok := r.byUser[c.identity.UserID]
	if !ok {
		ids = make(map[string]struct{})
		r.byUser[c.identity.UserID] = ids
	}
	ids[c.id] = struct{}{}
	r.mu.Unlock()
	r.metrics.connections.Inc()

	userID := c.identity.UserID
	if r.presence.Connect(userID) {
		r.broadcastAll(protocol.UserPresence{UserID: userID, Status: protocol.PresenceOnline}, otherUsers(userID))
	}
	c.sendEvent(protocol.Connected{UserID: userID})
	r.log.Info().Str("conn_id", c.id).Str("user_id", string(userID)).Msg("connection registered")
}

// disconnect removes c from every joined channel, clears its typing marks,
// and announces the user offline when this was their last connection. It is
// safe to call more than once.
func (r *registry) disconnect(c *connection) {
	c.close()

	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.id)
	userID := c.identity.UserID
	if ids := r.byUser[userID]; ids != nil {
		delete(ids, c.id)
		if len(ids) == 0 {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()
	r.metrics.connections.Dec()

	channels := c.joinedChannels()
	for _, channelID := range channels {
		c.leave(channelID)
		if h := r.existingHub(channelID); h != nil {
			h.mu.Lock()
			delete(h.subscribers, c.id)
			h.mu.Unlock()
		}
	}
	for _, channelID := range r.presence.ClearUser(userID, channels) {
		r.broadcastChannel(channelID, protocol.TypingStopped{ChannelID: channelID, UserID: userID}, otherUsers(userID))
	}

	if last, lastSeen := r.presence.Disconnect(userID); last {
		seen := lastSeen.UTC()
		r.broadcastAll(protocol.UserPresence{
			UserID:   userID,
			Status:   protocol.PresenceOffline,
			LastSeen: &seen,
		}, otherUsers(userID))
	}
	r.log.Info().Str("conn_id", c.id).Str("user_id", string(userID)).Msg("connection closed")
}

// closeAll closes every live connection. Their read loops run the normal
// disconnect path.
func (r *registry) closeAll() {
	r.mu.RLock()
	conns := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

// join subscribes c to a channel its user participates in.
func (r *registry) join(ctx context.Context, c *connection, channelID domain.ChannelID) error {
	if err := r.requireParticipant(ctx, channelID, c.identity.UserID); err != nil {
		return err
	}
	h := r.hub(channelID)
	h.mu.Lock()
	h.subscribers[c.id] = struct{}{}
	h.mu.Unlock()
	c.join(channelID)
	return nil
}

func (r *registry) leave(c *connection, channelID domain.ChannelID) {
	if !c.leave(channelID) {
		return
	}
	if h := r.existingHub(channelID); h != nil {
		h.mu.Lock()
		delete(h.subscribers, c.id)
		h.mu.Unlock()
	}
	userID := c.identity.UserID
	if r.presence.StopTyping(channelID, userID) {
		r.broadcastChannel(channelID, protocol.TypingStopped{ChannelID: channelID, UserID: userID}, otherUsers(userID))
	}
}

func (r *registry) requireParticipant(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	done := r.metrics.observeStore("is_participant")
	ok, err := r.store.IsParticipant(ctx, channelID, userID)
	done()
	if err != nil {
		return storeError(err, "channel not found")
	}
	if !ok {
		return apperrors.New(apperrors.CodeAuthorizationFailure, "not a participant of this channel")
	}
	return nil
}

// sendMessage sequences, stores, and fans out a message. The hub lock covers
// the whole sequence so ids are assigned in append order, and the id counter
// only advances after the store accepted the message.
func (r *registry) sendMessage(ctx context.Context, author domain.Identity, draft domain.Draft) (sendResult, error) {
	draft, err := draft.Normalize()
	if err != nil {
		return sendResult{}, apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err)
	}
	ctx, span := r.tracer.Start(ctx, "chat.send_message", trace.WithAttributes(
		attribute.String("chat.channel_id", string(draft.ChannelID)),
		attribute.String("chat.message_type", string(draft.Type)),
	))
	defer span.End()

	result, err := r.sendLocked(ctx, author, draft)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return sendResult{}, err
	}
	span.SetAttributes(attribute.Int64("chat.message_id", result.Message.ID))
	return result, nil
}

func (r *registry) sendLocked(ctx context.Context, author domain.Identity, draft domain.Draft) (sendResult, error) {
	h := r.hub(draft.ChannelID)
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := r.loadChannel(ctx, h, false); err != nil {
		return sendResult{}, err
	}
	if !h.channel.HasParticipant(author.UserID) {
		if err := r.loadChannel(ctx, h, true); err != nil {
			return sendResult{}, err
		}
		if !h.channel.HasParticipant(author.UserID) {
			return sendResult{}, apperrors.New(apperrors.CodeAuthorizationFailure, "not a participant of this channel")
		}
	}
	if h.channel.Type == domain.ChannelAnnouncement && !author.Role.CanModerate() {
		return sendResult{}, apperrors.New(apperrors.CodeAuthorizationFailure, "only teachers can post announcements")
	}

	if draft.ClientMessageID != "" {
		done := r.metrics.observeStore("find_client_message")
		existing, err := r.store.FindByClientMessageID(ctx, draft.ChannelID, author.UserID, draft.ClientMessageID)
		done()
		switch {
		case err == nil:
			return sendResult{Message: existing, Duplicate: true}, nil
		case !errors.Is(err, storage.ErrNotFound):
			return sendResult{}, storeError(err, "")
		}
	}

	if !h.idLoaded {
		done := r.metrics.observeStore("last_message_id")
		last, err := r.store.LastMessageID(ctx, h.id)
		done()
		if err != nil {
			return sendResult{}, storeError(err, "")
		}
		h.lastID = last
		h.idLoaded = true
	}

	msg := draft.Build(h.lastID+1, author, r.clock.Now())
	done := r.metrics.observeStore("append_message")
	unread, err := r.store.AppendMessage(ctx, msg, draft.ClientMessageID)
	done()
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Another writer advanced the log; reload before the next send.
			h.idLoaded = false
		}
		r.log.Error().Err(err).Str("channel_id", string(h.id)).Msg("append message")
		return sendResult{}, apperrors.Wrap(apperrors.CodeStoreFailure, "message could not be stored", err)
	}
	h.lastID = msg.ID
	r.metrics.messagesAppended.WithLabelValues(string(msg.Type)).Inc()

	r.deliver(r.subscriberConns(h), protocol.NewMessage{
		ChannelID:       msg.ChannelID,
		Message:         msg,
		ClientMessageID: draft.ClientMessageID,
	}, nil)
	for userID, count := range unread {
		r.deliver(r.userConns(userID), protocol.UnreadUpdated{
			ChannelID: msg.ChannelID,
			Delta:     1,
			Count:     count,
		}, nil)
	}
	return sendResult{Message: msg}, nil
}

// startTyping relays a typing indicator to the other users in the channel.
func (r *registry) startTyping(c *connection, channelID domain.ChannelID) {
	userID := c.identity.UserID
	r.presence.StartTyping(channelID, userID)
	r.broadcastChannel(channelID, protocol.UserTyping{
		ChannelID:   channelID,
		UserID:      userID,
		DisplayName: c.identity.DisplayName,
	}, otherUsers(userID))
}

func (r *registry) stopTyping(c *connection, channelID domain.ChannelID) {
	userID := c.identity.UserID
	r.presence.StopTyping(channelID, userID)
	r.broadcastChannel(channelID, protocol.TypingStopped{ChannelID: channelID, UserID: userID}, otherUsers(userID))
}

// markRead records a read receipt, broadcasts what changed, and resets the
// reader's unread counter on all of their connections.
func (r *registry) markRead(ctx context.Context, reader domain.Identity, channelID domain.ChannelID, messageID int64) error {
	ctx, span := r.tracer.Start(ctx, "chat.mark_read", trace.WithAttributes(
		attribute.String("chat.channel_id", string(channelID)),
		attribute.Int64("chat.message_id", messageID),
	))
	defer span.End()

	h := r.hub(channelID)
	h.mu.Lock()
	done := r.metrics.observeStore("mark_read")
	result, err := r.store.MarkRead(ctx, channelID, messageID, reader.UserID, r.clock.Now())
	done()
	if err != nil {
		h.mu.Unlock()
		span.RecordError(err)
		return storeError(err, "message not found")
	}
	subscribers := r.subscriberConns(h)
	if result.DeliveredAdded {
		r.deliver(subscribers, protocol.MessageDelivered{ChannelID: channelID, MessageID: messageID, UserID: reader.UserID}, otherUsers(reader.UserID))
	}
	if result.ReadAdded {
		r.deliver(subscribers, protocol.MessageRead{ChannelID: channelID, MessageID: messageID, UserID: reader.UserID}, otherUsers(reader.UserID))
	}
	h.mu.Unlock()

	r.deliver(r.userConns(reader.UserID), protocol.UnreadUpdated{
		ChannelID: channelID,
		Delta:     -result.PreviousUnread,
		Count:     0,
	}, nil)
	return nil
}

func (r *registry) markDelivered(ctx context.Context, recipient domain.Identity, channelID domain.ChannelID, messageID int64) error {
	ctx, span := r.tracer.Start(ctx, "chat.mark_delivered", trace.WithAttributes(
		attribute.String("chat.channel_id", string(channelID)),
		attribute.Int64("chat.message_id", messageID),
	))
	defer span.End()

	h := r.hub(channelID)
	h.mu.Lock()
	defer h.mu.Unlock()
	done := r.metrics.observeStore("mark_delivered")
	added, err := r.store.MarkDelivered(ctx, channelID, messageID, recipient.UserID, r.clock.Now())
	done()
	if err != nil {
		span.RecordError(err)
		return storeError(err, "message not found")
	}
	if added {
		r.deliver(r.subscriberConns(h), protocol.MessageDelivered{ChannelID: channelID, MessageID: messageID, UserID: recipient.UserID}, otherUsers(recipient.UserID))
	}
	return nil
}

// answerDoubt marks a doubt message answered. Only teachers may answer.
func (r *registry) answerDoubt(ctx context.Context, actor domain.Identity, channelID domain.ChannelID, messageID int64) error {
	if !actor.Role.CanModerate() {
		return apperrors.New(apperrors.CodeAuthorizationFailure, "only teachers can answer doubts")
	}
	h := r.hub(channelID)
	h.mu.Lock()
	defer h.mu.Unlock()
	msg, err := r.store.GetMessage(ctx, channelID, messageID)
	if err != nil {
		return storeError(err, "message not found")
	}
	if msg.Type != domain.MessageDoubt {
		return apperrors.New(apperrors.CodeFailedPrecondition, "message is not a doubt")
	}
	done := r.metrics.observeStore("answer_doubt")
	changed, err := r.store.MarkDoubtAnswered(ctx, channelID, messageID, actor.UserID)
	done()
	if err != nil {
		return storeError(err, "message not found")
	}
	if changed {
		r.deliver(r.subscriberConns(h), protocol.DoubtAnswered{ChannelID: channelID, MessageID: messageID, AnsweredBy: actor.UserID}, nil)
	}
	return nil
}

// pinMessage pins a message. Pinning in announcement channels is limited to
// teachers.
func (r *registry) pinMessage(ctx context.Context, actor domain.Identity, channelID domain.ChannelID, messageID int64) error {
	h := r.hub(channelID)
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := r.loadChannel(ctx, h, false); err != nil {
		return err
	}
	if h.channel.Type == domain.ChannelAnnouncement && !actor.Role.CanModerate() {
		return apperrors.New(apperrors.CodeAuthorizationFailure, "only teachers can pin announcements")
	}
	done := r.metrics.observeStore("pin_message")
	changed, err := r.store.SetPinned(ctx, channelID, messageID, actor.UserID)
	done()
	if err != nil {
		return storeError(err, "message not found")
	}
	if changed {
		r.deliver(r.subscriberConns(h), protocol.MessagePinned{ChannelID: channelID, MessageID: messageID, PinnedBy: actor.UserID}, nil)
	}
	return nil
}

// storeError maps a store error onto the coded taxonomy. notFound is the
// public message used for storage.ErrNotFound.
func storeError(err error, notFound string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if notFound == "" {
			notFound = "record not found"
		}
		return apperrors.Wrap(apperrors.CodeNotFound, notFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.CodeTransientTransport, "request canceled", err)
	default:
		return apperrors.Wrap(apperrors.CodeStoreFailure, "storage unavailable", err)
	}
}
