package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	apperrors "github.com/louisbranch/classroom.chat/internal/platform/errors"
	"github.com/louisbranch/classroom.chat/internal/platform/requestctx"
	"github.com/louisbranch/classroom.chat/internal/services/chat/domain"
	"github.com/louisbranch/classroom.chat/internal/services/chat/storage"
	"github.com/louisbranch/classroom.chat/internal/storage/cursor"
	"github.com/rs/zerolog"
)

const maxRequestBodyBytes = 64 << 10

// restAPI serves the HTTP fallback used when a live socket is unavailable.
// Writes go through the registry so live subscribers still see them.
type restAPI struct {
	registry *registry
	store    storage.ConversationStore
	log      zerolog.Logger
}

func (a *restAPI) routes(r chi.Router) {
	r.Get("/conversations", a.listConversations)
	r.Delete("/conversations/{channelID}", a.hideConversation)
	r.Get("/unread", a.unreadSummary)
	r.Post("/channels", a.createChannel)
	r.Get("/channels/{channelID}/messages", a.listMessages)
	r.Post("/channels/{channelID}/messages", a.postMessage)
	r.Get("/channels/{channelID}/messages/{messageID}", a.getMessage)
	r.Post("/channels/{channelID}/messages/{messageID}/read", a.markRead)
	r.Post("/direct-channels", a.resolveDirectChannel)
	r.Get("/presence/{userID}", a.presence)
}

type historyResponse struct {
	Messages      []domain.Message `json:"messages"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type postMessageRequest struct {
	Content         string             `json:"content"`
	MessageType     domain.MessageType `json:"messageType"`
	FileURL         string             `json:"fileUrl"`
	ReplyTo         int64              `json:"replyTo"`
	Mentions        []domain.UserID    `json:"mentions"`
	ClientMessageID string             `json:"clientMessageId"`
}

type directChannelRequest struct {
	Participants []domain.UserID `json:"participants"`
}

type createChannelRequest struct {
	ID           domain.ChannelID   `json:"id"`
	Type         domain.ChannelType `json:"type"`
	WorkspaceID  domain.WorkspaceID `json:"workspaceId"`
	Participants []domain.UserID    `json:"participants"`
}

func (a *restAPI) listConversations(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	conversations, err := a.store.ListConversations(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, storeError(err, ""))
		return
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (a *restAPI) hideConversation(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	channelID := domain.ChannelID(chi.URLParam(r, "channelID"))
	if err := a.store.HideConversation(r.Context(), channelID, caller.UserID); err != nil {
		writeError(w, storeError(err, "conversation not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *restAPI) unreadSummary(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	unread, err := a.store.UnreadSummary(r.Context(), caller.UserID)
	if err != nil {
		writeError(w, storeError(err, ""))
		return
	}
	if unread == nil {
		unread = []domain.UnreadCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": unread})
}

func (a *restAPI) createChannel(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	if !caller.Role.CanModerate() {
		writeError(w, apperrors.New(apperrors.CodeAuthorizationFailure, "only teachers can create channels"))
		return
	}
	var req createChannelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	channel := domain.Channel{
		ID:           req.ID,
		WorkspaceID:  req.WorkspaceID,
		Type:         req.Type,
		Participants: req.Participants,
		CreatedAt:    a.registry.clock.Now().UTC(),
	}
	if channel.Type == "" {
		channel.Type = domain.ChannelText
	}
	if err := channel.Validate(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, err.Error(), err))
		return
	}
	if err := a.store.CreateChannel(r.Context(), channel); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, apperrors.Wrap(apperrors.CodeFailedPrecondition, "channel already exists", err))
			return
		}
		writeError(w, storeError(err, ""))
		return
	}
	created, err := a.store.GetChannel(r.Context(), channel.ID)
	if err != nil {
		writeError(w, storeError(err, "channel not found"))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *restAPI) listMessages(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	channelID := domain.ChannelID(chi.URLParam(r, "channelID"))
	if err := a.registry.requireParticipant(r.Context(), channelID, caller.UserID); err != nil {
		writeError(w, err)
		return
	}

	query := r.URL.Query()
	var beforeID int64
	if token := strings.TrimSpace(query.Get("page_token")); token != "" {
		c, err := cursor.DecodeFor(token, string(channelID))
		if err != nil {
			writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid page token", err))
			return
		}
		beforeID = c.BeforeID
	} else if raw := strings.TrimSpace(query.Get("before")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "before must be a non-negative message id"))
			return
		}
		beforeID = parsed
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "limit must be an integer"))
			return
		}
		limit = parsed
	}

	page, err := a.store.ListMessagesBefore(r.Context(), channelID, beforeID, storage.ClampHistoryLimit(limit))
	if err != nil {
		writeError(w, storeError(err, "channel not found"))
		return
	}
	resp := historyResponse{Messages: page.Messages}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	if page.HasMore && len(page.Messages) > 0 {
		token, err := cursor.Encode(cursor.New(page.Messages[0].ID, string(channelID)))
		if err != nil {
			writeError(w, err)
			return
		}
		resp.NextPageToken = token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *restAPI) getMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	channelID := domain.ChannelID(chi.URLParam(r, "channelID"))
	messageID, err := messageIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.registry.requireParticipant(r.Context(), channelID, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	msg, err := a.store.GetMessage(r.Context(), channelID, messageID)
	if err != nil {
		writeError(w, storeError(err, "message not found"))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *restAPI) postMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	channelID := domain.ChannelID(chi.URLParam(r, "channelID"))
	var req postMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := a.registry.sendMessage(r.Context(), caller, domain.Draft{
		ChannelID:       channelID,
		Content:         req.Content,
		Type:            req.MessageType,
		FileURL:         req.FileURL,
		ReplyTo:         req.ReplyTo,
		Mentions:        req.Mentions,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, result.Message)
}

func (a *restAPI) markRead(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	channelID := domain.ChannelID(chi.URLParam(r, "channelID"))
	messageID, err := messageIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.registry.requireParticipant(r.Context(), channelID, caller.UserID); err != nil {
		writeError(w, err)
		return
	}
	if err := a.registry.markRead(r.Context(), caller, channelID, messageID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *restAPI) resolveDirectChannel(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	var req directChannelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Participants) != 2 {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "exactly two participants are required"))
		return
	}
	first, second := req.Participants[0], req.Participants[1]
	if first == "" || second == "" || first == second {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "participants must be two distinct users"))
		return
	}
	if caller.UserID != first && caller.UserID != second && !caller.Role.CanModerate() {
		writeError(w, apperrors.New(apperrors.CodeAuthorizationFailure, "callers can only open their own direct channels"))
		return
	}
	channel, err := a.store.ResolveDirectChannel(r.Context(), first, second, a.registry.clock.Now())
	if err != nil {
		writeError(w, storeError(err, ""))
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (a *restAPI) presence(w http.ResponseWriter, r *http.Request) {
	userID := domain.UserID(strings.TrimSpace(chi.URLParam(r, "userID")))
	if userID == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "user id is required"))
		return
	}
	writeJSON(w, http.StatusOK, a.registry.presence.Get(r.Context(), userID))
}

func callerIdentity(r *http.Request) domain.Identity {
	identity, _ := requestctx.IdentityFromContext(r.Context())
	return domain.Identity{
		UserID:      domain.UserID(identity.UserID),
		DisplayName: identity.DisplayName,
		Role:        domain.ParseRole(identity.Role),
	}
}

func messageIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "messageID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "message id must be a positive integer")
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	writeJSON(w, code.HTTPStatus(), map[string]string{
		"error": apperrors.PublicMessage(err, "internal error"),
		"code":  code.WireCode(),
	})
}
