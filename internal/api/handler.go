// Package api is the daemon's control surface: a JSON API served over
// the session's unix socket for conversectl and other local frontends.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pedrohba/converse/internal/cache"
	"github.com/pedrohba/converse/internal/draft"
	"github.com/pedrohba/converse/internal/model"
	"github.com/pedrohba/converse/internal/pipeline"
	"github.com/pedrohba/converse/internal/rest"
	"github.com/pedrohba/converse/internal/room"
	"github.com/pedrohba/converse/internal/status"
	"github.com/pedrohba/converse/internal/store"
	enginesync "github.com/pedrohba/converse/internal/sync"
	"go.uber.org/zap"
)

// ConversationLister fetches the server-side conversation list.
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

// Handler serves the control API.
type Handler struct {
	cache    *cache.Cache
	drafts   *draft.Store
	pipeline *pipeline.Pipeline
	engine   *enginesync.Engine
	rooms    *room.Manager
	machine  *status.Machine
	db       *store.DB
	lister   ConversationLister
	logger   *zap.Logger
}

// NewHandler wires the control API over the daemon's components.
func NewHandler(c *cache.Cache, drafts *draft.Store, p *pipeline.Pipeline, e *enginesync.Engine, rooms *room.Manager, machine *status.Machine, db *store.DB, lister ConversationLister, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cache:    c,
		drafts:   drafts,
		pipeline: p,
		engine:   e,
		rooms:    rooms,
		machine:  machine,
		db:       db,
		lister:   lister,
		logger:   logger,
	}
}

// Routes builds the control API router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.getStatus)
		r.Get("/search", h.search)
		r.Get("/conversations", h.listConversations)
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/open", h.openConversation)
			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.sendMessage)
			r.Patch("/messages/{msgID}", h.editMessage)
			r.Delete("/messages/{msgID}", h.deleteMessage)
			r.Get("/draft", h.getDraft)
			r.Put("/draft", h.putDraft)
			r.Delete("/draft", h.deleteDraft)
		})
	})
	return r
}

// messageView is the control API's message representation. Optimistic
// entries are flagged so frontends can render pending state.
type messageView struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         model.Sender `json:"sender"`
	Content        string       `json:"content"`
	Attachments    []string     `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	EditedAt       *time.Time   `json:"editedAt,omitempty"`
	Optimistic     bool         `json:"optimistic"`
}

func toView(m model.Message) messageView {
	return messageView{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		Attachments:    m.Attachments,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
		Optimistic:     m.ID.IsOptimistic(),
	}
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	state := status.Booting
	if h.machine != nil {
		state = h.machine.Current()
	}
	resp := map[string]any{"state": state}
	if h.rooms != nil {
		if target, ok := h.rooms.Desired(); ok {
			resp["activeConversation"] = target.ConversationID
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	if h.lister != nil {
		convs, err := h.lister.ListConversations(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, convs)
			return
		}
		if rest.IsUnauthorized(err) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.logger.Warn("server conversation list failed, serving local copy", zap.Error(err))
	}
	if h.db == nil {
		writeError(w, http.StatusServiceUnavailable, "conversation list unavailable")
		return
	}
	stored, err := h.db.ListConversations(100, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	out := make([]model.Conversation, 0, len(stored))
	for _, c := range stored {
		out = append(out, c.ToModel())
	}
	writeJSON(w, http.StatusOK, out)
}

// openConversation activates a conversation: the room join switches to it
// and its history is loaded into the cache.
func (h *Handler) openConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "missing conversation id")
		return
	}

	var req struct {
		Kind string `json:"kind"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	kind := model.ConversationKind(req.Kind)
	if kind == "" {
		kind = h.lookupKind(conversationID)
	}

	if h.rooms != nil {
		h.rooms.SetActive(model.RoomTarget{ConversationID: conversationID, Kind: kind})
	}
	if err := h.engine.LoadHistory(r.Context(), conversationID); err != nil {
		if rest.IsUnauthorized(err) {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		// The local snapshot (if any) is already seeded; report the
		// fetch failure but leave the room switched.
		h.logger.Warn("history load failed", zap.Error(err), zap.String("conversation_id", conversationID))
		writeJSON(w, http.StatusOK, map[string]any{
			"conversationId": conversationID,
			"messages":       h.cache.Len(conversationID),
			"stale":          true,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"messages":       h.cache.Len(conversationID),
	})
}

func (h *Handler) lookupKind(conversationID string) model.ConversationKind {
	if h.db != nil {
		if c, err := h.db.GetConversation(conversationID); err == nil && c != nil && c.Kind != "" {
			return model.ConversationKind(c.Kind)
		}
	}
	return model.KindChannel
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	msgs := h.cache.Messages(conversationID)

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req struct {
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.pipeline.Send(conversationID, req.Content, req.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	id := parseMessageID(chi.URLParam(r, "msgID"))

	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.pipeline.Edit(r.Context(), conversationID, id, req.Content); err != nil {
		switch {
		case id.IsOptimistic():
			writeError(w, http.StatusConflict, err.Error())
		case rest.IsUnauthorized(err):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	got, ok := h.cache.Get(conversationID, id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
		return
	}
	writeJSON(w, http.StatusOK, toView(got))
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	id := parseMessageID(chi.URLParam(r, "msgID"))

	if err := h.pipeline.Delete(conversationID, id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String()})
}

func (h *Handler) getDraft(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]string{
		"conversationId": conversationID,
		"body":           h.drafts.Get(conversationID),
	})
}

func (h *Handler) putDraft(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	h.drafts.Set(conversationID, req.Body)
	writeJSON(w, http.StatusOK, map[string]string{
		"conversationId": conversationID,
		"body":           h.drafts.Get(conversationID),
	})
}

func (h *Handler) deleteDraft(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	h.drafts.Clear(conversationID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}
	if h.db == nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	results, err := h.db.SearchMessages(query, r.URL.Query().Get("conversation"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	out := make([]searchView, 0, len(results))
	for _, res := range results {
		out = append(out, searchView{
			ConversationID: res.Message.ConversationID,
			MsgID:          res.Message.MsgID,
			Snippet:        res.Snippet,
			CreatedAt:      time.UnixMilli(res.Message.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type searchView struct {
	ConversationID string    `json:"conversationId"`
	MsgID          string    `json:"msgId"`
	Snippet        string    `json:"snippet"`
	CreatedAt      time.Time `json:"createdAt"`
}

// parseMessageID reverses MessageID.String. Ids with the local prefix are
// placeholders that only this daemon ever minted.
func parseMessageID(s string) model.MessageID {
	if rest, ok := strings.CutPrefix(s, "local-"); ok {
		if n, err := strconv.ParseUint(rest, 10, 64); err == nil && n > 0 {
			return model.OptimisticID(n)
		}
	}
	return model.DurableID(s)
}
