// Package sync applies push events and history fetches to the
// conversation cache. A single goroutine drains the gateway events, so
// events for one conversation are reconciled strictly in delivery order
// and no two ingestions ever run concurrently.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pedrohba/converse/internal/bus"
	"github.com/pedrohba/converse/internal/cache"
	"github.com/pedrohba/converse/internal/gateway"
	"github.com/pedrohba/converse/internal/model"
	"github.com/pedrohba/converse/internal/rest"
	"github.com/pedrohba/converse/internal/room"
	"github.com/pedrohba/converse/internal/status"
	"github.com/pedrohba/converse/internal/store"
	"go.uber.org/zap"
)

const historyLimit = 100

// HistoryAPI is the slice of the REST client the engine needs.
type HistoryAPI interface {
	History(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// Engine feeds push events and history batches through the
// reconciliation algorithm. Durable results are written through to the
// local store so conversations survive restarts.
type Engine struct {
	cache   *cache.Cache
	db      *store.DB
	rooms   *room.Manager
	machine *status.Machine
	api     HistoryAPI
	bus     *bus.Bus
	logger  *zap.Logger

	mu        sync.RWMutex
	localUser model.Sender

	cancel context.CancelFunc
}

// NewEngine creates a sync engine.
func NewEngine(c *cache.Cache, db *store.DB, rooms *room.Manager, machine *status.Machine, api HistoryAPI, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cache:   c,
		db:      db,
		rooms:   rooms,
		machine: machine,
		api:     api,
		bus:     b,
		logger:  logger,
	}
}

// SetLocalUser records the authenticated user so reconciliation can
// recognize echoed-back local sends.
func (e *Engine) SetLocalUser(s model.Sender) {
	e.mu.Lock()
	e.localUser = s
	e.mu.Unlock()
}

// LocalUser returns the authenticated user's summary.
func (e *Engine) LocalUser() model.Sender {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.localUser
}

// Start subscribes to gateway events on the bus and processes them until
// Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("gateway.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.GatewayConnected:
		e.handleConnected()
	case bus.GatewayDisconnected:
		e.handleDisconnected()
	case bus.GatewayMessageCreated:
		data, ok := evt.Payload.([]byte)
		if !ok {
			return
		}
		msg, err := gateway.ParseMessage(data)
		if err != nil {
			// A push-channel hiccup must never break ingestion.
			e.logger.Debug("dropping malformed message-created event", zap.Error(err))
			return
		}
		e.IngestCreated(msg)
	case bus.GatewayMessageUpdated:
		data, ok := evt.Payload.([]byte)
		if !ok {
			return
		}
		msg, err := gateway.ParseMessage(data)
		if err != nil {
			e.logger.Debug("dropping malformed message-updated event", zap.Error(err))
			return
		}
		e.ApplyUpdate(msg)
	case bus.GatewayMessageDeleted:
		data, ok := evt.Payload.([]byte)
		if !ok {
			return
		}
		del, err := gateway.ParseDeleted(data)
		if err != nil {
			e.logger.Debug("dropping malformed message-deleted event", zap.Error(err))
			return
		}
		e.ApplyDelete(del)
	}
}

func (e *Engine) handleConnected() {
	if e.machine != nil {
		if err := e.machine.Transition(status.Ready); err != nil {
			e.logger.Debug("status transition on connect", zap.Error(err))
		}
	}
	if e.rooms != nil {
		e.rooms.HandleConnect()
	}
}

func (e *Engine) handleDisconnected() {
	if e.rooms != nil {
		e.rooms.HandleDisconnect()
	}
	if e.machine != nil && e.machine.Current() == status.Ready {
		if err := e.machine.Transition(status.Reconnecting); err != nil {
			e.logger.Debug("status transition on disconnect", zap.Error(err))
		}
	}
}

// IngestCreated merges a pushed message into its conversation's bucket.
// Events that omit routing are attributed to the active conversation;
// events for other conversations are ingested into their own buckets so
// the next visit renders instantly.
func (e *Engine) IngestCreated(msg model.Message) {
	if msg.ConversationID == "" {
		if msg.ConversationID = e.activeConversation(); msg.ConversationID == "" {
			e.logger.Debug("dropping unroutable message-created event",
				zap.String("msg_id", msg.ID.String()))
			return
		}
	}

	e.cache.Reconcile(msg.ConversationID, msg, e.LocalUser().ID)
	e.persistDurable(msg)

	e.bus.Publish(bus.Event{
		Kind:      bus.MessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"msg_id":          msg.ID.String(),
		},
	})
}

// ApplyUpdate replaces an existing entry by id. An update for an id that
// is not cached is a no-op, so a stale update event can never resurrect
// a deleted message.
func (e *Engine) ApplyUpdate(msg model.Message) {
	if msg.ConversationID == "" {
		msg.ConversationID = e.activeConversation()
	}
	if !e.cache.ReplaceByID(msg.ConversationID, msg) {
		e.logger.Debug("ignoring update for unknown message",
			zap.String("msg_id", msg.ID.String()),
			zap.String("conversation_id", msg.ConversationID))
		return
	}
	e.persistDurable(msg)

	e.bus.Publish(bus.Event{
		Kind:      bus.MessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": msg.ConversationID,
			"msg_id":          msg.ID.String(),
		},
	})
}

// ApplyDelete removes a message by durable id. Removing an absent id is
// a no-op; duplicate delivery of the delete event is safe.
func (e *Engine) ApplyDelete(del gateway.Deletion) {
	conv := del.ConversationID
	if conv != "" {
		e.cache.Remove(conv, model.DurableID(del.ID))
	} else {
		conv, _ = e.cache.RemoveDurable(del.ID)
	}
	if e.db != nil {
		if err := e.db.DeleteMessage(del.ID); err != nil {
			e.logger.Error("failed to delete stored message", zap.Error(err), zap.String("msg_id", del.ID))
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.MessageRemoved,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conv,
			"msg_id":          del.ID,
		},
	})
}

// LoadHistory populates a conversation's bucket: the local store's
// snapshot first for instant display, then the server's history
// reconciled on top. Pending optimistic entries survive both merges.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string) error {
	localID := e.LocalUser().ID

	if e.db != nil {
		stored, err := e.db.ListMessages(conversationID, 0, historyLimit)
		if err != nil {
			return fmt.Errorf("load stored history: %w", err)
		}
		// ListMessages pages newest-first; seed oldest-first.
		msgs := make([]model.Message, 0, len(stored))
		for i := len(stored) - 1; i >= 0; i-- {
			msgs = append(msgs, stored[i].ToModel())
		}
		e.cache.SeedHistory(conversationID, msgs, localID)
	}

	if e.api == nil {
		return nil
	}
	fetched, err := e.api.History(ctx, conversationID, historyLimit)
	if err != nil {
		if rest.IsUnauthorized(err) && e.machine != nil {
			e.logger.Warn("token rejected on history fetch, auth required", zap.Error(err))
			if terr := e.machine.Transition(status.AuthRequired); terr != nil {
				e.logger.Debug("status transition on auth failure", zap.Error(terr))
			}
		}
		return fmt.Errorf("fetch history: %w", err)
	}
	e.cache.SeedHistory(conversationID, fetched, localID)

	if e.db != nil && len(fetched) > 0 {
		batch := make([]*store.Message, 0, len(fetched))
		var last model.Message
		for _, m := range fetched {
			if sm, ok := store.FromModel(m); ok {
				batch = append(batch, &sm)
				if m.CreatedAt.After(last.CreatedAt) {
					last = m
				}
			}
		}
		if err := e.db.BatchUpsertMessages(batch); err != nil {
			e.logger.Error("failed to persist history batch", zap.Error(err), zap.Int("count", len(batch)))
		} else if !last.CreatedAt.IsZero() {
			e.touchConversation(last)
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.SyncHistoryLoaded,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": conversationID,
		},
	})
	return nil
}

func (e *Engine) activeConversation() string {
	if e.rooms == nil {
		return ""
	}
	target, ok := e.rooms.Desired()
	if !ok {
		return ""
	}
	return target.ConversationID
}

func (e *Engine) persistDurable(msg model.Message) {
	if e.db == nil {
		return
	}
	sm, ok := store.FromModel(msg)
	if !ok {
		return
	}
	if err := e.db.UpsertMessage(&sm); err != nil {
		e.logger.Error("failed to persist message", zap.Error(err), zap.String("msg_id", sm.MsgID))
		return
	}
	e.touchConversation(msg)
}

func (e *Engine) touchConversation(msg model.Message) {
	err := e.db.UpsertConversation(&store.Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.CreatedAt.UnixMilli(),
		LastMessagePreview: truncate(msg.Content, 100),
	})
	if err != nil {
		e.logger.Error("failed to touch conversation", zap.Error(err), zap.String("conversation_id", msg.ConversationID))
	}
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
