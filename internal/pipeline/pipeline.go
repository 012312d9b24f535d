// Package pipeline is the local write path: send, edit and delete
// requested through the control API. Sends are optimistic: the message
// appears immediately under a local placeholder id and is reconciled
// with the server's durable copy when the request or the push echo
// lands, whichever comes first.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pedrohba/converse/internal/bus"
	"github.com/pedrohba/converse/internal/cache"
	"github.com/pedrohba/converse/internal/draft"
	"github.com/pedrohba/converse/internal/model"
	"github.com/pedrohba/converse/internal/rest"
	"github.com/pedrohba/converse/internal/status"
	"github.com/pedrohba/converse/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyMessage is returned for a send with no trimmed content and no
// attachments.
var ErrEmptyMessage = errors.New("message has no content")

const deliverTimeout = 30 * time.Second

// API is the slice of the REST client the pipeline needs.
type API interface {
	CreateMessage(ctx context.Context, conversationID, content string, attachments []string) (model.Message, error)
	EditMessage(ctx context.Context, conversationID, msgID, content string) (model.Message, error)
	DeleteMessage(ctx context.Context, conversationID, msgID string) error
}

// Pipeline coordinates the cache, the draft store and the server for
// user-initiated writes.
type Pipeline struct {
	cache   *cache.Cache
	drafts  *draft.Store
	db      *store.DB
	api     API
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	seq uint64

	mu        sync.RWMutex
	localUser model.Sender
}

// New creates a write pipeline.
func New(c *cache.Cache, drafts *draft.Store, db *store.DB, api API, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cache:   c,
		drafts:  drafts,
		db:      db,
		api:     api,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// reportFailure classifies a write failure. A rejected token is a session
// condition, not a per-message one: it drives the daemon to AuthRequired
// so frontends stop retrying. Everything else is handled by the caller.
func (p *Pipeline) reportFailure(err error) {
	if !rest.IsUnauthorized(err) {
		return
	}
	p.logger.Warn("token rejected mid-session, auth required", zap.Error(err))
	if p.machine != nil {
		if terr := p.machine.Transition(status.AuthRequired); terr != nil {
			p.logger.Debug("status transition on auth failure", zap.Error(terr))
		}
	}
}

// SetLocalUser records the authenticated sender stamped onto optimistic
// messages.
func (p *Pipeline) SetLocalUser(s model.Sender) {
	p.mu.Lock()
	p.localUser = s
	p.mu.Unlock()
}

func (p *Pipeline) user() model.Sender {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.localUser
}

// Send inserts an optimistic message, clears the conversation's draft and
// delivers in the background. On failure the optimistic entry is rolled
// back and the original text is restored to the draft so nothing the user
// typed is lost. The returned id is the local placeholder.
func (p *Pipeline) Send(conversationID, content string, attachments []string) (model.MessageID, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" && len(attachments) == 0 {
		return model.MessageID{}, ErrEmptyMessage
	}
	msg := model.Message{
		ID:             model.OptimisticID(atomic.AddUint64(&p.seq, 1)),
		ConversationID: conversationID,
		Sender:         p.user(),
		Content:        trimmed,
		Attachments:    attachments,
		CreatedAt:      time.Now(),
	}

	if p.drafts != nil {
		p.drafts.Clear(conversationID)
	}
	p.cache.Upsert(conversationID, msg)
	p.publish(bus.MessageUpserted, map[string]string{
		"conversation_id": conversationID,
		"msg_id":          msg.ID.String(),
	})

	go p.deliver(msg, content)
	return msg.ID, nil
}

// deliver runs detached from the requesting control call; a disconnected
// client must not cancel an in-flight send. typed is the pre-trim input,
// restored verbatim to the draft if the send fails.
func (p *Pipeline) deliver(msg model.Message, typed string) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	durable, err := p.api.CreateMessage(ctx, msg.ConversationID, msg.Content, msg.Attachments)
	if err != nil {
		p.logger.Warn("send failed, rolling back",
			zap.Error(err),
			zap.String("conversation_id", msg.ConversationID),
			zap.String("msg_id", msg.ID.String()))
		p.reportFailure(err)
		p.cache.Remove(msg.ConversationID, msg.ID)
		if p.drafts != nil {
			p.drafts.Set(msg.ConversationID, typed)
		}
		p.publish(bus.MessageSendFailed, map[string]string{
			"conversation_id": msg.ConversationID,
			"msg_id":          msg.ID.String(),
			"error":           err.Error(),
		})
		return
	}

	if durable.ConversationID == "" {
		durable.ConversationID = msg.ConversationID
	}
	p.cache.ReplaceOptimistic(msg.ConversationID, msg.ID, durable)
	p.persist(durable)
	p.publish(bus.MessageSendAck, map[string]string{
		"conversation_id": msg.ConversationID,
		"local_id":        msg.ID.String(),
		"msg_id":          durable.ID.String(),
	})
}

// Edit updates a confirmed message. It is synchronous: the cache changes
// only once the server has accepted the edit, so there is never an
// optimistic edit to roll back. Editing an unconfirmed (optimistic)
// message is rejected.
func (p *Pipeline) Edit(ctx context.Context, conversationID string, id model.MessageID, content string) error {
	msgID, ok := id.Durable()
	if !ok {
		return errors.New("cannot edit an unconfirmed message")
	}

	durable, err := p.api.EditMessage(ctx, conversationID, msgID, content)
	if err != nil {
		p.reportFailure(err)
		p.publish(bus.MessageEditFailed, map[string]string{
			"conversation_id": conversationID,
			"msg_id":          msgID,
			"error":           err.Error(),
		})
		return err
	}

	if durable.ConversationID == "" {
		durable.ConversationID = conversationID
	}
	if p.cache.ReplaceByID(conversationID, durable) {
		p.persist(durable)
		p.publish(bus.MessageUpserted, map[string]string{
			"conversation_id": conversationID,
			"msg_id":          msgID,
		})
	}
	return nil
}

// Delete removes a message locally right away and tells the server in the
// background. A failed server delete is surfaced as an event but never
// resurrects the message locally; the push channel is the authority on
// whether it ultimately stayed deleted.
func (p *Pipeline) Delete(conversationID string, id model.MessageID) error {
	msgID, ok := id.Durable()
	if !ok {
		return errors.New("cannot delete an unconfirmed message")
	}

	p.cache.Remove(conversationID, id)
	if p.db != nil {
		if err := p.db.DeleteMessage(msgID); err != nil {
			p.logger.Error("failed to delete stored message", zap.Error(err), zap.String("msg_id", msgID))
		}
	}
	p.publish(bus.MessageRemoved, map[string]string{
		"conversation_id": conversationID,
		"msg_id":          msgID,
	})

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		defer cancel()
		if err := p.api.DeleteMessage(ctx, conversationID, msgID); err != nil {
			p.logger.Warn("server delete failed",
				zap.Error(err),
				zap.String("conversation_id", conversationID),
				zap.String("msg_id", msgID))
			p.reportFailure(err)
			p.publish(bus.MessageDeleteFailed, map[string]string{
				"conversation_id": conversationID,
				"msg_id":          msgID,
				"error":           err.Error(),
			})
		}
	}()
	return nil
}

func (p *Pipeline) persist(msg model.Message) {
	if p.db == nil {
		return
	}
	sm, ok := store.FromModel(msg)
	if !ok {
		return
	}
	if err := p.db.UpsertMessage(&sm); err != nil {
		p.logger.Error("failed to persist message", zap.Error(err), zap.String("msg_id", sm.MsgID))
	}
}

func (p *Pipeline) publish(kind string, payload map[string]string) {
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
