// Package room tracks the one conversation the gateway connection should
// be joined to. This is a single-conversation-view client: there is never
// a fan-out of subscriptions, only the active room.
package room

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pedrohba/converse/internal/model"
	"go.uber.org/zap"
)

// State of the membership manager.
type State string

const (
	Unsubscribed  State = "UNSUBSCRIBED"
	Subscribed    State = "SUBSCRIBED"
	Transitioning State = "TRANSITIONING"
)

var validTransitions = map[State][]State{
	Unsubscribed:  {Subscribed},
	Subscribed:    {Transitioning, Unsubscribed},
	Transitioning: {Subscribed, Unsubscribed},
}

// Emitter sends room signals over the live connection. Join and leave are
// fire-and-forget: the server treats joining a joined room, or leaving an
// unjoined one, as a no-op, so errors are logged and not retried here.
type Emitter interface {
	Emit(event string, data any) error
}

// Gateway events emitted for room membership.
const (
	EventJoinRoom  = "join-room"
	EventLeaveRoom = "leave-room"
)

// Manager performs join/leave transitions as the active conversation
// changes. The desired target is always recorded even while the gateway
// is down, so a reconnect replays the last requested join; under rapid
// switching the last requested target wins.
type Manager struct {
	mu        sync.Mutex
	state     State
	desired   *model.RoomTarget
	joined    *model.RoomTarget
	connected bool
	emitter   Emitter
	logger    *zap.Logger
}

// NewManager creates a manager in the Unsubscribed state.
func NewManager(e Emitter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		state:   Unsubscribed,
		emitter: e,
		logger:  logger,
	}
}

// State returns the current membership state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Desired returns the last requested target, if any.
func (m *Manager) Desired() (model.RoomTarget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.desired == nil {
		return model.RoomTarget{}, false
	}
	return *m.desired, true
}

// SetActive records target as the desired room and, if the connection is
// up, leaves the previous room and joins the new one. Calling it with the
// room already joined is a no-op.
func (m *Manager) SetActive(target model.RoomTarget) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := target
	m.desired = &t

	if !m.connected {
		// Recorded only; HandleConnect replays the join.
		return
	}
	if m.joined != nil && m.joined.ConversationID == target.ConversationID {
		return
	}
	m.switchLocked(target)
}

// Clear leaves the current room and forgets the desired target.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.desired = nil
	if m.connected && m.joined != nil {
		m.emit(EventLeaveRoom, m.joined.ConversationID)
	}
	m.joined = nil
	m.transition(Unsubscribed)
}

// HandleConnect marks the connection up and re-issues the desired join.
// Idempotent on the server side, so a duplicate join after a flappy
// reconnect is harmless.
func (m *Manager) HandleConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = true
	if m.desired == nil {
		return
	}
	m.switchLocked(*m.desired)
}

// HandleDisconnect marks the connection down. Server-side membership is
// gone with the connection; the desired target is kept for the replay.
func (m *Manager) HandleDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	m.joined = nil
	m.transition(Unsubscribed)
}

// switchLocked leaves the joined room (if different) and joins target.
func (m *Manager) switchLocked(target model.RoomTarget) {
	if m.joined != nil && m.joined.ConversationID != target.ConversationID {
		m.transition(Transitioning)
		m.emit(EventLeaveRoom, m.joined.ConversationID)
	}
	m.emit(EventJoinRoom, target.ConversationID)
	t := target
	m.joined = &t
	m.transition(Subscribed)
}

func (m *Manager) transition(to State) {
	if m.state == to {
		return
	}
	if !slices.Contains(validTransitions[m.state], to) {
		// Transitions are internal; a miss here is a programming error.
		m.logger.Warn("invalid room state transition",
			zap.String("from", string(m.state)), zap.String("to", string(to)))
		return
	}
	m.state = to
}

func (m *Manager) emit(event, conversationID string) {
	if m.emitter == nil {
		return
	}
	if err := m.emitter.Emit(event, conversationID); err != nil {
		m.logger.Warn(fmt.Sprintf("%s signal failed", event),
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
