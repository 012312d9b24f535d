// Package gateway maintains the one persistent push connection to the
// chat server for the lifetime of the session. Conversation scoping is
// the room manager's job, not the connection's: the connection survives
// room switches and only dies with the daemon.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pedrohba/converse/internal/bus"
	"go.uber.org/zap"
)

// Server-sent event names on the push channel.
const (
	eventMessageCreated = "message-created"
	eventMessageUpdated = "message-updated"
	eventMessageDeleted = "message-deleted"
)

// ErrNotConnected is returned by Emit while the connection is down.
// Room signals are fire-and-forget, so callers log it and rely on the
// reconnect replay instead of retrying.
var ErrNotConnected = errors.New("gateway: not connected")

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Conn is the websocket gateway connection with automatic redial.
type Conn struct {
	url    string
	token  string
	bus    *bus.Bus
	logger *zap.Logger

	mu sync.Mutex
	ws *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a gateway connection. Start must be called to dial.
func New(gatewayURL, token string, b *bus.Bus, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		url:    gatewayURL,
		token:  token,
		bus:    b,
		logger: logger,
	}
}

// Start dials the gateway in the background and keeps it alive until
// Stop. Connection state changes are published as gateway.connected /
// gateway.disconnected bus events.
func (c *Conn) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
}

// Stop closes the connection and stops redialing.
func (c *Conn) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.mu.Lock()
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.mu.Unlock()
	<-c.done
}

// Emit sends a client event (join-room / leave-room) over the connection.
func (c *Conn) Emit(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	return c.ws.WriteJSON(outFrame{Event: event, Data: data})
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		header := http.Header{}
		if c.token != "" {
			header.Set("Authorization", "Bearer "+c.token)
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("gateway dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		backoff = time.Second

		c.logger.Info("gateway connected")
		c.bus.Publish(bus.Event{Kind: bus.GatewayConnected, Timestamp: time.Now()})

		c.readLoop(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()

		c.bus.Publish(bus.Event{Kind: bus.GatewayDisconnected, Timestamp: time.Now()})
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("gateway disconnected, redialing")
	}
}

// readLoop reads frames until the connection fails. Frames dispatch one
// at a time, so events for the same conversation reach the bus in
// delivery order.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		var f inFrame
		if err := ws.ReadJSON(&f); err != nil {
			return
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f inFrame) {
	var kind string
	switch f.Event {
	case eventMessageCreated:
		kind = bus.GatewayMessageCreated
	case eventMessageUpdated:
		kind = bus.GatewayMessageUpdated
	case eventMessageDeleted:
		kind = bus.GatewayMessageDeleted
	default:
		// Unknown events are not an error; the server may grow new ones.
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   []byte(f.Data),
	})
}
