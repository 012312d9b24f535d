package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces ("gateway.", "message.", "session.") so subscribers can
// filter by prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the daemon. Gateway events carry the raw frame
// payload; message events carry small map payloads for watchers.
const (
	GatewayConnected      = "gateway.connected"
	GatewayDisconnected   = "gateway.disconnected"
	GatewayMessageCreated = "gateway.message_created"
	GatewayMessageUpdated = "gateway.message_updated"
	GatewayMessageDeleted = "gateway.message_deleted"

	MessageUpserted     = "message.upserted"
	MessageRemoved      = "message.removed"
	MessageSendAck      = "message.send_ack"
	MessageSendFailed   = "message.send_failed"
	MessageEditFailed   = "message.edit_failed"
	MessageDeleteFailed = "message.delete_failed"

	SyncHistoryLoaded = "sync.history_loaded"

	SessionStatusChanged = "session.status_changed"
)
