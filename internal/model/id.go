package model

import "strconv"

// MessageID is a tagged message identifier. A message carries either a
// durable id assigned by the server or an optimistic id assigned locally
// while a send is unconfirmed, never both. The zero value means "no id".
type MessageID struct {
	durable string
	local   uint64
}

// DurableID wraps a server-assigned identifier.
func DurableID(id string) MessageID {
	return MessageID{durable: id}
}

// OptimisticID wraps a locally-assigned sequence number. Callers must use
// numbers >= 1 so the tag is distinguishable from the zero value.
func OptimisticID(n uint64) MessageID {
	return MessageID{local: n}
}

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool {
	return id.durable == "" && id.local == 0
}

// IsDurable reports whether the id was assigned by the server.
func (id MessageID) IsDurable() bool {
	return id.durable != ""
}

// IsOptimistic reports whether the id is a local placeholder.
func (id MessageID) IsOptimistic() bool {
	return id.durable == "" && id.local != 0
}

// Durable returns the server-assigned identifier, if any.
func (id MessageID) Durable() (string, bool) {
	return id.durable, id.durable != ""
}

// String renders the id for logs and the control API. Durable ids render as
// themselves; optimistic ids get a "local-" prefix that the server would
// never produce.
func (id MessageID) String() string {
	if id.durable != "" {
		return id.durable
	}
	if id.local != 0 {
		return "local-" + strconv.FormatUint(id.local, 10)
	}
	return ""
}
