package room

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pedrohba/converse/internal/model"
)

type recordingEmitter struct {
	signals []string
	err     error
}

func (e *recordingEmitter) Emit(event string, data any) error {
	e.signals = append(e.signals, fmt.Sprintf("%s:%v", event, data))
	return e.err
}

func target(id string) model.RoomTarget {
	return model.RoomTarget{ConversationID: id, Kind: model.KindChannel}
}

func TestInitialState(t *testing.T) {
	m := NewManager(&recordingEmitter{}, nil)
	if m.State() != Unsubscribed {
		t.Errorf("state = %s, want UNSUBSCRIBED", m.State())
	}
	if _, ok := m.Desired(); ok {
		t.Error("desired target set on a fresh manager")
	}
}

func TestSetActiveJoinsWhenConnected(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)
	m.HandleConnect()

	m.SetActive(target("c1"))

	if m.State() != Subscribed {
		t.Errorf("state = %s, want SUBSCRIBED", m.State())
	}
	want := []string{"join-room:c1"}
	if len(e.signals) != 1 || e.signals[0] != want[0] {
		t.Errorf("signals = %v, want %v", e.signals, want)
	}
}

func TestSwitchLeavesThenJoins(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)
	m.HandleConnect()

	m.SetActive(target("c1"))
	m.SetActive(target("c2"))

	want := []string{"join-room:c1", "leave-room:c1", "join-room:c2"}
	if len(e.signals) != len(want) {
		t.Fatalf("signals = %v, want %v", e.signals, want)
	}
	for i := range want {
		if e.signals[i] != want[i] {
			t.Errorf("signals[%d] = %q, want %q", i, e.signals[i], want[i])
		}
	}
}

func TestSetActiveSameRoomIsNoOp(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)
	m.HandleConnect()

	m.SetActive(target("c1"))
	m.SetActive(target("c1"))

	if len(e.signals) != 1 {
		t.Errorf("signals = %v, want a single join", e.signals)
	}
}

// Rapid switching must end subscribed to the final selection, never to
// neither.
func TestRapidSwitchingLastTargetWins(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)
	m.HandleConnect()

	for i := 0; i < 10; i++ {
		m.SetActive(target("c1"))
		m.SetActive(target("c2"))
	}
	m.SetActive(target("c1"))

	if m.State() != Subscribed {
		t.Errorf("state = %s, want SUBSCRIBED", m.State())
	}
	d, ok := m.Desired()
	if !ok || d.ConversationID != "c1" {
		t.Errorf("desired = %+v ok=%v, want c1", d, ok)
	}
	if last := e.signals[len(e.signals)-1]; last != "join-room:c1" {
		t.Errorf("last signal = %q, want join-room:c1", last)
	}
}

func TestDesiredRecordedWhileDisconnected(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)

	m.SetActive(target("c1"))

	if len(e.signals) != 0 {
		t.Errorf("signals emitted while disconnected: %v", e.signals)
	}
	d, ok := m.Desired()
	if !ok || d.ConversationID != "c1" {
		t.Errorf("desired = %+v ok=%v, want c1 recorded", d, ok)
	}
}

func TestReconnectReplaysDesiredJoin(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)
	m.HandleConnect()
	m.SetActive(target("c1"))

	m.HandleDisconnect()
	if m.State() != Unsubscribed {
		t.Errorf("state after disconnect = %s, want UNSUBSCRIBED", m.State())
	}
	// Switch while offline; the reconnect must join the latest target.
	m.SetActive(target("c2"))
	m.HandleConnect()

	if m.State() != Subscribed {
		t.Errorf("state = %s, want SUBSCRIBED", m.State())
	}
	if last := e.signals[len(e.signals)-1]; last != "join-room:c2" {
		t.Errorf("last signal = %q, want join-room:c2", last)
	}
}

func TestClearLeavesAndForgets(t *testing.T) {
	e := &recordingEmitter{}
	m := NewManager(e, nil)
	m.HandleConnect()
	m.SetActive(target("c1"))

	m.Clear()

	if m.State() != Unsubscribed {
		t.Errorf("state = %s, want UNSUBSCRIBED", m.State())
	}
	if _, ok := m.Desired(); ok {
		t.Error("desired target survived Clear")
	}
	if last := e.signals[len(e.signals)-1]; last != "leave-room:c1" {
		t.Errorf("last signal = %q, want leave-room:c1", last)
	}
	// Reconnect must not rejoin a cleared target.
	m.HandleDisconnect()
	before := len(e.signals)
	m.HandleConnect()
	if len(e.signals) != before {
		t.Errorf("reconnect emitted for a cleared target: %v", e.signals[before:])
	}
}

// Emit failures are fire-and-forget: state still advances and the next
// reconnect replays the desired join.
func TestEmitFailureDoesNotWedge(t *testing.T) {
	e := &recordingEmitter{err: errors.New("write: broken pipe")}
	m := NewManager(e, nil)
	m.HandleConnect()

	m.SetActive(target("c1"))
	if m.State() != Subscribed {
		t.Errorf("state = %s, want SUBSCRIBED despite emit error", m.State())
	}
}
