package sync

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/pedrohba/converse/internal/bus"
	"github.com/pedrohba/converse/internal/cache"
	"github.com/pedrohba/converse/internal/gateway"
	"github.com/pedrohba/converse/internal/model"
	"github.com/pedrohba/converse/internal/rest"
	"github.com/pedrohba/converse/internal/room"
	"github.com/pedrohba/converse/internal/status"
)

type fakeHistory struct {
	msgs []model.Message
	err  error

	calls []string
}

func (f *fakeHistory) History(_ context.Context, conversationID string, _ int) ([]model.Message, error) {
	f.calls = append(f.calls, conversationID)
	return f.msgs, f.err
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, any) error { return nil }

func newTestEngine(t *testing.T, api HistoryAPI) (*Engine, *cache.Cache, *bus.Bus, *room.Manager) {
	t.Helper()
	b := bus.New()
	c := cache.New()
	rooms := room.NewManager(nopEmitter{}, nil)
	e := NewEngine(c, nil, rooms, status.NewMachine(b), api, b, nil)
	e.SetLocalUser(model.Sender{ID: "u-local", DisplayName: "Me"})
	return e, c, b, rooms
}

func durable(id, conv, sender, content string, at time.Time) model.Message {
	return model.Message{
		ID:             model.DurableID(id),
		ConversationID: conv,
		Sender:         model.Sender{ID: sender},
		Content:        content,
		CreatedAt:      at,
	}
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestIngestCreatedPublishesUpsert(t *testing.T) {
	e, c, b, _ := newTestEngine(t, nil)
	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	e.IngestCreated(durable("m1", "conv-1", "u-2", "hi", time.Now()))

	if c.Len("conv-1") != 1 {
		t.Fatalf("expected 1 cached message, got %d", c.Len("conv-1"))
	}
	evt := waitFor(t, ch, bus.MessageUpserted)
	payload := evt.Payload.(map[string]string)
	if payload["conversation_id"] != "conv-1" || payload["msg_id"] != "m1" {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestIngestCreatedFallsBackToActiveConversation(t *testing.T) {
	e, c, _, rooms := newTestEngine(t, nil)
	rooms.SetActive(model.RoomTarget{ConversationID: "conv-active", Kind: model.KindChannel})

	msg := durable("m1", "", "u-2", "routed by fallback", time.Now())
	e.IngestCreated(msg)

	if c.Len("conv-active") != 1 {
		t.Fatalf("expected message in active conversation, got %d", c.Len("conv-active"))
	}
}

func TestIngestCreatedDropsUnroutable(t *testing.T) {
	e, c, _, _ := newTestEngine(t, nil)

	e.IngestCreated(durable("m1", "", "u-2", "nowhere to go", time.Now()))

	if c.Len("") != 0 {
		t.Fatal("unroutable message should not be cached")
	}
}

func TestIngestCreatedCollapsesOptimisticEcho(t *testing.T) {
	e, c, _, _ := newTestEngine(t, nil)

	opt := model.Message{
		ID:             model.OptimisticID(1),
		ConversationID: "conv-1",
		Sender:         model.Sender{ID: "u-local"},
		Content:        "hello",
		CreatedAt:      time.Now(),
	}
	c.Upsert("conv-1", opt)

	e.IngestCreated(durable("srv-1", "conv-1", "u-local", "hello", time.Now()))

	if got := c.Len("conv-1"); got != 1 {
		t.Fatalf("echo should claim the optimistic entry, got %d messages", got)
	}
	msgs := c.Messages("conv-1")
	if !msgs[0].ID.IsDurable() {
		t.Fatalf("surviving entry should be durable, got %s", msgs[0].ID)
	}
}

func TestApplyUpdateIgnoresUnknownID(t *testing.T) {
	e, c, b, _ := newTestEngine(t, nil)
	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	e.ApplyUpdate(durable("ghost", "conv-1", "u-2", "edited", time.Now()))

	if c.Len("conv-1") != 0 {
		t.Fatal("update must never insert")
	}
	select {
	case evt := <-ch:
		t.Fatalf("expected no event, got %s", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApplyUpdateReplacesInPlace(t *testing.T) {
	e, c, _, _ := newTestEngine(t, nil)
	at := time.Now()
	c.Upsert("conv-1", durable("m1", "conv-1", "u-2", "original", at))

	updated := durable("m1", "conv-1", "u-2", "edited", at)
	edited := at.Add(time.Minute)
	updated.EditedAt = &edited
	e.ApplyUpdate(updated)

	got, ok := c.Get("conv-1", model.DurableID("m1"))
	if !ok || got.Content != "edited" || got.EditedAt == nil {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestApplyDeleteWithAndWithoutRouting(t *testing.T) {
	e, c, b, _ := newTestEngine(t, nil)
	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	c.Upsert("conv-1", durable("m1", "conv-1", "u-2", "a", time.Now()))
	c.Upsert("conv-2", durable("m2", "conv-2", "u-2", "b", time.Now()))

	e.ApplyDelete(gateway.Deletion{ID: "m1", ConversationID: "conv-1"})
	evt := waitFor(t, ch, bus.MessageRemoved)
	if evt.Payload.(map[string]string)["conversation_id"] != "conv-1" {
		t.Fatalf("unexpected removal payload: %v", evt.Payload)
	}
	if c.Len("conv-1") != 0 {
		t.Fatal("targeted delete did not remove the message")
	}

	// No routing: engine locates the bucket by durable id.
	e.ApplyDelete(gateway.Deletion{ID: "m2"})
	evt = waitFor(t, ch, bus.MessageRemoved)
	if evt.Payload.(map[string]string)["conversation_id"] != "conv-2" {
		t.Fatalf("unexpected removal payload: %v", evt.Payload)
	}
	if c.Len("conv-2") != 0 {
		t.Fatal("routing-less delete did not remove the message")
	}
}

func TestApplyDeleteAbsentIsNoop(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	e.ApplyDelete(gateway.Deletion{ID: "never-seen"})
	e.ApplyDelete(gateway.Deletion{ID: "never-seen"})
}

func TestLoadHistorySeedsFromServer(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	api := &fakeHistory{msgs: []model.Message{
		durable("m1", "conv-1", "u-2", "first", base),
		durable("m2", "conv-1", "u-2", "second", base.Add(time.Minute)),
	}}
	e, c, b, _ := newTestEngine(t, api)
	ch, unsub := b.Subscribe("sync.", 8)
	defer unsub()

	// A pending optimistic entry must survive the seed.
	c.Upsert("conv-1", model.Message{
		ID:             model.OptimisticID(1),
		ConversationID: "conv-1",
		Sender:         model.Sender{ID: "u-local"},
		Content:        "in flight",
		CreatedAt:      time.Now(),
	})

	if err := e.LoadHistory(context.Background(), "conv-1"); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}

	if got := c.Len("conv-1"); got != 3 {
		t.Fatalf("expected 2 seeded + 1 optimistic, got %d", got)
	}
	if len(api.calls) != 1 || api.calls[0] != "conv-1" {
		t.Fatalf("unexpected API calls: %v", api.calls)
	}
	waitFor(t, ch, bus.SyncHistoryLoaded)
}

func TestLoadHistoryPropagatesFetchError(t *testing.T) {
	api := &fakeHistory{err: errors.New("boom")}
	e, _, _, _ := newTestEngine(t, api)

	if err := e.LoadHistory(context.Background(), "conv-1"); err == nil {
		t.Fatal("expected fetch error")
	}
}

func TestLoadHistoryUnauthorizedDrivesAuthRequired(t *testing.T) {
	api := &fakeHistory{err: &rest.APIError{StatusCode: 401, Message: "token expired"}}
	e, _, _, _ := newTestEngine(t, api)
	for _, s := range []status.State{status.Connecting, status.Ready} {
		if err := e.machine.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	if err := e.LoadHistory(context.Background(), "conv-1"); err == nil {
		t.Fatal("expected fetch error")
	}
	if got := e.machine.Current(); got != status.AuthRequired {
		t.Fatalf("rejected token should drive AUTH_REQUIRED, got %s", got)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		in     string
		maxLen int
		want   string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 5, "hello"},
		// "é" is 2 bytes; cutting at 3 must not leave half a rune.
		{"éé", 3, "é"},
		// 4-byte emoji straddling the limit is dropped entirely.
		{"ab\U0001F600", 4, "ab"},
		{"日本語", 7, "日本"},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.maxLen)
		if got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.maxLen, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8 %q", tc.in, tc.maxLen, got)
		}
		if len(got) > tc.maxLen {
			t.Errorf("truncate(%q, %d) is %d bytes long", tc.in, tc.maxLen, len(got))
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	e, _, _, rooms := newTestEngine(t, nil)
	if err := e.machine.Transition(status.Connecting); err != nil {
		t.Fatalf("transition: %v", err)
	}
	rooms.SetActive(model.RoomTarget{ConversationID: "conv-1", Kind: model.KindChannel})

	e.handleEvent(bus.Event{Kind: bus.GatewayConnected})
	if got := e.machine.Current(); got != status.Ready {
		t.Fatalf("expected READY after connect, got %s", got)
	}
	if got := rooms.State(); got != room.Subscribed {
		t.Fatalf("expected room join replayed on connect, got %s", got)
	}

	e.handleEvent(bus.Event{Kind: bus.GatewayDisconnected})
	if got := e.machine.Current(); got != status.Reconnecting {
		t.Fatalf("expected RECONNECTING after drop, got %s", got)
	}
	if got := rooms.State(); got != room.Unsubscribed {
		t.Fatalf("expected room membership forgotten on drop, got %s", got)
	}
}

func TestStartDrainsGatewayEvents(t *testing.T) {
	e, c, b, _ := newTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	ch, unsub := b.Subscribe("message.", 8)
	defer unsub()

	frame := []byte(`{"id":"srv-9","conversationId":"conv-1","sender":{"id":"u-2"},"content":"over the wire","createdAt":"2026-08-28T12:00:00Z"}`)
	b.Publish(bus.Event{Kind: bus.GatewayMessageCreated, Timestamp: time.Now(), Payload: frame})

	waitFor(t, ch, bus.MessageUpserted)
	if _, ok := c.Get("conv-1", model.DurableID("srv-9")); !ok {
		t.Fatal("message from gateway event not cached")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	e, c, _, _ := newTestEngine(t, nil)

	e.handleEvent(bus.Event{Kind: bus.GatewayMessageCreated, Payload: []byte(`{nope`)})
	e.handleEvent(bus.Event{Kind: bus.GatewayMessageCreated, Payload: "not bytes"})
	e.handleEvent(bus.Event{Kind: bus.GatewayMessageDeleted, Payload: []byte(`[1,2]`)})

	if c.Len("conv-1") != 0 {
		t.Fatal("malformed payloads must be dropped")
	}
}
