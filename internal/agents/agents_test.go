package agents

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/milla-ai/dispatch/internal/outbox"
	"github.com/milla-ai/dispatch/internal/registry"
	"github.com/milla-ai/dispatch/internal/store"
)

func newEmailAgent(t *testing.T) (*EmailAgent, store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ob := outbox.NewWorker(st, outbox.LogSender{}, outbox.DefaultPolicy())
	return &EmailAgent{Outbox: ob}, st
}

func TestEmailAgent_draft(t *testing.T) {
	t.Parallel()
	a, _ := newEmailAgent(t)

	res, err := a.Handle(context.Background(), store.Task{
		Action:  "draft",
		Payload: json.RawMessage(`{"subject":"Standup","body":"Notes from today"}`),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !strings.Contains(out["draft"], "Subject: Standup") {
		t.Fatalf("draft = %q", out["draft"])
	}
}

func TestEmailAgent_sendEnqueuesOutbox(t *testing.T) {
	t.Parallel()
	a, st := newEmailAgent(t)
	ctx := context.Background()

	res, err := a.Handle(ctx, store.Task{
		Action:  "send",
		Payload: json.RawMessage(`{"to":"alex@example.com","subject":"Hi","body":"Hello"}`),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var out struct {
		ItemID int64 `json:"outbox_item_id"`
	}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	item, err := st.GetOutboxItem(ctx, out.ItemID)
	if err != nil {
		t.Fatalf("get outbox item: %v", err)
	}
	if item.To != "alex@example.com" || item.Subject != "Hi" || item.Sent {
		t.Fatalf("item = %+v", item)
	}
}

func TestEmailAgent_validation(t *testing.T) {
	t.Parallel()
	a, _ := newEmailAgent(t)
	ctx := context.Background()

	if _, err := a.Handle(ctx, store.Task{Action: "send", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("send without recipient should fail")
	}
	if _, err := a.Handle(ctx, store.Task{Action: "draft", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatal("draft without subject should fail")
	}
	if _, err := a.Handle(ctx, store.Task{Action: "forward"}); err == nil {
		t.Fatal("unsupported action should fail")
	}
}

func TestReminderAgent(t *testing.T) {
	t.Parallel()
	var a ReminderAgent
	ctx := context.Background()

	res, err := a.Handle(ctx, store.Task{
		Action:  "create",
		Payload: json.RawMessage(`{"note":"water the plants","when":"tomorrow 9am"}`),
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["reminder"] != "Reminder: water the plants (tomorrow 9am)" {
		t.Fatalf("reminder = %q", out["reminder"])
	}

	if _, err := a.Handle(ctx, store.Task{Action: "create", Payload: json.RawMessage(`{"note":"  "}`)}); err == nil {
		t.Fatal("blank note should fail")
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New()
	Register(reg, outbox.NewWorker(st, outbox.LogSender{}, outbox.DefaultPolicy()))

	for _, name := range []string{"email", "reminder"} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("agent %q not registered", name)
		}
	}
}
