// Package agents contains the built-in handlers registered at daemon start.
// They are deliberately small: the email agent exists mostly to wire the
// task path into the durable outbox path.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/milla-ai/dispatch/internal/outbox"
	"github.com/milla-ai/dispatch/internal/registry"
	"github.com/milla-ai/dispatch/internal/store"
)

// Register wires the built-in handlers into the registry.
func Register(reg *registry.Registry, ob *outbox.Worker) {
	reg.Register("email", &EmailAgent{Outbox: ob})
	reg.Register("reminder", ReminderAgent{})
}

// EmailPayload is the payload both email actions accept.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// EmailAgent drafts and sends email-shaped messages. "send" never talks to
// the network itself; it enqueues an outbox item so delivery survives a
// crash between task completion and the actual send.
type EmailAgent struct {
	Outbox *outbox.Worker
}

func (a *EmailAgent) Description() string {
	return "drafts email text (action: draft) or queues it for delivery (action: send)"
}

func (a *EmailAgent) Handle(ctx context.Context, t store.Task) (registry.Result, error) {
	var p EmailPayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return registry.Result{}, fmt.Errorf("invalid email payload: %w", err)
		}
	}

	switch t.Action {
	case "draft":
		if p.Subject == "" {
			return registry.Result{}, fmt.Errorf("email draft requires a subject")
		}
		out, err := json.Marshal(map[string]string{
			"draft": fmt.Sprintf("Subject: %s\n\n%s", p.Subject, p.Body),
		})
		if err != nil {
			return registry.Result{}, err
		}
		return registry.Result{Output: out, Detail: "draft prepared"}, nil

	case "send":
		if p.To == "" {
			return registry.Result{}, fmt.Errorf("email send requires a recipient")
		}
		id, err := a.Outbox.Enqueue(ctx, p.To, p.Subject, p.Body)
		if err != nil {
			return registry.Result{}, fmt.Errorf("enqueue delivery: %w", err)
		}
		out, err := json.Marshal(map[string]any{"outbox_item_id": id})
		if err != nil {
			return registry.Result{}, err
		}
		return registry.Result{Output: out, Detail: fmt.Sprintf("queued as outbox item %d", id)}, nil

	default:
		return registry.Result{}, fmt.Errorf("email agent does not support action %q", t.Action)
	}
}

// ReminderPayload is what the reminder agent accepts.
type ReminderPayload struct {
	Note string `json:"note"`
	When string `json:"when,omitempty"`
}

// ReminderAgent formats a reminder note. It has no side effects and doubles
// as the safe default for exercising the pipeline.
type ReminderAgent struct{}

func (ReminderAgent) Description() string {
	return "records a formatted reminder note (action: create)"
}

func (ReminderAgent) Handle(_ context.Context, t store.Task) (registry.Result, error) {
	if t.Action != "create" {
		return registry.Result{}, fmt.Errorf("reminder agent does not support action %q", t.Action)
	}
	var p ReminderPayload
	if len(t.Payload) > 0 {
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return registry.Result{}, fmt.Errorf("invalid reminder payload: %w", err)
		}
	}
	if strings.TrimSpace(p.Note) == "" {
		return registry.Result{}, fmt.Errorf("reminder requires a note")
	}
	text := "Reminder: " + p.Note
	if p.When != "" {
		text += " (" + p.When + ")"
	}
	out, err := json.Marshal(map[string]string{"reminder": text})
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Output: out, Detail: "reminder recorded"}, nil
}
