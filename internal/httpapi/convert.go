package httpapi

import (
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/pkg/models"
)

func toModelTask(t store.Task) models.Task {
	return models.Task{
		TaskID:          t.TaskID,
		Supervisor:      t.Supervisor,
		Agent:           t.Agent,
		Action:          t.Action,
		Payload:         t.Payload,
		SafetyLevel:     t.SafetyLevel,
		RequireApproval: t.RequireApproval,
		Approved:        t.Approved,
		RejectReason:    t.RejectReason,
		Status:          t.Status,
		Result:          t.Result,
		Error:           t.Error,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
}

func toModelTasks(ts []store.Task) []models.Task {
	out := make([]models.Task, 0, len(ts))
	for _, t := range ts {
		out = append(out, toModelTask(t))
	}
	return out
}

func toModelEvent(ev store.AuditEvent) models.AuditEvent {
	return models.AuditEvent{
		EventID:   ev.EventID,
		TaskID:    ev.TaskID,
		Agent:     ev.Agent,
		Action:    ev.Action,
		EventType: ev.EventType,
		Detail:    ev.Detail,
		CreatedAt: ev.CreatedAt,
	}
}

func toModelEvents(evs []store.AuditEvent) []models.AuditEvent {
	out := make([]models.AuditEvent, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toModelEvent(ev))
	}
	return out
}

func toModelOutboxItem(item store.OutboxItem) models.OutboxItem {
	return models.OutboxItem{
		ItemID:        item.ItemID,
		To:            item.To,
		Subject:       item.Subject,
		Body:          item.Body,
		Attempts:      item.Attempts,
		NextAttemptAt: item.NextAttemptAt,
		Sent:          item.Sent,
		Failed:        item.Failed,
		Error:         item.Error,
		CreatedAt:     item.CreatedAt,
		UpdatedAt:     item.UpdatedAt,
	}
}

func toModelOutboxItems(items []store.OutboxItem) []models.OutboxItem {
	out := make([]models.OutboxItem, 0, len(items))
	for _, item := range items {
		out = append(out, toModelOutboxItem(item))
	}
	return out
}
