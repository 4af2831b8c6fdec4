package cli

import (
	"os"

	"github.com/milla-ai/dispatch/internal/agents"
	"github.com/milla-ai/dispatch/internal/audit"
	"github.com/milla-ai/dispatch/internal/config"
	"github.com/milla-ai/dispatch/internal/outbox"
	"github.com/milla-ai/dispatch/internal/registry"
	"github.com/milla-ai/dispatch/internal/store"
	"github.com/milla-ai/dispatch/internal/worker"
)

// core is the locally-assembled orchestration stack used by CLI commands
// that operate on the store directly (without a running daemon).
type core struct {
	Store  store.Store
	Worker *worker.Worker
	Outbox *outbox.Worker
}

func (c *core) Close() error { return c.Store.Close() }

func openCore(home string) (*core, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(home)
	if err != nil {
		return nil, err
	}

	url := cfg.WebhookURL
	if url == "" {
		url = os.Getenv("DISPATCH_WEBHOOK_URL")
	}
	var sender outbox.Sender = outbox.LogSender{}
	if url != "" {
		sender = outbox.WebhookSender{URL: url}
	}
	ob := outbox.NewWorker(st, sender, outbox.Policy{
		BaseDelay:   cfg.Outbox.BaseDelay,
		MaxDelay:    cfg.Outbox.MaxDelay,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	reg := registry.New()
	agents.Register(reg, ob)

	return &core{
		Store:  st,
		Worker: worker.New(st, reg, audit.New(st)),
		Outbox: ob,
	}, nil
}
