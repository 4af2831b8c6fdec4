package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/milla-ai/dispatch/internal/store"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	ctx := context.Background()

	created, err := st.AddTask(ctx, store.Task{TaskID: "pg-smoke-1", Agent: "EmailAgent", Action: "draft"})
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if created.Status != "pending" {
		t.Fatalf("AddTask status: %s", created.Status)
	}
	got, err := st.GetTask(ctx, "pg-smoke-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Agent != "EmailAgent" {
		t.Fatalf("GetTask: %+v", got)
	}
}
