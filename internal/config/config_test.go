package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("DISPATCH_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("DISPATCH_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".dispatch")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 4810 || cfg.Outbox.MaxAttempts != 5 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_overridesAndBackfill(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	body := "port: 9000\noutbox:\n  max_attempts: 3\n  base_delay: 1s\n"
	if err := os.WriteFile(Path(home), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("port: got %d", cfg.Port)
	}
	if cfg.Outbox.MaxAttempts != 3 || cfg.Outbox.BaseDelay != time.Second {
		t.Fatalf("outbox policy: %+v", cfg.Outbox)
	}
	// max_delay left unset falls back to the default.
	if cfg.Outbox.MaxDelay != time.Hour {
		t.Fatalf("max_delay backfill: got %v", cfg.Outbox.MaxDelay)
	}
}

func TestLoad_malformed(t *testing.T) {
	t.Parallel()
	home := t.TempDir()
	if err := os.WriteFile(Path(home), []byte("port: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}
