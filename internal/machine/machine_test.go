package machine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/workspace/preview-machine/internal/config"
	"github.com/workspace/preview-machine/internal/health"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PROJECT_ID", "proj-test")
	t.Setenv("OBJECT_STORE_BASE_URL", "https://objects.example.test")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "fake-key")
	t.Setenv("OBJECT_STORE_SECRET_ACCESS_KEY", "fake-secret")
	t.Setenv("SESSION_STORE_PATH", filepath.Join(dir, "sessions.db"))

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestNewStartsInLifecycleStarting(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, filepath.Join(t.TempDir(), "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.store.Close()

	if got := m.Status(); got != health.StatusStarting {
		t.Fatalf("initial status = %s, want %s", got, health.StatusStarting)
	}
}

func TestSetStatusIsIdempotentAndLogsTransitionsOnce(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, filepath.Join(t.TempDir(), "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.store.Close()

	m.setStatus(health.StatusHydrating)
	if got := m.Status(); got != health.StatusHydrating {
		t.Fatalf("status = %s, want %s", got, health.StatusHydrating)
	}

	// Re-applying the same status must not panic or deadlock; it is a no-op.
	m.setStatus(health.StatusHydrating)
	if got := m.Status(); got != health.StatusHydrating {
		t.Fatalf("status after no-op transition = %s, want %s", got, health.StatusHydrating)
	}
}

func TestStopIsIdempotentUnderConcurrentCallers(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, filepath.Join(t.TempDir(), "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { done <- m.Stop(ctx) }()
	}
	for i := 0; i < 3; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent Stop() returned error: %v", err)
		}
	}

	if got := m.Status(); got != health.StatusShuttingDown {
		t.Fatalf("status after Stop = %s, want %s", got, health.StatusShuttingDown)
	}
}

func TestStopWithoutRunTearsDownConstructedComponentsOnly(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, filepath.Join(t.TempDir(), "workspace"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Run was never called, so httpServer, sub, and healthLoop are all
	// nil; Stop must tolerate that and still close the session store.
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.store.Ping(); err == nil {
		t.Fatalf("expected session store to be closed after Stop")
	}
}

func TestWorkspaceRootReportsConstructorValue(t *testing.T) {
	cfg := testConfig(t)
	root := filepath.Join(t.TempDir(), "workspace")
	m, err := New(cfg, root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.store.Close()

	if got := m.WorkspaceRoot(); got != root {
		t.Fatalf("WorkspaceRoot() = %s, want %s", got, root)
	}
}
