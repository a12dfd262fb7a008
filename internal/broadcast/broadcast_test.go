package broadcast

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (f *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, messages...)
	return nil
}

func newTestSubscriber(t *testing.T, root string) (*Subscriber, *fakePublisher) {
	t.Helper()
	pub := &fakePublisher{}
	return &Subscriber{
		workspaceRoot: root,
		channel:       "realtime:project:test",
		machineID:     "machine-1",
		pub:           pub,
		locks:         make(map[string]*sync.Mutex),
	}, pub
}

func TestSafeJoinRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	if _, err := safeJoin(root, "../evil"); err == nil {
		t.Fatal("expected traversal path to be rejected")
	}
}

func TestApplyFileUpdateWritesFile(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestSubscriber(t, root)

	err := s.applyUpdate(context.Background(), FileUpdate{FilePath: "src/x.js", Content: "export const x=1"})
	if err != nil {
		t.Fatalf("applyUpdate: %v", err)
	}

	got, readErr := os.ReadFile(filepath.Join(root, "src/x.js"))
	if readErr != nil {
		t.Fatalf("read written file: %v", readErr)
	}
	if string(got) != "export const x=1" {
		t.Fatalf("content = %q, want %q", got, "export const x=1")
	}
}

func TestApplyFileDeleteIsNoOpWhenMissing(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestSubscriber(t, root)

	if err := s.applyDelete(context.Background(), FileDelete{FilePath: "does-not-exist.js"}); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}
}

func TestApplyFileDeleteRemovesExisting(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestSubscriber(t, root)
	path := filepath.Join(root, "b.js")
	if err := os.WriteFile(path, []byte("B"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := s.applyDelete(context.Background(), FileDelete{FilePath: "b.js"}); err != nil {
		t.Fatalf("applyDelete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected file to be removed")
	}
}

func TestApplyBulkPartialFailure(t *testing.T) {
	root := t.TempDir()
	s, pub := newTestSubscriber(t, root)

	result := s.applyBulk(context.Background(), BulkUpdate{
		Files: []BulkEntry{
			{Action: "update", FilePath: "a.js", Content: "A"},
			{Action: "update", FilePath: "../evil", Content: "E"},
			{Action: "delete", FilePath: "b.js"},
		},
	})

	if result.Success != 2 || result.Error != 1 {
		t.Fatalf("result = %+v, want {Success:2 Error:1}", result)
	}

	got, err := os.ReadFile(filepath.Join(root, "a.js"))
	if err != nil || string(got) != "A" {
		t.Fatalf("a.js content = %q, err=%v", got, err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.msgs) != 1 {
		t.Fatalf("expected 1 file:error published, got %d", len(pub.msgs))
	}
}

func TestApplyDispatchesByEnvelopeType(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestSubscriber(t, root)

	err := s.apply(context.Background(), []byte(`{"type":"file:update","payload":{"filePath":"x.js","content":"X"}}`))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, readErr := os.ReadFile(filepath.Join(root, "x.js"))
	if readErr != nil || string(got) != "X" {
		t.Fatalf("x.js content = %q, err=%v", got, readErr)
	}
}

func TestApplyRejectsUnknownEventType(t *testing.T) {
	root := t.TempDir()
	s, _ := newTestSubscriber(t, root)

	if err := s.apply(context.Background(), []byte(`{"type":"file:unknown","payload":{}}`)); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestIsRebuildHint(t *testing.T) {
	cases := map[string]bool{
		"package.json":        true,
		"src/package.json":    true,
		"vite.config.ts":      true,
		".env":                true,
		"src/components/a.js": false,
	}
	for path, want := range cases {
		if got := isRebuildHint(path); got != want {
			t.Errorf("isRebuildHint(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestRecordFailureCapAtFive(t *testing.T) {
	s := &Subscriber{locks: make(map[string]*sync.Mutex)}
	for i := 0; i < 4; i++ {
		if s.recordFailure() {
			t.Fatalf("unexpected exhaustion at attempt %d", i+1)
		}
	}
	if !s.recordFailure() {
		t.Fatal("expected exhaustion at the 5th consecutive failure")
	}
}

func TestResetReconnectClearsCounter(t *testing.T) {
	s := &Subscriber{locks: make(map[string]*sync.Mutex)}
	s.recordFailure()
	s.recordFailure()
	s.resetReconnect()
	_, count := s.Status()
	if count != 0 {
		t.Fatalf("reconnect count = %d, want 0 after reset", count)
	}
}
