// Package broadcast subscribes to the project's realtime channel and
// applies file:update/file:delete/file:bulk-update events to the local
// workspace filesystem, idempotently and with per-path ordering.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// Status mirrors the subscription lifecycle of spec.md §4.4.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusSubscribed Status = "subscribed"
	StatusErrored    Status = "errored"
	StatusClosed     Status = "closed"
)

const maxReconnectAttempts = 5

// rebuildHintPaths are paths which, when mutated, deserve a log-level
// rebuild notice. Advisory only — the dev server's own watcher drives
// actual rebuilds.
var rebuildHintPaths = []string{
	"package.json", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"vite.config.js", "vite.config.ts", "tsconfig.json", ".env",
}

// FileUpdate is the payload of a file:update event.
type FileUpdate struct {
	FilePath  string `json:"filePath"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// FileDelete is the payload of a file:delete event.
type FileDelete struct {
	FilePath  string `json:"filePath"`
	Timestamp string `json:"timestamp"`
}

// BulkEntry is one entry of a file:bulk-update payload.
type BulkEntry struct {
	Action   string `json:"action"` // "update" | "delete"
	FilePath string `json:"filePath"`
	Content  string `json:"content,omitempty"`
}

// BulkUpdate is the payload of a file:bulk-update event.
type BulkUpdate struct {
	Files     []BulkEntry `json:"files"`
	Timestamp string      `json:"timestamp"`
}

// FileError is published back on the channel when a per-file apply fails.
type FileError struct {
	FilePath  string `json:"filePath"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
	MachineID string `json:"machineId"`
}

// envelope is the wire shape every event arrives in: a type tag plus the
// raw payload, dispatched by Subscriber.apply.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Publisher is the narrow surface the subscriber needs to emit file:error
// feedback events; satisfied by *watermill/message.Publisher.
type Publisher interface {
	Publish(topic string, messages ...*message.Message) error
}

// Subscriber owns the durable NATS JetStream subscription for one
// project's realtime channel and serializes filesystem applies per path.
type Subscriber struct {
	workspaceRoot string
	channel       string
	machineID     string
	url           string
	authToken     string

	sub message.Subscriber
	pub Publisher

	mu             sync.Mutex
	status         Status
	reconnectCount int

	pathMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Config configures the NATS transport underneath the subscriber.
type Config struct {
	URL              string
	AuthToken        string
	MaxReconnects    int
	ReconnectWait    time.Duration
	AckWaitTimeout   time.Duration
	CloseTimeout     time.Duration
	SubscribersCount int
}

// New builds a Subscriber bound to channel for the given workspace root.
func New(cfg Config, workspaceRoot, channel, machineID string) (*Subscriber, error) {
	logger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
	}
	if cfg.AuthToken != "" {
		natsOpts = append(natsOpts, natsgo.Token(cfg.AuthToken))
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: "machine",
		SubscribersCount: maxOrDefault(cfg.SubscribersCount, 1),
		AckWaitTimeout:   maxDurationOrDefault(cfg.AckWaitTimeout, 30*time.Second),
		CloseTimeout:     maxDurationOrDefault(cfg.CloseTimeout, 5*time.Second),
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    true,
			AckAsync:         false,
			SubscribeOptions: []natsgo.SubOpt{natsgo.DeliverNew()},
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	pubConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
	}
	pub, err := wmNats.NewPublisher(pubConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &Subscriber{
		workspaceRoot: workspaceRoot,
		channel:       channel,
		machineID:     machineID,
		url:           cfg.URL,
		authToken:     cfg.AuthToken,
		sub:           sub,
		pub:           pub,
		status:        StatusIdle,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

func maxOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func maxDurationOrDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// Status returns the subscriber's current lifecycle status and
// consecutive reconnect attempt count.
func (s *Subscriber) Status() (Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.reconnectCount
}

// Run subscribes and processes events until ctx is cancelled or the
// reconnect budget (5 consecutive failures, spec.md §4.4) is exhausted,
// in which case it returns an error so the caller can transition
// lifecycle to error.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		s.setStatus(StatusConnecting)

		messages, err := s.sub.Subscribe(ctx, s.channel)
		if err != nil {
			if s.recordFailure() {
				return fmt.Errorf("broadcast: reconnect attempts exhausted: %w", err)
			}
			if !s.backoff(ctx) {
				return ctx.Err()
			}
			continue
		}

		s.setStatus(StatusSubscribed)
		s.resetReconnect()

		closed := s.drain(ctx, messages)
		if ctx.Err() != nil {
			s.setStatus(StatusClosed)
			return ctx.Err()
		}
		if closed {
			s.setStatus(StatusClosed)
		} else {
			s.setStatus(StatusErrored)
		}

		if s.recordFailure() {
			return fmt.Errorf("broadcast: reconnect attempts exhausted after transport failure")
		}
		if !s.backoff(ctx) {
			return ctx.Err()
		}
	}
}

// drain processes messages until the channel closes (peer-initiated close
// or transport failure) or ctx is cancelled. Returns true if the channel
// closed cleanly.
func (s *Subscriber) drain(ctx context.Context, messages <-chan *message.Message) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-messages:
			if !ok {
				return true
			}
			if err := s.apply(ctx, msg.Payload); err != nil {
				slog.Error("broadcast: apply failed", "error", err)
			}
			msg.Ack()
		}
	}
}

func (s *Subscriber) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// recordFailure increments the reconnect counter and reports whether the
// cap (5 consecutive failures) has been reached.
func (s *Subscriber) recordFailure() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectCount++
	return s.reconnectCount >= maxReconnectAttempts
}

func (s *Subscriber) resetReconnect() {
	s.mu.Lock()
	s.reconnectCount = 0
	s.mu.Unlock()
}

func (s *Subscriber) backoff(ctx context.Context) bool {
	s.mu.Lock()
	attempt := s.reconnectCount
	s.mu.Unlock()

	delayMs := 1000 * (1 << attempt)
	if delayMs > 30000 {
		delayMs = 30000
	}
	timer := time.NewTimer(time.Duration(delayMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// apply dispatches a single wire event to its handler, serializing per
// affected path so that events for the same path apply in arrival order
// while events for different paths may interleave freely.
func (s *Subscriber) apply(ctx context.Context, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case "file:update":
		var ev FileUpdate
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal file:update: %w", err)
		}
		return s.withPathLock(ev.FilePath, func() error {
			return s.applyUpdate(ctx, ev)
		})
	case "file:delete":
		var ev FileDelete
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal file:delete: %w", err)
		}
		return s.withPathLock(ev.FilePath, func() error {
			return s.applyDelete(ctx, ev)
		})
	case "file:bulk-update":
		var ev BulkUpdate
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return fmt.Errorf("unmarshal file:bulk-update: %w", err)
		}
		result := s.applyBulk(ctx, ev)
		slog.Info("broadcast: applied file:bulk-update", "success", result.Success, "error", result.Error)
		return nil
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
}

func (s *Subscriber) withPathLock(filePath string, fn func() error) error {
	lock := s.lockFor(filePath)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (s *Subscriber) lockFor(filePath string) *sync.Mutex {
	s.pathMu.Lock()
	defer s.pathMu.Unlock()
	l, ok := s.locks[filePath]
	if !ok {
		l = &sync.Mutex{}
		s.locks[filePath] = l
	}
	return l
}

func (s *Subscriber) applyUpdate(ctx context.Context, ev FileUpdate) error {
	dest, err := safeJoin(s.workspaceRoot, ev.FilePath)
	if err != nil {
		s.reportError(ev.FilePath, err)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		wrapped := fmt.Errorf("create parent dirs: %w", err)
		s.reportError(ev.FilePath, wrapped)
		return wrapped
	}
	if err := os.WriteFile(dest, []byte(ev.Content), 0o644); err != nil {
		wrapped := fmt.Errorf("write file: %w", err)
		s.reportError(ev.FilePath, wrapped)
		return wrapped
	}

	if isRebuildHint(ev.FilePath) {
		slog.Info("broadcast: rebuild-hint path mutated", "path", ev.FilePath)
	}
	return nil
}

func (s *Subscriber) applyDelete(ctx context.Context, ev FileDelete) error {
	dest, err := safeJoin(s.workspaceRoot, ev.FilePath)
	if err != nil {
		s.reportError(ev.FilePath, err)
		return err
	}

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		wrapped := fmt.Errorf("delete file: %w", err)
		s.reportError(ev.FilePath, wrapped)
		return wrapped
	}
	return nil
}

// BulkResult reports aggregate per-file outcome counts for a
// file:bulk-update application, per spec.md §8 scenario 5.
type BulkResult struct {
	Success int
	Error   int
}

func (s *Subscriber) applyBulk(ctx context.Context, ev BulkUpdate) BulkResult {
	var result BulkResult
	for _, entry := range ev.Files {
		var err error
		switch entry.Action {
		case "update":
			err = s.withPathLock(entry.FilePath, func() error {
				return s.applyUpdate(ctx, FileUpdate{FilePath: entry.FilePath, Content: entry.Content, Timestamp: ev.Timestamp})
			})
		case "delete":
			err = s.withPathLock(entry.FilePath, func() error {
				return s.applyDelete(ctx, FileDelete{FilePath: entry.FilePath, Timestamp: ev.Timestamp})
			})
		default:
			err = fmt.Errorf("unknown bulk action %q", entry.Action)
			s.reportError(entry.FilePath, err)
		}
		if err != nil {
			result.Error++
		} else {
			result.Success++
		}
	}
	return result
}

// reportError publishes a file:error feedback event back on the channel.
func (s *Subscriber) reportError(filePath string, cause error) {
	slog.Error("broadcast: apply failed", "path", filePath, "error", cause)
	if s.pub == nil {
		return
	}

	payload, err := json.Marshal(envelope{
		Type: "file:error",
		Payload: mustMarshal(FileError{
			FilePath:  filePath,
			Error:     cause.Error(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			MachineID: s.machineID,
		}),
	})
	if err != nil {
		slog.Error("broadcast: failed to marshal file:error event", "error", err)
		return
	}

	if err := s.pub.Publish(s.channel, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		slog.Error("broadcast: failed to publish file:error event", "error", err)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// safeJoin joins root and a workspace-relative path, rejecting any entry
// whose normalized path escapes root (spec.md §4.4 path safety).
func safeJoin(root, entry string) (string, error) {
	joined := filepath.Join(root, entry)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root", entry)
	}
	return joined, nil
}

func isRebuildHint(filePath string) bool {
	base := filepath.Base(filePath)
	for _, hint := range rebuildHintPaths {
		if base == hint {
			return true
		}
	}
	return false
}

// Close shuts down the underlying subscriber transport.
func (s *Subscriber) Close() error {
	return s.sub.Close()
}
