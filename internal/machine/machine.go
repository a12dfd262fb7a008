// Package machine wires the workspace hydrator, dev-server supervisor,
// broadcast subscriber, reverse proxy, and health loop together behind
// the lifecycle state machine of spec.md §4.1. It is the single
// top-level object main.go constructs and stops.
package machine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/workspace/preview-machine/internal/broadcast"
	"github.com/workspace/preview-machine/internal/config"
	"github.com/workspace/preview-machine/internal/devserver"
	"github.com/workspace/preview-machine/internal/errorreport"
	"github.com/workspace/preview-machine/internal/health"
	"github.com/workspace/preview-machine/internal/hydrator"
	"github.com/workspace/preview-machine/internal/objectstore"
	"github.com/workspace/preview-machine/internal/proxy"
	"github.com/workspace/preview-machine/internal/sessionstore"
)

// Machine owns every long-lived component for one project's preview
// runtime. All in-process objects are exclusively owned by it, per
// spec.md §3 ("Ownership and lifetime").
type Machine struct {
	cfg       *config.Config
	startedAt time.Time

	workspaceRoot string

	store      *sessionstore.Store
	objects    *objectstore.Client
	devServer  *devserver.Supervisor
	sub        *broadcast.Subscriber
	reporter   *errorreport.Reporter
	healthLoop *health.Loop
	httpServer *http.Server

	mu     sync.RWMutex
	status health.Status

	shutdownOnce sync.Once
	done         chan struct{}
}

// New constructs a Machine from boot configuration. It does not start
// anything; call Run to drive the state machine.
func New(cfg *config.Config, workspaceRoot string) (*Machine, error) {
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	store, err := sessionstore.Open(cfg.SessionStorePath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	cred, scoped := cfg.ObjectStoreCredential()
	if !scoped {
		slog.Info("machine: no scoped object-store credential, falling back to the general key")
	}
	objStore, err := objectstore.New(context.Background(), cfg.ObjectStoreBaseURL, cfg.ObjectStoreRegion, cred.AccessKeyID, cred.SecretAccessKey, cfg.ProjectID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build object store client: %w", err)
	}

	var reporter *errorreport.Reporter
	if cfg.ErrorReportURL != "" {
		reporter = errorreport.New(cfg.ErrorReportURL, cfg.MachineID, "", errorreport.Config{})
		reporter.Start()
	}

	ds := devserver.New(workspaceRoot, cfg.DevServerPreferredPort, cfg.ListenPort, cfg.DevServerMaxRestarts,
		cfg.DevServerReadyInterval, cfg.DevServerReadyWindow, cfg.DevServerInstallTimeout)

	m := &Machine{
		cfg:           cfg,
		startedAt:     time.Now(),
		workspaceRoot: workspaceRoot,
		store:         store,
		objects:       objStore,
		devServer:     ds,
		reporter:      reporter,
		status:        health.StatusStarting,
		done:          make(chan struct{}),
	}
	return m, nil
}

func (m *Machine) setStatus(s health.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == s {
		return
	}
	slog.Info("machine: lifecycle transition", "from", m.status, "to", s)
	m.status = s
}

// Status returns the current lifecycle state, safe for concurrent
// readers (health responder, router).
func (m *Machine) Status() health.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Run drives the state machine to completion: hydrate, install, launch,
// subscribe, serve. It returns once boot fails fatally or ctx is
// canceled; callers should call Stop for graceful shutdown on success.
func (m *Machine) Run(ctx context.Context) error {
	m.setStatus(health.StatusHydrating)
	if err := m.hydrate(ctx); err != nil {
		// Hydration failure does not abort boot (spec.md §4.2). Populate
		// degrades internally to the prefix listing and then to a
		// default workspace; an error here means the workspace root or
		// the default files could not be written.
		slog.Warn("machine: hydration degraded, continuing with fallback workspace", "error", err)
		m.reporter.ReportWarn("hydration degraded, continuing with fallback workspace", "hydrator", m.cfg.ProjectID,
			map[string]interface{}{"error": err.Error()})
	}

	m.setStatus(health.StatusInstalling)
	m.setStatus(health.StatusLaunching)
	port, err := m.devServer.Start(ctx)
	if err != nil {
		m.fatal(fmt.Errorf("dev server start: %w", err))
		return err
	}
	slog.Info("machine: dev server launched", "port", port)

	if m.devServer.WaitForReady(ctx) {
		m.setStatus(health.StatusReady)
	} else {
		m.setStatus(health.StatusDegraded)
		m.reporter.ReportWarn("dev server did not become ready within the readiness window", "devserver", m.cfg.ProjectID, nil)
	}

	if err := m.startBroadcast(ctx); err != nil {
		slog.Warn("machine: broadcast subscription unavailable", "error", err)
	}

	m.healthLoop = health.NewLoop(m.cfg.HealthProbeInterval, m.cfg.DevServerMaxRestarts,
		func() bool { return m.devServer.Probe(ctx) },
		func() (int, bool, error) { return m.devServer.Restart(ctx) },
		func() {
			m.setStatus(health.StatusLaunching)
			m.reporter.ReportWarn("dev server unhealthy, restarting", "healthloop", m.cfg.ProjectID, nil)
		},
		func() {
			m.setStatus(health.StatusReady)
			m.reporter.ReportInfo("dev server recovered after restart", "healthloop", m.cfg.ProjectID, nil)
		},
		func() { m.fatal(fmt.Errorf("self-heal restart budget exhausted")) },
	)
	go m.healthLoop.Run(m.done)

	router := proxy.NewRouter(m.cfg.MachineID, m.cfg.EdgeHost, m.store, func() proxy.DevServerStatus {
		d := m.devServer.Descriptor()
		return proxy.DevServerStatus{Port: d.Port, Ready: m.Status() == health.StatusReady}
	}, m.cfg.WSReadBufferSize, m.cfg.WSWriteBufferSize)

	router.DebugHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"lifecycle": m.Status(),
			"devServer": m.devServer.Descriptor(),
		})
	})

	router.HealthHandler = &health.Responder{
		ProjectID:       m.cfg.ProjectID,
		StartedAt:       m.startedAt,
		LifecycleStatus: func() health.Status { return m.Status() },
		DevServerPort:   func() int { return m.devServer.Descriptor().Port },
		DevServerProbe:  func() bool { h, _, _ := m.healthLoop.Snapshot(); return h },
		Database:        m.store,
		WebSocket: func() health.WebSocketState {
			if m.sub == nil {
				return health.WebSocketState{MaxRetryAttempts: 5}
			}
			status, count := m.sub.Status()
			return health.WebSocketState{Connected: status == broadcast.StatusSubscribed, RetryCount: count, MaxRetryAttempts: 5}
		},
	}

	m.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", m.cfg.ListenHost, m.cfg.ListenPort),
		Handler:      router,
		ReadTimeout:  m.cfg.HTTPReadTimeout,
		WriteTimeout: m.cfg.HTTPWriteTimeout,
		IdleTimeout:  m.cfg.HTTPIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		m.fatal(err)
		return err
	case <-m.done:
		return nil
	}
}

func (m *Machine) hydrate(ctx context.Context) error {
	var archiveKey string
	if m.cfg.SnapshotArchiveURL != "" {
		key, err := objectstore.ParseArchiveURL(m.cfg.SnapshotArchiveURL)
		if err != nil {
			slog.Warn("machine: invalid snapshot archive URL, falling back to prefix listing", "error", err)
		} else {
			archiveKey = key
		}
	}

	h := hydrator.New(m.objects, m.cfg.ProjectID, archiveKey, m.cfg.SnapshotMaxBodySize)
	return h.Populate(ctx, m.workspaceRoot)
}

func (m *Machine) startBroadcast(ctx context.Context) error {
	sub, err := broadcast.New(broadcast.Config{
		URL:           m.cfg.BroadcastURL,
		AuthToken:     m.cfg.BroadcastAuthToken(),
		MaxReconnects: 5,
		ReconnectWait: time.Second,
	}, m.workspaceRoot, m.cfg.BroadcastChannel, m.cfg.MachineID)
	if err != nil {
		return err
	}
	m.sub = sub

	go func() {
		if err := sub.Run(ctx); err != nil {
			slog.Error("machine: broadcast subscriber exited", "error", err)
			m.setStatus(health.StatusError)
		}
	}()
	return nil
}

func (m *Machine) fatal(err error) {
	slog.Error("machine: fatal error", "error", err)
	m.setStatus(health.StatusError)
	if m.reporter != nil {
		m.reporter.ReportError(err, "lifecycle", m.cfg.ProjectID, nil)
	}
}

// Stop initiates graceful shutdown: lifecycle -> shutting_down, stop
// accepting new connections, drain in-flight work briefly, then tear
// down the dev server and broadcast subscriber.
func (m *Machine) Stop(ctx context.Context) error {
	var stopErr error
	m.shutdownOnce.Do(func() {
		m.setStatus(health.StatusShuttingDown)
		close(m.done)

		if m.httpServer != nil {
			if err := m.httpServer.Shutdown(ctx); err != nil {
				stopErr = err
			}
		}
		if m.sub != nil {
			if err := m.sub.Close(); err != nil {
				slog.Warn("machine: error closing broadcast subscriber", "error", err)
			}
		}
		if err := m.devServer.Stop(2 * time.Second); err != nil {
			slog.Warn("machine: error stopping dev server", "error", err)
		}
		if m.reporter != nil {
			m.reporter.Shutdown()
		}
		if err := m.store.Close(); err != nil {
			slog.Warn("machine: error closing session store", "error", err)
		}
	})
	return stopErr
}

// WorkspaceRoot reports the directory this machine hydrated into, for
// diagnostics.
func (m *Machine) WorkspaceRoot() string {
	return m.workspaceRoot
}
