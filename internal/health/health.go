// Package health runs the periodic dev-server probe/self-heal loop and
// serves the machine's /health endpoint.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Status mirrors the lifecycle state exposed at §6/§7 of the
// specification. The coordinator is the sole writer.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusHydrating    Status = "hydrating"
	StatusInstalling   Status = "installing"
	StatusLaunching    Status = "launching"
	StatusReady        Status = "ready"
	StatusDegraded     Status = "degraded"
	StatusError        Status = "error"
	StatusShuttingDown Status = "shutting_down"
)

// Pinger is a cheap store-reachability check, used for checks.database.
type Pinger interface {
	Ping() error
}

// WebSocketState reports the broadcast subscriber's connection state
// for the health body's websocket.* fields.
type WebSocketState struct {
	Connected        bool
	RetryCount       int
	MaxRetryAttempts int
}

// Loop owns the 30s probe/restart/lifecycle-transition cycle of
// spec.md §4.6. It is independent of the HTTP responder below; the
// coordinator wires both to the same shared state.
type Loop struct {
	interval    time.Duration
	maxRestarts int

	probe        func() bool
	restart      func() (attempts int, exhausted bool, err error)
	onRestarting func()
	onHealthy    func()
	onError      func()

	mu              sync.Mutex
	ticked          bool
	isHealthy       bool
	lastChecked     time.Time
	restartAttempts int
}

// NewLoop builds a self-heal Loop. probe and restart are bound to the
// running dev-server supervisor. onRestarting fires right before a
// restart attempt is issued (lifecycle -> launching); onHealthy fires the
// first time a probe succeeds after the dev server was unhealthy
// (lifecycle -> ready, spec.md §8 scenario 6); onError fires once the
// restart budget is exhausted while still unhealthy (lifecycle -> error).
func NewLoop(interval time.Duration, maxRestarts int, probe func() bool, restart func() (int, bool, error), onRestarting, onHealthy, onError func()) *Loop {
	return &Loop{
		interval:     interval,
		maxRestarts:  maxRestarts,
		probe:        probe,
		restart:      restart,
		onRestarting: onRestarting,
		onHealthy:    onHealthy,
		onError:      onError,
	}
}

// Run blocks, ticking every interval until done is closed. done is a
// plain channel; the coordinator closes it from Stop.
func (l *Loop) Run(done <-chan struct{}) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Loop) tick() {
	healthy := l.probe()

	l.mu.Lock()
	wasHealthy := l.isHealthy
	isRecovery := l.ticked && !wasHealthy
	l.ticked = true
	l.isHealthy = healthy
	l.lastChecked = time.Now()
	if healthy {
		l.restartAttempts = 0
	}
	attempts := l.restartAttempts
	l.mu.Unlock()

	if healthy {
		if isRecovery && l.onHealthy != nil {
			slog.Info("health: dev server recovered, transitioning to ready")
			l.onHealthy()
		}
		return
	}

	if attempts >= l.maxRestarts {
		slog.Error("health: restart budget exhausted, transitioning to error")
		if l.onError != nil {
			l.onError()
		}
		return
	}

	if l.onRestarting != nil {
		l.onRestarting()
	}

	newAttempts, exhausted, err := l.restart()
	l.mu.Lock()
	l.restartAttempts = newAttempts
	l.mu.Unlock()

	if err != nil {
		slog.Warn("health: dev-server restart attempt failed", "error", err, "attempt", newAttempts)
	}
	if exhausted {
		slog.Error("health: restart budget exhausted after attempt", "attempt", newAttempts)
		if l.onError != nil {
			l.onError()
		}
	}
}

// Snapshot returns the current {isHealthy, lastChecked, restartAttempts}
// triple for the health responder.
func (l *Loop) Snapshot() (isHealthy bool, lastChecked time.Time, restartAttempts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHealthy, l.lastChecked, l.restartAttempts
}

// Body is the JSON shape returned by the /health responder, per
// spec.md §4.6.
type Body struct {
	Status        string `json:"status"`
	ProjectID     string `json:"projectId"`
	DevServerPort int    `json:"devServerPort"`
	Uptime        string `json:"uptime"`
	Checks        struct {
		DevServer bool `json:"devServer"`
		Database  bool `json:"database"`
	} `json:"checks"`
	WebSocket struct {
		Connected        bool `json:"connected"`
		RetryCount       int  `json:"retryCount"`
		MaxRetryAttempts int  `json:"maxRetryAttempts"`
	} `json:"websocket"`
}

// Responder serves GET /health with the status mapping of spec.md §7:
// ready -> 200; starting|degraded|shutting_down|unknown -> 503; error -> 500.
type Responder struct {
	ProjectID string
	StartedAt time.Time

	LifecycleStatus func() Status
	DevServerPort   func() int
	DevServerProbe  func() bool
	Database        Pinger
	WebSocket       func() WebSocketState
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	status := r.LifecycleStatus()

	body := Body{
		Status:        string(status),
		ProjectID:     r.ProjectID,
		DevServerPort: r.DevServerPort(),
		Uptime:        time.Since(r.StartedAt).String(),
	}
	body.Checks.DevServer = r.DevServerProbe()
	body.Checks.Database = r.Database == nil || r.Database.Ping() == nil

	if r.WebSocket != nil {
		ws := r.WebSocket()
		body.WebSocket.Connected = ws.Connected
		body.WebSocket.RetryCount = ws.RetryCount
		body.WebSocket.MaxRetryAttempts = ws.MaxRetryAttempts
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatusFor(status))
	_ = json.NewEncoder(w).Encode(body)
}

func httpStatusFor(status Status) int {
	switch status {
	case StatusReady:
		return http.StatusOK
	case StatusError:
		return http.StatusInternalServerError
	case StatusStarting, StatusDegraded, StatusShuttingDown, StatusHydrating, StatusInstalling, StatusLaunching:
		return http.StatusServiceUnavailable
	default:
		return http.StatusServiceUnavailable
	}
}
