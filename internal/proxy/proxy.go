// Package proxy is the public front door: it routes every inbound HTTP
// request either to a diagnostic responder or, session-scoped, through
// to the dev server on loopback, rewriting HTML bodies and tunneling the
// WebSocket HMR channel along the way.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/preview-machine/internal/sessionstore"
)

const sessionPrefix = "/session/"

// sessionLookup is the subset of *sessionstore.Store the router needs.
// A narrow interface keeps the router testable without a real database.
type sessionLookup interface {
	Lookup(id string) (sessionstore.Session, error)
}

// DevServerStatus is a read-only snapshot of the supervised dev server
// the router needs to pick a proxy target and report readiness.
type DevServerStatus struct {
	Port  int
	Ready bool
}

// Router implements the reverse-proxy/session-router contract of
// spec.md §4.5. It is an http.Handler mounted directly on the external
// listener.
type Router struct {
	MachineID string
	EdgeHost  string

	Sessions  sessionLookup
	DevServer func() DevServerStatus

	// HealthHandler and DebugHandler serve /health and /debug/*,
	// /vite-status respectively; both optional.
	HealthHandler http.Handler
	DebugHandler  http.Handler

	upgrader websocket.Upgrader
}

// NewRouter builds a Router. wsReadBuf/wsWriteBuf size the WebSocket
// upgrader's buffers (spec.md ambient config, mirrors the teacher's
// configurable Upgrader buffer sizes).
func NewRouter(machineID, edgeHost string, sessions sessionLookup, devServer func() DevServerStatus, wsReadBuf, wsWriteBuf int) *Router {
	return &Router{
		MachineID: machineID,
		EdgeHost:  edgeHost,
		Sessions:  sessions,
		DevServer: devServer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsReadBuf,
			WriteBufferSize: wsWriteBuf,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case (r.URL.Path == "/health" || r.URL.Path == "/readyz" || r.URL.Path == "/healthz") && rt.HealthHandler != nil:
		rt.HealthHandler.ServeHTTP(w, r)
	case (r.URL.Path == "/vite-status" || strings.HasPrefix(r.URL.Path, "/debug/")) && rt.DebugHandler != nil:
		rt.DebugHandler.ServeHTTP(w, r)
	case strings.HasPrefix(r.URL.Path, sessionPrefix):
		rt.handleSessionRouted(w, r)
	default:
		rt.proxyDirect(w, r, "")
	}
}

// handleSessionRouted implements the session-routing protocol of
// spec.md §4.5: bounded-polling lookup, match/mismatch/not-found, then
// prefix-stripped proxy.
func (rt *Router) handleSessionRouted(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, sessionPrefix)
	sessionID, remainder, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return
	}

	sess, attempts, err := rt.lookupWithBackoff(r.Context(), sessionID)
	switch {
	case err == sessionstore.ErrNotFound:
		writeJSONError(w, http.StatusNotFound, map[string]any{
			"error":     "session not found",
			"sessionId": sessionID,
			"attempts":  attempts,
		})
		return
	case err != nil:
		writeJSONError(w, http.StatusServiceUnavailable, map[string]any{
			"error": "Database connection failed",
		})
		return
	}

	if sess.ContainerID != rt.MachineID {
		w.Header().Set("fly-replay", "instance="+sess.ContainerID)
		writeJSONError(w, http.StatusTemporaryRedirect, map[string]any{
			"targetMachine": sess.ContainerID,
			"sessionId":     sessionID,
		})
		return
	}

	rewritten := r.Clone(r.Context())
	rewritten.URL.Path = "/" + remainder
	if rewritten.URL.Path == "//" {
		rewritten.URL.Path = "/"
	}
	rt.proxyDirect(w, rewritten, sessionID)
}

// lookupWithBackoff polls the session store up to 5 attempts with
// exponential backoff 200ms*2^attempt capped at 1600ms, per spec.md
// §4.5 ("the external allocator may write the binding concurrently with
// the first user request").
func (rt *Router) lookupWithBackoff(ctx context.Context, sessionID string) (sessionstore.Session, int, error) {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sess, err := rt.Sessions.Lookup(sessionID)
		if err == nil {
			return sess, attempt + 1, nil
		}
		if err == sessionstore.ErrNotFound {
			lastErr = err
		} else {
			// A real database error is "unreachable", not "absent" -
			// surface it immediately rather than exhausting the budget.
			return sessionstore.Session{}, attempt + 1, err
		}

		if attempt == maxAttempts-1 {
			break
		}
		delay := time.Duration(200*(1<<uint(attempt))) * time.Millisecond
		if delay > 1600*time.Millisecond {
			delay = 1600 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return sessionstore.Session{}, attempt + 1, ctx.Err()
		case <-time.After(delay):
		}
	}
	return sessionstore.Session{}, maxAttempts, lastErr
}

// proxyDirect proxies a request to the dev server. sessionID is "" for
// unscoped requests (no HTML rewriting, no loading placeholder).
func (rt *Router) proxyDirect(w http.ResponseWriter, r *http.Request, sessionID string) {
	status := rt.DevServer()
	if status.Port == 0 {
		rt.writeUpstreamError(w, r, sessionID, fmt.Errorf("dev server not started"))
		return
	}

	if !status.Ready && sessionID != "" {
		rt.writeLoadingPlaceholder(w, r)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		rt.tunnelWebSocket(w, r, status.Port, sessionID)
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", status.Port)}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		rt.writeUpstreamError(rw, req, sessionID, proxyErr)
	}
	if sessionID != "" {
		rp.ModifyResponse = func(resp *http.Response) error {
			return rewriteHTMLResponse(resp, sessionID, rt.EdgeHost)
		}
	}
	rp.ServeHTTP(w, r)
}

func (rt *Router) writeUpstreamError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	slog.Warn("proxy: upstream call failed", "error", err, "path", r.URL.Path)
	if acceptsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html><body><h1>502 Bad Gateway</h1><p>The development server is not responding.</p></body></html>")
		return
	}
	writeJSONError(w, http.StatusBadGateway, map[string]any{"error": "upstream proxy call failed"})
}

func (rt *Router) writeLoadingPlaceholder(w http.ResponseWriter, r *http.Request) {
	if acceptsHTML(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Refresh", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `<html><head><meta http-equiv="refresh" content="1"></head><body><p>Starting development server&hellip;</p></body></html>`)
		return
	}
	writeJSONError(w, http.StatusServiceUnavailable, map[string]any{"error": "dev server not ready"})
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSONError(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// tunnelWebSocket dials the dev server's WebSocket endpoint and pumps
// frames bidirectionally, unchanged, so the HMR channel works
// end-to-end (spec.md §4.5). Socket errors are logged, never surfaced
// as an outer request failure.
func (rt *Router) tunnelWebSocket(w http.ResponseWriter, r *http.Request, devServerPort int, sessionID string) {
	clientConn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("proxy: websocket upgrade failed", "error", err)
		return
	}
	defer clientConn.Close()

	upstreamPath := r.URL.Path
	if sessionID != "" {
		upstreamPath = strings.TrimPrefix(upstreamPath, sessionPrefix+sessionID)
		if !strings.HasPrefix(upstreamPath, "/") {
			upstreamPath = "/" + upstreamPath
		}
	}
	upstreamURL := url.URL{Scheme: "ws", Host: fmt.Sprintf("127.0.0.1:%d", devServerPort), Path: upstreamPath, RawQuery: r.URL.RawQuery}

	upstreamConn, _, err := websocket.DefaultDialer.Dial(upstreamURL.String(), nil)
	if err != nil {
		slog.Warn("proxy: websocket dial to dev server failed", "error", err, "url", upstreamURL.String())
		return
	}
	defer upstreamConn.Close()

	done := make(chan struct{})
	go pumpFrames(upstreamConn, clientConn, done)
	pumpFrames(clientConn, upstreamConn, done)
	<-done
}

func pumpFrames(src, dst *websocket.Conn, done chan struct{}) {
	defer func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}()
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

var (
	attrURLPattern  = regexp.MustCompile(`(src|href)="(/(?:[^"]*)?)"`)
	jsFromPattern   = regexp.MustCompile(`from\s+'(/[^']*)'`)
	jsImportPattern = regexp.MustCompile(`import\((['"])(/[^'"]*)(['"])\)`)
	wsURLPattern    = regexp.MustCompile(`(wss?://)127\.0\.0\.1(?::\d+)?(/[^"'\s]*)`)
)

// rewriteHTMLResponse buffers a text/html upstream response and
// substitutes root-relative URLs so they include the session prefix,
// per spec.md §4.5. Non-HTML responses pass through untouched.
func rewriteHTMLResponse(resp *http.Response, sessionID, edgeHost string) error {
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "text/html") {
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	resp.Body.Close()

	rewritten := rewriteHTML(string(body), sessionID, edgeHost)

	resp.Body = io.NopCloser(bytes.NewReader([]byte(rewritten)))
	resp.ContentLength = int64(len(rewritten))
	resp.Header.Set("Content-Length", strconv.Itoa(len(rewritten)))
	return nil
}

func rewriteHTML(body, sessionID, edgeHost string) string {
	prefix := sessionPrefix + sessionID

	body = attrURLPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := attrURLPattern.FindStringSubmatch(m)
		attr, path := sub[1], sub[2]
		if strings.HasPrefix(path, "/session/") {
			return m
		}
		return fmt.Sprintf(`%s="%s%s"`, attr, prefix, path)
	})

	body = jsFromPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := jsFromPattern.FindStringSubmatch(m)
		path := sub[1]
		if strings.HasPrefix(path, "/session/") {
			return m
		}
		return fmt.Sprintf("from '%s%s'", prefix, path)
	})

	body = jsImportPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := jsImportPattern.FindStringSubmatch(m)
		quote, path := sub[1], sub[2]
		if strings.HasPrefix(path, "/session/") {
			return m
		}
		return fmt.Sprintf("import(%s%s%s%s)", quote, prefix, path, sub[3])
	})

	body = wsURLPattern.ReplaceAllStringFunc(body, func(m string) string {
		sub := wsURLPattern.FindStringSubmatch(m)
		path := sub[2]
		if strings.HasPrefix(path, "/session/") {
			return fmt.Sprintf("wss://%s%s", edgeHost, path)
		}
		return fmt.Sprintf("wss://%s%s%s", edgeHost, prefix, path)
	})

	return body
}
