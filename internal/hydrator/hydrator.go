// Package hydrator populates a workspace root from a remote snapshot
// archive or, failing that, from an object-store prefix listing, falling
// back to a minimal default workspace so the dev server always has
// something to serve.
package hydrator

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/workspace/preview-machine/internal/objectstore"
	"github.com/workspace/preview-machine/internal/retry"
)

const (
	objectPrefixFormat = "project-files/%s/"
	listLimit          = 1000
)

// Hydrator fetches project sources into a workspace root.
type Hydrator struct {
	store       *objectstore.Client
	projectID   string
	archiveKey  string // empty when no snapshot archive is configured
	maxBodySize int64
}

// New builds a Hydrator. archiveKey is the bucket-relative key derived
// from the configured snapshot archive URL, or empty when none was set.
func New(store *objectstore.Client, projectID, archiveKey string, maxBodySize int64) *Hydrator {
	return &Hydrator{store: store, projectID: projectID, archiveKey: archiveKey, maxBodySize: maxBodySize}
}

// Populate guarantees that on return workspaceRoot exists and contains at
// least a project manifest, per spec.md §4.2. Every step is best-effort:
// failures are logged and the algorithm degrades to the next step rather
// than aborting boot.
func (h *Hydrator) Populate(ctx context.Context, workspaceRoot string) error {
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	if h.archiveKey != "" {
		if err := h.hydrateFromArchive(ctx, workspaceRoot); err != nil {
			slog.Warn("hydrator: archive hydration failed, falling back to prefix listing", "error", err)
		} else if hasManifest(workspaceRoot) {
			return nil
		}
	}

	if h.store != nil {
		if err := h.hydrateFromPrefix(ctx, workspaceRoot); err != nil {
			slog.Warn("hydrator: prefix listing hydration failed, falling back to default workspace", "error", err)
		} else if hasManifest(workspaceRoot) {
			return nil
		}
	}

	return writeDefaultWorkspace(workspaceRoot)
}

func (h *Hydrator) hydrateFromArchive(ctx context.Context, workspaceRoot string) error {
	cfg := retry.Config{
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxElapsed:   5 * time.Minute,
		MaxAttempts:  5,
	}

	tmp, err := os.CreateTemp("", "snapshot-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create temp archive file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	err = retry.Do(ctx, cfg, "hydrate-archive", func(attemptCtx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(attemptCtx, 30*time.Second)
		defer cancel()
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return retry.Permanent(fmt.Errorf("seek temp file: %w", err))
		}
		if err := tmp.Truncate(0); err != nil {
			return retry.Permanent(fmt.Errorf("truncate temp file: %w", err))
		}
		_, ferr := h.store.FetchArchive(attemptCtx, h.archiveKey, tmp, h.maxBodySize)
		return ferr
	})
	if err != nil {
		return fmt.Errorf("fetch archive after retries: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek downloaded archive: %w", err)
	}
	return extractTarGz(tmp, workspaceRoot)
}

// extractTarGz extracts every non-directory entry of a gzip-compressed
// tar stream into workspaceRoot, rejecting any entry whose normalized
// path escapes the root.
func extractTarGz(r io.Reader, workspaceRoot string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		dest, err := safeJoin(workspaceRoot, hdr.Name)
		if err != nil {
			slog.Warn("hydrator: rejected path-traversal archive entry", "entry", hdr.Name, "error", err)
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent dirs for %s: %w", dest, err)
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("create %s: %w", dest, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("write %s: %w", dest, err)
		}
		out.Close()
	}
}

// safeJoin joins root and entry, rejecting any entry whose normalized
// path escapes root (spec.md §4.2, §3).
func safeJoin(root, entry string) (string, error) {
	joined := filepath.Join(root, entry)
	if joined != root && !strings.HasPrefix(joined, root+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes workspace root", entry)
	}
	return joined, nil
}

func (h *Hydrator) hydrateFromPrefix(ctx context.Context, workspaceRoot string) error {
	prefix := fmt.Sprintf(objectPrefixFormat, h.projectID)
	objects, err := h.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list prefix %q: %w", prefix, err)
	}

	count := 0
	for _, obj := range objects {
		if count >= listLimit {
			break
		}
		if strings.HasSuffix(obj.Key, "/") || obj.Size == 0 {
			continue // placeholder marker
		}
		relPath := strings.TrimPrefix(obj.Key, prefix)
		if relPath == "" {
			continue
		}

		dest, joinErr := safeJoin(workspaceRoot, relPath)
		if joinErr != nil {
			slog.Warn("hydrator: rejected path-traversal object key", "key", obj.Key, "error", joinErr)
			continue
		}

		if err := h.fetchOne(ctx, obj.Key, dest); err != nil {
			slog.Warn("hydrator: failed to fetch object, continuing", "key", obj.Key, "error", err)
			continue
		}
		count++
	}
	return nil
}

func (h *Hydrator) fetchOne(ctx context.Context, key, dest string) error {
	body, err := h.store.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", dest, err)
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, body); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return nil
}

func hasManifest(workspaceRoot string) bool {
	_, err := os.Stat(filepath.Join(workspaceRoot, "package.json"))
	return err == nil
}

const defaultManifest = `{
  "name": "preview-workspace",
  "private": true,
  "scripts": {
    "dev": "vite"
  },
  "devDependencies": {
    "vite": "^5.0.0"
  }
}
`

const defaultIndexHTML = `<!doctype html>
<html>
  <head><meta charset="utf-8" /><title>Preview</title></head>
  <body>
    <div id="app"></div>
    <script type="module" src="/src/main.js"></script>
  </body>
</html>
`

const defaultMainJS = `document.querySelector('#app').innerHTML = '<h1>Preview workspace</h1>'
`

// writeDefaultWorkspace emits a minimal manifest, entry document, and
// source module sufficient for the dev server to start (spec.md §4.2
// step 3), used when neither the archive nor the prefix listing yielded
// any usable files.
func writeDefaultWorkspace(workspaceRoot string) error {
	files := map[string]string{
		"package.json": defaultManifest,
		"index.html":   defaultIndexHTML,
		"src/main.js":  defaultMainJS,
	}
	for rel, content := range files {
		dest := filepath.Join(workspaceRoot, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create parent dirs for %s: %w", dest, err)
		}
		if err := os.WriteFile(dest, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write default %s: %w", dest, err)
		}
	}
	slog.Info("hydrator: emitted minimal default workspace", "root", workspaceRoot)
	return nil
}
