package config

import (
	"encoding/base64"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROJECT_ID", "proj-123")
	t.Setenv("OBJECT_STORE_BASE_URL", "https://storage.example.com")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "ak")
	t.Setenv("OBJECT_STORE_SECRET_ACCESS_KEY", "sk")
}

func TestLoadMissingProjectID(t *testing.T) {
	t.Setenv("PROJECT_ID", "")
	t.Setenv("OBJECT_STORE_BASE_URL", "https://storage.example.com")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "ak")
	t.Setenv("OBJECT_STORE_SECRET_ACCESS_KEY", "sk")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when PROJECT_ID is missing")
	}
}

func TestLoadMissingObjectStoreBaseURL(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj-123")
	t.Setenv("OBJECT_STORE_BASE_URL", "")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "ak")
	t.Setenv("OBJECT_STORE_SECRET_ACCESS_KEY", "sk")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when OBJECT_STORE_BASE_URL is missing")
	}
}

func TestLoadMissingCredential(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj-123")
	t.Setenv("OBJECT_STORE_BASE_URL", "https://storage.example.com")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "")
	t.Setenv("OBJECT_STORE_SECRET_ACCESS_KEY", "")
	t.Setenv("OBJECT_STORE_SCOPED_ACCESS_KEY_ID", "")
	t.Setenv("OBJECT_STORE_SCOPED_SECRET_ACCESS_KEY", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when no object-store credential is present")
	}
}

func TestLoadScopedCredentialSatisfiesRequirement(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj-123")
	t.Setenv("OBJECT_STORE_BASE_URL", "https://storage.example.com")
	t.Setenv("OBJECT_STORE_SCOPED_ACCESS_KEY_ID", "scoped-ak")
	t.Setenv("OBJECT_STORE_SCOPED_SECRET_ACCESS_KEY", "scoped-sk")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cred, scoped := cfg.ObjectStoreCredential()
	if !scoped {
		t.Fatal("expected scoped credential to be preferred")
	}
	if cred.AccessKeyID != "scoped-ak" {
		t.Fatalf("AccessKeyID=%q, want scoped-ak", cred.AccessKeyID)
	}
}

func TestLoadGeneralCredentialFallback(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	cred, scoped := cfg.ObjectStoreCredential()
	if scoped {
		t.Fatal("expected general credential fallback, not scoped")
	}
	if cred.AccessKeyID != "ak" {
		t.Fatalf("AccessKeyID=%q, want ak", cred.AccessKeyID)
	}
}

func TestLoadDerivesBroadcastChannel(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BroadcastChannel != "realtime:project:proj-123" {
		t.Fatalf("BroadcastChannel=%q, want realtime:project:proj-123", cfg.BroadcastChannel)
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenPort != 8080 {
		t.Fatalf("ListenPort=%d, want 8080", cfg.ListenPort)
	}
	if cfg.Environment != "development" {
		t.Fatalf("Environment=%q, want development", cfg.Environment)
	}
	if cfg.DevServerMaxRestarts != 3 {
		t.Fatalf("DevServerMaxRestarts=%d, want 3", cfg.DevServerMaxRestarts)
	}
	if cfg.DevServerReadyWindow != 45*time.Second {
		t.Fatalf("DevServerReadyWindow=%v, want 45s", cfg.DevServerReadyWindow)
	}
	if cfg.SnapshotMaxBodySize != 100*1024*1024 {
		t.Fatalf("SnapshotMaxBodySize=%d, want 100MiB", cfg.SnapshotMaxBodySize)
	}
}

func TestLoadDecodesBroadcastToken(t *testing.T) {
	setRequiredEnv(t)
	raw := base64.StdEncoding.EncodeToString([]byte(`{"token":"tok-abc","scope":"realtime:project:proj-123"}`))
	t.Setenv("BROADCAST_TOKEN", raw)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.BroadcastToken == nil {
		t.Fatal("expected BroadcastToken to be decoded")
	}
	if cfg.BroadcastToken.Token != "tok-abc" {
		t.Fatalf("Token=%q, want tok-abc", cfg.BroadcastToken.Token)
	}
	if cfg.BroadcastToken.Scope != "realtime:project:proj-123" {
		t.Fatalf("Scope=%q, want realtime:project:proj-123", cfg.BroadcastToken.Scope)
	}
}

func TestLoadRejectsMalformedBroadcastToken(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BROADCAST_TOKEN", "not-base64!!!")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed BROADCAST_TOKEN")
	}
}

func TestLoadDerivesEdgeHostFromObjectStoreURL(t *testing.T) {
	t.Setenv("PROJECT_ID", "proj-123")
	t.Setenv("OBJECT_STORE_BASE_URL", "https://storage.example.com:9000/bucket")
	t.Setenv("OBJECT_STORE_ACCESS_KEY_ID", "ak")
	t.Setenv("OBJECT_STORE_SECRET_ACCESS_KEY", "sk")
	t.Setenv("EDGE_HOST", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.EdgeHost != "storage.example.com" {
		t.Fatalf("EdgeHost=%q, want storage.example.com", cfg.EdgeHost)
	}
}
