package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := writeConfigFile(t, "billing:\n  aws-host: db.example.com\n  aws-port: 5432\n")
	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	cfg, err := store.Get("billing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got, _ := cfg.Int("aws-port"); got != 5432 {
		t.Errorf("aws-port = %d", got)
	}

	if err := store.Save("billing", map[string]any{"gcp-host": "10.1.2.3"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh store must observe the persisted merge.
	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cfg, err = reopened.Get("billing")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got := cfg.Str("gcp-host"); got != "10.1.2.3" {
		t.Errorf("gcp-host = %q", got)
	}
	if got := cfg.Str("aws-host"); got != "db.example.com" {
		t.Errorf("merge lost aws-host, got %q", got)
	}
}

func TestFileStoreUnknownService(t *testing.T) {
	store, err := NewFileStore(writeConfigFile(t, "billing: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if err := store.Save("missing", map[string]any{"x": 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Save = %v, want ErrNotFound", err)
	}
}
