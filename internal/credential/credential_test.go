package credential

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.key")
	store := New(path)

	if store.Has() {
		t.Fatalf("expected Has() false before any write")
	}

	want := []byte("  s3cr3t-api-key  ")
	if err := store.Write(want); err != nil {
		t.Fatalf("write: %v", err)
	}

	if !store.Has() {
		t.Fatalf("expected Has() true after write")
	}

	got, err := store.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "s3cr3t-api-key" {
		t.Fatalf("expected trimmed credential, got %q", got)
	}

	if err := store.Delete(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Has() {
		t.Fatalf("expected Has() false after delete")
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "agent.key"))
	if err := store.Delete(); err != nil {
		t.Fatalf("expected no error deleting absent credential, got %v", err)
	}
}

func TestReadAbsentReturnsErrNotFound(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "agent.key"))
	if _, err := store.Read(); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWriteHardensPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.key")
	store := New(path)
	if err := store.Write([]byte("k")); err != nil {
		t.Fatalf("write: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		t.Fatalf("expected owner-only permissions on POSIX, got %v", mode)
	}
}
