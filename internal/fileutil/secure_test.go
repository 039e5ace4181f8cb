package fileutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// assertPermNoMoreThan checks that the file at path has permissions no
// more permissive than want. Umask-tolerant: 0700 observed as 0700 or
// tighter passes, extra bits fail.
func assertPermNoMoreThan(t *testing.T, path string, want os.FileMode) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	got := info.Mode().Perm()
	if got&^want != 0 {
		t.Errorf("perm = %04o, has bits beyond %04o", got, want)
	}
}

func TestSecureMkdirAll(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uploads", "mbox")

	if err := SecureMkdirAll(path, 0700); err != nil {
		t.Fatalf("SecureMkdirAll: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Error("expected directory")
	}
	if runtime.GOOS != "windows" {
		assertPermNoMoreThan(t, path, 0700)
	}
}

func TestSecureMkdirAllExisting(t *testing.T) {
	dir := t.TempDir()
	if err := SecureMkdirAll(dir, 0700); err != nil {
		t.Fatalf("SecureMkdirAll on existing dir: %v", err)
	}
}

func TestSecureOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.zip")

	f, err := SecureOpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		t.Fatalf("SecureOpenFile: %v", err)
	}
	if _, err := f.Write([]byte("data")); err != nil {
		f.Close()
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "data" {
		t.Errorf("content = %q, want %q", got, "data")
	}
	if runtime.GOOS != "windows" {
		assertPermNoMoreThan(t, path, 0600)
	}
}

func TestSecureOpenFileExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "upload")
	if err := os.WriteFile(path, []byte("existing"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := SecureOpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600); err == nil {
		t.Fatal("expected error opening existing file with O_EXCL")
	}
}
