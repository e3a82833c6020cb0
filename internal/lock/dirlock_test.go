package lock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquireDirWritesPID(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "work")
	l, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	if l.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("Path() = %q", l.Path())
	}
	b, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got := strings.TrimSpace(string(b)); got != strconv.Itoa(os.Getpid()) {
		t.Fatalf("lock file holds %q, want our pid", got)
	}
}

func TestAcquireDirIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}

	if _, err := AcquireDir(dir); !errors.Is(err, ErrHeld) {
		t.Fatalf("second AcquireDir error = %v, want ErrHeld", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireDirRejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := AcquireDir(""); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
