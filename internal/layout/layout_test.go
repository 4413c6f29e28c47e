package layout

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const structure = "{:%Y/%m/%d}"

func TestMissingDirectoryCreatesMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dest")

	if err := Ensure(slog.Default(), dir, structure, false); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != structure {
		t.Errorf("marker = %q, want %q", got, structure)
	}
}

func TestEmptyDirectoryCreatesMarker(t *testing.T) {
	dir := t.TempDir()

	// Hidden entries do not count as content.
	if err := os.WriteFile(filepath.Join(dir, ".DS_Store"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Ensure(slog.Default(), dir, structure, false); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, MarkerName)); err != nil {
		t.Errorf("marker not written: %v", err)
	}
}

func TestSecondRunSameLayoutSucceeds(t *testing.T) {
	dir := t.TempDir()
	if err := Ensure(slog.Default(), dir, structure, false); err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Ensure(slog.Default(), dir, structure, false); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
}

func TestLayoutMismatchReportsBoth(t *testing.T) {
	dir := t.TempDir()
	if err := Ensure(slog.Default(), dir, structure, false); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := Ensure(slog.Default(), dir, "{:%Y}", false)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if mismatch.Want != "{:%Y}" || mismatch.Found != structure {
		t.Errorf("mismatch = %+v, want Want={:%%Y} Found=%s", mismatch, structure)
	}
}

func TestNonEmptyWithoutMarkerRefuses(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stray.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Ensure(slog.Default(), dir, structure, false); !errors.Is(err, ErrAmbiguousDirectory) {
		t.Fatalf("expected ErrAmbiguousDirectory, got %v", err)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dest")

	if err := Ensure(slog.Default(), dir, structure, true); err != nil {
		t.Fatalf("Ensure dry-run: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("dry-run should not create the destination directory")
	}
}
