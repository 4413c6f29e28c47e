// Package layout guards a destination directory's on-disk naming
// convention. The convention in effect is recorded once in a hidden
// marker file at the directory root and enforced on every subsequent
// run, so two different layouts can never be silently mixed in one
// destination.
package layout

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MarkerName is the hidden marker file at the destination root.
const MarkerName = ".folderstructure"

// ErrAmbiguousDirectory is returned for a non-empty destination that
// carries no marker: there is no way to know which layout produced the
// existing content, so the guard refuses to guess.
var ErrAmbiguousDirectory = errors.New(
	"cannot determine the layout of a non-empty directory: provide a " + MarkerName + " marker or use an empty directory")

// MismatchError reports a marker that disagrees with the configured
// layout. Both values are carried for the caller's error report.
type MismatchError struct {
	Want  string
	Found string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("configured folder layout %q differs from the existing marker %q", e.Want, e.Found)
}

// Ensure validates or establishes the layout marker for dir before any
// writes occur. In dry-run mode nothing is created; the intended marker
// content is only logged.
func Ensure(logger *slog.Logger, dir, structure string, dryRun bool) error {
	markerPath := filepath.Join(dir, MarkerName)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if dryRun {
			logger.Info("would create destination and layout marker", "dir", dir, "layout", structure)
			return nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create destination: %w", err)
		}
		return writeMarker(logger, markerPath, structure)
	case err != nil:
		return fmt.Errorf("stat destination: %w", err)
	case !info.IsDir():
		return fmt.Errorf("destination %s is not a directory", dir)
	}

	empty, err := emptyIgnoringHidden(dir)
	if err != nil {
		return err
	}
	if empty {
		if dryRun {
			logger.Info("would write layout marker", "dir", dir, "layout", structure)
			return nil
		}
		return writeMarker(logger, markerPath, structure)
	}

	data, err := os.ReadFile(markerPath)
	if os.IsNotExist(err) {
		return ErrAmbiguousDirectory
	}
	if err != nil {
		return fmt.Errorf("read layout marker: %w", err)
	}
	if found := strings.TrimSpace(string(data)); found != structure {
		return &MismatchError{Want: structure, Found: found}
	}
	logger.Info("continuing with existing layout", "dir", dir, "layout", structure)
	return nil
}

func writeMarker(logger *slog.Logger, path, structure string) error {
	logger.Info("writing layout marker", "path", path, "layout", structure)
	if err := os.WriteFile(path, []byte(structure+"\n"), 0o644); err != nil {
		return fmt.Errorf("write layout marker: %w", err)
	}
	return nil
}

// emptyIgnoringHidden reports whether dir contains any non-hidden entry.
func emptyIgnoringHidden(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read destination: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			return false, nil
		}
	}
	return true, nil
}
