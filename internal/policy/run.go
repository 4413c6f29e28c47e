package policy

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/photopd/photopd/internal/archive"
	"github.com/photopd/photopd/internal/filter"
	"github.com/photopd/photopd/internal/layout"
	"github.com/photopd/photopd/internal/provider"
)

// run is the body of one execution. Status transitions happen in Run;
// this function only moves items and reports how far it got.
func (p *Policy) run(ctx context.Context, logger *slog.Logger, sink EntrySink) (Result, error) {
	cfg := p.Config()
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()

	client, ok := p.deps.Pool.Get(cfg.Account)
	if !ok {
		return Result{}, ErrNotAuthenticated
	}
	// Naming options may have changed since the handle was dialed.
	if err := p.deps.Pool.Update(cfg.Account, cfg.optionsPatch()); err != nil {
		return Result{}, err
	}

	dir, err := resolveDirectory(cfg.Directory)
	if err != nil {
		return Result{}, err
	}
	if err := layout.Ensure(logger, dir, cfg.FolderStructure, cfg.DryRun); err != nil {
		return Result{}, err
	}

	lib, err := resolveLibrary(ctx, client, cfg.Library)
	if err != nil {
		return Result{}, err
	}
	album, ok := lib.Album(cfg.Album)
	if !ok {
		return Result{}, fmt.Errorf("album %q not found in library %s", cfg.Album, lib.Name())
	}

	pred, err := filter.New(cfg.filterConfig())
	if err != nil {
		return Result{}, err
	}
	dl, err := client.NewDownloader(provider.DownloadConfig{
		Directory:  dir,
		Sizes:      cfg.Sizes,
		SkipVideos: cfg.SkipVideos,
		DryRun:     cfg.DryRun,
		Logger:     logger,
	})
	if err != nil {
		return Result{}, fmt.Errorf("open downloader: %w", err)
	}

	expected := album.Count()
	it := album.Items()
	if cfg.Recent != nil {
		if *cfg.Recent < expected {
			expected = *cfg.Recent
		}
		it = &limitIterator{it: it, remaining: *cfg.Recent}
	}
	// With until_found the total is unknowable up front, so progress
	// stays at zero for the whole run.
	countKnown := cfg.UntilFound == nil

	logger.Info("starting run",
		"library", lib.Name(),
		"album", album.Name(),
		"directory", dir,
		"items", album.Count())

	var res Result
	consecutive := 0
	for {
		select {
		case <-stop:
			logger.Info("run interrupted", "transferred", res.Transferred, "processed", res.Processed)
			res.Interrupted = true
			return res, nil
		case <-ctx.Done():
			logger.Info("run cancelled", "transferred", res.Transferred, "processed", res.Processed)
			res.Interrupted = true
			return res, nil
		default:
		}

		if cfg.UntilFound != nil && consecutive >= *cfg.UntilFound {
			logger.Info("reached consecutive previously downloaded items", "count", consecutive)
			break
		}

		item, ok := it.Next()
		if !ok {
			break
		}

		if skip, reason := pred.Skip(item.Filename(), item.Created(), item.Added()); skip {
			logger.Debug("skipping item", "filename", item.Filename(), "reason", reason)
			continue
		}

		var downloaded bool
		err := p.deps.Workers.Do(ctx, func() error {
			var derr error
			downloaded, derr = dl.Download(ctx, item)
			return derr
		})
		if err != nil {
			return res, fmt.Errorf("download %s: %w", item.Filename(), err)
		}

		if downloaded {
			consecutive = 0
			res.Transferred++
			if cfg.DeleteAfterDownload && !cfg.DryRun {
				if err := client.DeleteItem(ctx, lib, item); err != nil {
					return res, fmt.Errorf("delete remote %s: %w", item.Filename(), err)
				}
				logger.Info("deleted remote original", "filename", item.Filename())
			}
		} else {
			consecutive++
		}

		// Already-present items are still delivered so a fresh client
		// receives the complete set.
		if local := findLocal(dir, item.Filename()); local != "" && sink != nil {
			e := archive.Entry{
				Path:      archivePath(dir, local),
				Modified:  item.Created(),
				LocalPath: local,
			}
			if err := sink(ctx, e); err != nil {
				return res, fmt.Errorf("deliver %s: %w", e.Path, err)
			}
		}

		res.Processed++
		if countKnown && expected > 0 {
			pct := res.Processed * 100 / expected
			if pct > 100 {
				pct = 100
			}
			p.setProgress(pct)
		}
	}

	if cfg.AutoDelete {
		sweepRetention(logger, dir, cfg.RetentionDays, cfg.DryRun)
	}

	// Per-file removal during delivery leaves the directory skeleton and
	// the layout marker behind; the next run starts from scratch.
	if cfg.RemoveLocalAfterDelivery() && !cfg.DryRun {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warn("remove local directory", "path", dir, "error", err)
		} else {
			logger.Info("removed local directory", "path", dir)
		}
	}

	logger.Info("run complete", "transferred", res.Transferred, "processed", res.Processed)
	return res, nil
}

// ListAlbums returns the album names visible in the policy's resolved
// library. It requires an authenticated handle.
func (p *Policy) ListAlbums(ctx context.Context) ([]string, error) {
	cfg := p.Config()
	client, ok := p.deps.Pool.Get(cfg.Account)
	if !ok {
		return nil, fmt.Errorf("policy %s: %w", p.name, ErrNotAuthenticated)
	}
	lib, err := resolveLibrary(ctx, client, cfg.Library)
	if err != nil {
		return nil, err
	}
	return lib.AlbumNames(), nil
}

// resolveDirectory expands a leading ~ and makes the path absolute.
func resolveDirectory(dir string) (string, error) {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve directory %s: %w", dir, err)
	}
	return abs, nil
}

// resolveLibrary maps the configured selector onto the account's actual
// library names. The shared library carries a per-account identifier in
// its name, so it is matched by substring.
func resolveLibrary(ctx context.Context, client provider.Client, selector string) (provider.Library, error) {
	libs, err := client.Libraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	var match func(name string) bool
	switch selector {
	case LibraryShared:
		match = func(name string) bool { return strings.Contains(name, "SharedSync") }
	default:
		match = func(name string) bool { return name == "PrimarySync" }
	}
	for _, lib := range libs {
		if match(lib.Name()) {
			return lib, nil
		}
	}
	return nil, fmt.Errorf("%s is not available for this account", selector)
}

// findLocal locates the produced file for an item. The driver may have
// renamed it (dedup suffixes, live photo naming), so any regular file
// whose name contains the item's filename counts.
func findLocal(dir, filename string) string {
	var found string
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return fs.SkipAll
		}
		if d.IsDir() || d.Name() == layout.MarkerName {
			return nil
		}
		if strings.Contains(d.Name(), filename) {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	return found
}

// archivePath rewrites a local path relative to dir under the archive
// root, slash-separated.
func archivePath(dir, local string) string {
	rel, err := filepath.Rel(dir, local)
	if err != nil {
		rel = filepath.Base(local)
	}
	return path.Join(archive.Root, filepath.ToSlash(rel))
}

// sweepRetention removes local files older than the retention window.
func sweepRetention(logger *slog.Logger, dir string, days int, dryRun bool) {
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if d.Name() == layout.MarkerName || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			return nil
		}
		if dryRun {
			logger.Info("would remove expired local file", "path", p)
			return nil
		}
		if err := os.Remove(p); err != nil {
			logger.Warn("remove expired local file", "path", p, "error", err)
		} else {
			logger.Info("removed expired local file", "path", p)
		}
		return nil
	})
}

type limitIterator struct {
	it        provider.Iterator
	remaining int
}

func (l *limitIterator) Next() (provider.Item, bool) {
	if l.remaining <= 0 {
		return nil, false
	}
	l.remaining--
	return l.it.Next()
}
