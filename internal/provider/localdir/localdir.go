// Package localdir implements a provider driver backed by a local
// directory tree, so the server can run against media already on disk
// without a remote account. The account identifier is the root
// directory: its immediate subdirectories become albums, and every file
// is also reachable through the synthetic "All Photos" album. Any
// secret is accepted and no second factor is ever required.
package localdir

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/photopd/photopd/internal/provider"
)

const allPhotos = "All Photos"

func init() {
	provider.Register("localdir", Driver{})
}

// Driver opens handles onto local directory trees.
type Driver struct{}

func (Driver) Dial(ctx context.Context, acct provider.Account) (provider.Client, error) {
	if err := acct.Options.Validate(); err != nil {
		return nil, err
	}
	info, err := os.Stat(acct.ID)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a readable directory", provider.ErrBadCredentials, acct.ID)
	}
	return &client{root: acct.ID, opts: acct.Options}, nil
}

type client struct {
	root string
	opts provider.Options
}

func (c *client) AccountID() string          { return c.root }
func (c *client) SecondFactorRequired() bool { return false }
func (c *client) AppCodeAvailable() bool     { return true }
func (c *client) Close() error               { return nil }

func (c *client) TrustedDevices(ctx context.Context) ([]provider.Device, error) {
	return nil, nil
}

func (c *client) RequestCode(ctx context.Context, d provider.Device) error {
	return nil
}

func (c *client) ValidateCode(ctx context.Context, code string) (bool, error) {
	return true, nil
}

func (c *client) Configure(opts provider.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	c.opts = opts
	return nil
}

func (c *client) Libraries(ctx context.Context) ([]provider.Library, error) {
	return []provider.Library{&library{root: c.root}}, nil
}

func (c *client) NewDownloader(cfg provider.DownloadConfig) (provider.Downloader, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("download directory is required")
	}
	return &downloader{cfg: cfg}, nil
}

// DeleteItem removes the source file from the tree.
func (c *client) DeleteItem(ctx context.Context, lib provider.Library, it provider.Item) error {
	item, ok := it.(*item)
	if !ok {
		return fmt.Errorf("delete %s: not a local item", it.Filename())
	}
	if err := os.Remove(item.path); err != nil {
		return fmt.Errorf("delete %s: %w", it.Filename(), err)
	}
	return nil
}

type library struct {
	root string
}

// Name matches the primary-library identifier remote accounts expose,
// so the engine's library resolution works unchanged.
func (l *library) Name() string { return "PrimarySync" }

func (l *library) AlbumNames() []string {
	names := []string{allPhotos}
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return names
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names[1:])
	return names
}

func (l *library) Album(name string) (provider.Album, bool) {
	dir := l.root
	if name != allPhotos {
		dir = filepath.Join(l.root, name)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return nil, false
		}
	}
	items, err := scan(dir)
	if err != nil {
		return nil, false
	}
	return &album{name: name, items: items}, true
}

// scan collects the regular files under dir, sorted by path for a
// stable enumeration order.
func scan(dir string) ([]*item, error) {
	var items []*item
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, &item{path: p, modTime: info.ModTime(), size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })
	return items, nil
}

type album struct {
	name  string
	items []*item
}

func (a *album) Name() string { return a.name }
func (a *album) Count() int   { return len(a.items) }

func (a *album) Items() provider.Iterator {
	return &iterator{items: a.items}
}

type iterator struct {
	items []*item
	pos   int
}

func (it *iterator) Next() (provider.Item, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	i := it.items[it.pos]
	it.pos++
	return i, true
}

var videoExts = map[string]bool{
	".mov": true,
	".mp4": true,
	".m4v": true,
	".avi": true,
}

type item struct {
	path    string
	modTime time.Time
	size    int64
}

func (i *item) Filename() string   { return filepath.Base(i.path) }
func (i *item) Created() time.Time { return i.modTime }
func (i *item) Added() time.Time   { return i.modTime }

func (i *item) IsVideo() bool {
	return videoExts[strings.ToLower(filepath.Ext(i.path))]
}

type downloader struct {
	cfg provider.DownloadConfig
}

func (d *downloader) Download(ctx context.Context, it provider.Item) (bool, error) {
	src, ok := it.(*item)
	if !ok {
		return false, fmt.Errorf("download %s: not a local item", it.Filename())
	}
	if d.cfg.SkipVideos && it.IsVideo() {
		return false, nil
	}
	dest := filepath.Join(d.cfg.Directory, it.Created().Format("2006/01/02"), it.Filename())
	if info, err := os.Stat(dest); err == nil && info.Size() == src.size {
		return false, nil
	}
	if d.cfg.DryRun {
		return true, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, err
	}
	if err := copyFile(src.path, dest); err != nil {
		return false, fmt.Errorf("copy %s: %w", it.Filename(), err)
	}
	if err := os.Chtimes(dest, src.modTime, src.modTime); err != nil {
		return false, err
	}
	return true, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
