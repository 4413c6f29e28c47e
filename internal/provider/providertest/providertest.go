// Package providertest provides an in-memory provider driver for tests.
// Downloads are simulated by writing small placeholder files under the
// configured directory, so the run pipeline's filename search, archive
// assembly, and local-copy removal all operate on real paths.
package providertest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/photopd/photopd/internal/provider"
)

// FakeItem is a canned library item.
type FakeItem struct {
	Name      string
	CreatedAt time.Time
	AddedAt   time.Time
	Video     bool
}

func (i FakeItem) Filename() string   { return i.Name }
func (i FakeItem) Created() time.Time { return i.CreatedAt }
func (i FakeItem) Added() time.Time   { return i.AddedAt }
func (i FakeItem) IsVideo() bool      { return i.Video }

// FakeAlbum holds items in order.
type FakeAlbum struct {
	AlbumName  string
	AlbumItems []FakeItem
}

func (a *FakeAlbum) Name() string { return a.AlbumName }
func (a *FakeAlbum) Count() int   { return len(a.AlbumItems) }

func (a *FakeAlbum) Items() provider.Iterator {
	return &sliceIterator{items: a.AlbumItems}
}

type sliceIterator struct {
	items []FakeItem
	pos   int
}

func (it *sliceIterator) Next() (provider.Item, bool) {
	if it.pos >= len(it.items) {
		return nil, false
	}
	item := it.items[it.pos]
	it.pos++
	return item, true
}

// FakeLibrary is a named set of albums.
type FakeLibrary struct {
	LibName string
	Albums  map[string]*FakeAlbum
}

func (l *FakeLibrary) Name() string { return l.LibName }

func (l *FakeLibrary) AlbumNames() []string {
	names := make([]string, 0, len(l.Albums))
	for n := range l.Albums {
		names = append(names, n)
	}
	return names
}

func (l *FakeLibrary) Album(name string) (provider.Album, bool) {
	a, ok := l.Albums[name]
	return a, ok
}

// FakeAccount is the server-side state of one account in the fake driver.
type FakeAccount struct {
	Secret string
	// SecondFactor, when non-empty, is the code required after a
	// successful secret check.
	SecondFactor string
	// AppCode mirrors an account with an app-based second factor; when
	// false the code must be requested out of band.
	AppCode   bool
	Devices   []provider.Device
	Libraries []*FakeLibrary
	// AlreadyDownloaded marks filenames the transfer primitive should
	// treat as previously downloaded.
	AlreadyDownloaded map[string]bool
	// DownloadErrs fails the transfer of the named files.
	DownloadErrs map[string]error
	// DownloadGate, when non-nil, blocks every transfer until the
	// channel is closed.
	DownloadGate chan struct{}
}

// Driver is an in-memory provider.Dialer.
type Driver struct {
	mu       sync.Mutex
	accounts map[string]*FakeAccount

	// DialErr, when set, fails every Dial with this error.
	DialErr error
}

func NewDriver() *Driver {
	return &Driver{accounts: make(map[string]*FakeAccount)}
}

// AddAccount registers an account the driver will accept.
func (d *Driver) AddAccount(id string, acct *FakeAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if acct.AlreadyDownloaded == nil {
		acct.AlreadyDownloaded = make(map[string]bool)
	}
	d.accounts[id] = acct
}

func (d *Driver) Dial(ctx context.Context, acct provider.Account) (provider.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	a, ok := d.accounts[acct.ID]
	if !ok || a.Secret != acct.Secret {
		return nil, fmt.Errorf("%w: invalid account or password", provider.ErrBadCredentials)
	}
	if err := acct.Options.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		account:     acct.ID,
		state:       a,
		opts:        acct.Options,
		pendingCode: a.SecondFactor != "",
	}, nil
}

// Client is a fake authenticated handle.
type Client struct {
	mu          sync.Mutex
	account     string
	state       *FakeAccount
	opts        provider.Options
	pendingCode bool
	closed      bool

	// CodeRequests records the devices out-of-band codes were sent to.
	CodeRequests []provider.Device
	// Deleted records remote deletions by filename.
	Deleted []string
	// DownloadErrs fails the transfer of the named files.
	DownloadErrs map[string]error
}

func (c *Client) AccountID() string { return c.account }

func (c *Client) SecondFactorRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingCode
}

func (c *Client) AppCodeAvailable() bool { return c.state.AppCode }

func (c *Client) TrustedDevices(ctx context.Context) ([]provider.Device, error) {
	return c.state.Devices, nil
}

func (c *Client) RequestCode(ctx context.Context, d provider.Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CodeRequests = append(c.CodeRequests, d)
	return nil
}

func (c *Client) ValidateCode(ctx context.Context, code string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if code != c.state.SecondFactor {
		return false, nil
	}
	c.pendingCode = false
	return true, nil
}

func (c *Client) Configure(opts provider.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
	return nil
}

// Options returns the currently applied naming/format options.
func (c *Client) Options() provider.Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opts
}

func (c *Client) Libraries(ctx context.Context) ([]provider.Library, error) {
	libs := make([]provider.Library, len(c.state.Libraries))
	for i, l := range c.state.Libraries {
		libs[i] = l
	}
	return libs, nil
}

func (c *Client) NewDownloader(cfg provider.DownloadConfig) (provider.Downloader, error) {
	return &downloader{client: c, cfg: cfg}, nil
}

func (c *Client) DeleteItem(ctx context.Context, library provider.Library, item provider.Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Deleted = append(c.Deleted, item.Filename())
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type downloader struct {
	client *Client
	cfg    provider.DownloadConfig
}

func (d *downloader) Download(ctx context.Context, item provider.Item) (bool, error) {
	if gate := d.client.state.DownloadGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	d.client.mu.Lock()
	err := d.client.DownloadErrs[item.Filename()]
	if err == nil {
		err = d.client.state.DownloadErrs[item.Filename()]
	}
	already := d.client.state.AlreadyDownloaded[item.Filename()]
	d.client.mu.Unlock()
	if err != nil {
		return false, err
	}
	if d.cfg.SkipVideos && item.IsVideo() {
		return false, nil
	}
	path := filepath.Join(d.cfg.Directory, item.Created().Format("2006/01/02"), item.Filename())
	if already {
		// Still materialize the file so the filename search finds it,
		// matching a destination that holds a previous run's output.
		if _, statErr := os.Stat(path); statErr == nil {
			return false, nil
		}
	}
	if d.cfg.DryRun {
		return !already, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte("media:"+item.Filename()), 0o644); err != nil {
		return false, err
	}
	if err := os.Chtimes(path, item.Created(), item.Created()); err != nil {
		return false, err
	}
	return !already, nil
}
