// Package provider defines the boundary to the external media-library
// account service. The orchestration engine only ever talks to these
// interfaces; concrete drivers register themselves the way database/sql
// drivers do and carry their own wire protocol, retry, and backoff policy.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	// ErrBadCredentials is returned by Dial when the account rejects the
	// supplied secret. The wrapped message is the provider's own text.
	ErrBadCredentials = errors.New("credentials rejected")

	// ErrNoTrustedDevices is returned when an out-of-band code is needed
	// but the account exposes no device to deliver it to.
	ErrNoTrustedDevices = errors.New("no trusted devices available for code delivery")
)

// Options are the file-naming and format attributes a handle carries.
// They can be patched on a live handle without re-authenticating.
type Options struct {
	FileMatchPolicy    string // "name-size-dedup-with-suffix" or "name-id7"
	KeepUnicodeNames   bool
	LiveFilenamePolicy string // "original" or "suffix"
	RawPolicy          string // "as-original", "as-alternative" or "as-is"
}

// Validate checks every enumerated field against its allowed values.
func (o Options) Validate() error {
	switch o.FileMatchPolicy {
	case "", "name-size-dedup-with-suffix", "name-id7":
	default:
		return fmt.Errorf("unsupported file match policy %q", o.FileMatchPolicy)
	}
	switch o.LiveFilenamePolicy {
	case "", "original", "suffix":
	default:
		return fmt.Errorf("unsupported live filename policy %q", o.LiveFilenamePolicy)
	}
	switch o.RawPolicy {
	case "", "as-original", "as-alternative", "as-is":
	default:
		return fmt.Errorf("unsupported raw policy %q", o.RawPolicy)
	}
	return nil
}

// OptionsPatch is a partial update applied to a handle's Options. Nil
// fields are left untouched. Unknown attributes cannot be expressed at
// all, which is the point.
type OptionsPatch struct {
	FileMatchPolicy    *string
	KeepUnicodeNames   *bool
	LiveFilenamePolicy *string
	RawPolicy          *string
}

// Apply merges the patch into a copy of o and validates the result.
func (o Options) Apply(p OptionsPatch) (Options, error) {
	if p.FileMatchPolicy != nil {
		o.FileMatchPolicy = *p.FileMatchPolicy
	}
	if p.KeepUnicodeNames != nil {
		o.KeepUnicodeNames = *p.KeepUnicodeNames
	}
	if p.LiveFilenamePolicy != nil {
		o.LiveFilenamePolicy = *p.LiveFilenamePolicy
	}
	if p.RawPolicy != nil {
		o.RawPolicy = *p.RawPolicy
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Device is a trusted device that can receive an out-of-band code.
type Device struct {
	ID          string
	PhoneNumber string
}

// Item is a single downloadable library item.
type Item interface {
	Filename() string
	Created() time.Time
	Added() time.Time
	IsVideo() bool
}

// Iterator walks an album's items in library order.
type Iterator interface {
	Next() (Item, bool)
}

// Album is a named collection of items.
type Album interface {
	Name() string
	Count() int
	Items() Iterator
}

// Library is one of the account's photo libraries.
type Library interface {
	Name() string
	AlbumNames() []string
	Album(name string) (Album, bool)
}

// DownloadConfig parameterizes a transfer primitive for one run.
type DownloadConfig struct {
	Directory  string
	Sizes      []string
	SkipVideos bool
	DryRun     bool
	Logger     *slog.Logger
}

// Downloader transfers items to local disk. Implementations retry
// transient failures internally; a false result with nil error means the
// item was already present at the destination.
type Downloader interface {
	Download(ctx context.Context, item Item) (downloaded bool, err error)
}

// Client is a live authenticated handle to one account. A Client is not
// safe for concurrent runs; the resource pool enforces exclusivity one
// layer up.
type Client interface {
	AccountID() string

	// SecondFactorRequired reports whether authentication is still
	// pending a second factor.
	SecondFactorRequired() bool
	// AppCodeAvailable reports whether the account can produce the code
	// in-app; when false the code must be requested out of band.
	AppCodeAvailable() bool
	TrustedDevices(ctx context.Context) ([]Device, error)
	RequestCode(ctx context.Context, d Device) error
	// ValidateCode returns false for a wrong code without invalidating
	// the handle.
	ValidateCode(ctx context.Context, code string) (bool, error)

	// Configure applies refreshed naming/format options to the handle.
	Configure(opts Options) error

	Libraries(ctx context.Context) ([]Library, error)
	NewDownloader(cfg DownloadConfig) (Downloader, error)
	// DeleteItem removes the remote original. Retries are internal.
	DeleteItem(ctx context.Context, library Library, item Item) error

	Close() error
}

// Account identifies what to dial.
type Account struct {
	ID      string
	Secret  string
	Domain  string
	Options Options
}

// Dialer opens authenticated handles.
type Dialer interface {
	Dial(ctx context.Context, acct Account) (Client, error)
}

// RequestOutOfBandCode asks the account's first trusted device for an
// SMS-like code. Used when a second factor is required but the account
// has no app-based code source.
func RequestOutOfBandCode(ctx context.Context, c Client) error {
	devices, err := c.TrustedDevices(ctx)
	if err != nil {
		return fmt.Errorf("list trusted devices: %w", err)
	}
	if len(devices) == 0 {
		return ErrNoTrustedDevices
	}
	return c.RequestCode(ctx, devices[0])
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Dialer)
)

// Register makes a driver available under the given name. It panics on a
// duplicate registration, matching database/sql behavior.
func Register(name string, d Dialer) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[name]; dup {
		panic("provider: Register called twice for driver " + name)
	}
	drivers[name] = d
}

// Lookup returns the driver registered under name.
func Lookup(name string) (Dialer, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	if d, ok := drivers[name]; ok {
		return d, nil
	}
	names := make([]string, 0, len(drivers))
	for n := range drivers {
		names = append(names, n)
	}
	sort.Strings(names)
	return nil, fmt.Errorf("provider: unknown driver %q (registered: %v)", name, names)
}
