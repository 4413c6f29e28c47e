// Package pool owns the live authenticated account handles. At most one
// handle exists per account identifier; policies hold a non-owning
// reference by identifier and the pool exclusively controls handle
// lifetime.
package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/photopd/photopd/internal/provider"
)

var (
	// ErrExists is returned by Set when the account already holds a live
	// handle. Callers must Remove explicitly first.
	ErrExists = errors.New("a live handle already exists for this account")

	// ErrNotFound is returned by Update for an account with no handle.
	ErrNotFound = errors.New("no live handle for this account")
)

type entry struct {
	client provider.Client
	opts   provider.Options
}

// Pool maps account identifiers to live handles.
type Pool struct {
	mu      sync.Mutex
	handles map[string]*entry
}

func New() *Pool {
	return &Pool{handles: make(map[string]*entry)}
}

// Get returns the live handle for the account, if any.
func (p *Pool) Get(account string) (provider.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.handles[account]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Set installs a handle for the account. It fails if one already exists.
func (p *Pool) Set(account string, client provider.Client, opts provider.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.handles[account]; ok {
		return fmt.Errorf("%w: %s", ErrExists, account)
	}
	p.handles[account] = &entry{client: client, opts: opts}
	return nil
}

// Update applies a partial attribute patch to the account's handle
// without re-authenticating. The patch is validated against the owned
// options before it reaches the handle.
func (p *Pool) Update(account string, patch provider.OptionsPatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.handles[account]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, account)
	}
	opts, err := e.opts.Apply(patch)
	if err != nil {
		return fmt.Errorf("update handle options for %s: %w", account, err)
	}
	if err := e.client.Configure(opts); err != nil {
		return fmt.Errorf("configure handle for %s: %w", account, err)
	}
	e.opts = opts
	return nil
}

// Remove tears down the account's handle, if any.
func (p *Pool) Remove(account string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.handles[account]; ok {
		e.client.Close()
		delete(p.handles, account)
	}
}

// RemoveAllExcept garbage-collects handles for accounts no longer
// referenced by any policy.
func (p *Pool) RemoveAllExcept(active []string) {
	keep := make(map[string]bool, len(active))
	for _, a := range active {
		keep[a] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for account, e := range p.handles {
		if !keep[account] {
			e.client.Close()
			delete(p.handles, account)
		}
	}
}
