// Package session tracks connected identities and the policies each one
// owns. A session outlives individual connections; whether it outlives
// the last connection is a server setting.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/photopd/photopd/internal/policy"
	"github.com/photopd/photopd/internal/policyfile"
)

var (
	// ErrPolicyExists is returned by Create for a duplicate name.
	ErrPolicyExists = errors.New("a policy with this name already exists")

	// ErrPolicyNotFound is returned for operations on unknown names.
	ErrPolicyNotFound = errors.New("no policy with this name")

	// ErrPolicyRunning blocks destructive operations on an active policy.
	ErrPolicyRunning = errors.New("policy has a run in flight")
)

// Config tunes the registry.
type Config struct {
	// MaxConnections caps simultaneous connections; the oldest is
	// evicted when a new one would exceed it. Zero means no cap.
	MaxConnections int
	// RetainSessions keeps an identity's session alive after its last
	// connection is gone instead of tearing it down.
	RetainSessions bool
}

// Session is one identity's ordered policy list.
type Session struct {
	identity string
	reg      *Registry

	mu       sync.Mutex
	policies []*policy.Policy
}

// Registry maps connections to identities and identities to sessions.
type Registry struct {
	logger *slog.Logger
	store  *policyfile.Store
	deps   policy.Deps
	cfg    Config

	mu       sync.Mutex
	sessions map[string]*Session
	conns    map[string]string
	order    []string
}

func NewRegistry(logger *slog.Logger, store *policyfile.Store, deps policy.Deps, cfg Config) *Registry {
	return &Registry{
		logger:   logger.With("component", "sessions"),
		store:    store,
		deps:     deps,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		conns:    make(map[string]string),
	}
}

// Attach binds a connection to an identity's session, creating and
// hydrating the session from disk on first contact. When the connection
// cap is exceeded the oldest connections are evicted and returned so the
// transport can close them.
func (r *Registry) Attach(connID, identity string) (*Session, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok {
		entries, err := r.store.Load(identity)
		if err != nil {
			return nil, nil, err
		}
		s = &Session{identity: identity, reg: r}
		for _, e := range entries {
			p, err := policy.New(e.Name, e.Config, r.deps)
			if err != nil {
				return nil, nil, fmt.Errorf("hydrate session for %s: %w", identity, err)
			}
			s.policies = append(s.policies, p)
		}
		r.sessions[identity] = s
		r.logger.Info("session created", "identity", identity, "policies", len(s.policies))
	}

	r.conns[connID] = identity
	r.order = append(r.order, connID)

	var evicted []string
	for r.cfg.MaxConnections > 0 && len(r.conns) > r.cfg.MaxConnections {
		oldest := r.order[0]
		r.order = r.order[1:]
		if _, live := r.conns[oldest]; !live || oldest == connID {
			continue
		}
		r.dropConn(oldest)
		evicted = append(evicted, oldest)
		r.logger.Info("connection evicted", "conn", oldest)
	}
	return s, evicted, nil
}

// Detach unbinds a connection. When the identity's last connection goes
// away and sessions are not retained, the session and its account
// handles are torn down.
func (r *Registry) Detach(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropConn(connID)
}

// dropConn removes the connection and tears down an orphaned session.
// Caller holds r.mu.
func (r *Registry) dropConn(connID string) {
	identity, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	for _, id := range r.conns {
		if id == identity {
			return
		}
	}
	if r.cfg.RetainSessions {
		return
	}
	if s, ok := r.sessions[identity]; ok && s.anyRunning() {
		// A run in flight keeps the session alive; it is collected when
		// the run finishes and the next detach or attach sweeps.
		return
	}
	delete(r.sessions, identity)
	r.deps.Pool.RemoveAllExcept(r.activeAccountsLocked())
	r.logger.Info("session torn down", "identity", identity)
}

// Lookup returns the session a connection is attached to.
func (r *Registry) Lookup(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[identity]
	return s, ok
}

// Conns returns the connection IDs currently attached to the identity.
func (r *Registry) Conns(identity string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for conn, id := range r.conns {
		if id == identity {
			out = append(out, conn)
		}
	}
	return out
}

// AccountBusy reports whether any policy in any session is currently
// running against the account, and if so which policy occupies it. At
// most one run may hold an account handle at a time.
func (r *Registry) AccountBusy(account string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if name, ok := s.runningPolicy(account); ok {
			return name, true
		}
	}
	return "", false
}

// Sessions returns every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// activeAccountsLocked lists accounts still referenced by any session.
// Caller holds r.mu.
func (r *Registry) activeAccountsLocked() []string {
	var accounts []string
	for _, s := range r.sessions {
		s.mu.Lock()
		for _, p := range s.policies {
			accounts = append(accounts, p.Account())
		}
		s.mu.Unlock()
	}
	return accounts
}

func (s *Session) anyRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Status() == policy.StatusRunning {
			return true
		}
	}
	return false
}

func (s *Session) runningPolicy(account string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Account() == account && p.Status() == policy.StatusRunning {
			return p.Name(), true
		}
	}
	return "", false
}

func (s *Session) Identity() string { return s.identity }

// List returns the session's policies in creation order.
func (s *Session) List() []*policy.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*policy.Policy, len(s.policies))
	copy(out, s.policies)
	return out
}

// Snapshots returns the transport view of every policy, in order.
func (s *Session) Snapshots() []policy.Snapshot {
	policies := s.List()
	out := make([]policy.Snapshot, len(policies))
	for i, p := range policies {
		out[i] = p.Snapshot()
	}
	return out
}

// Get returns the named policy.
func (s *Session) Get(name string) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
}

// Create appends a new policy and persists the list.
func (s *Session) Create(name string, cfg policy.Config) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Name() == name {
			return nil, fmt.Errorf("%w: %s", ErrPolicyExists, name)
		}
	}
	p, err := policy.New(name, cfg, s.reg.deps)
	if err != nil {
		return nil, err
	}
	s.policies = append(s.policies, p)
	if err := s.persistLocked(); err != nil {
		s.policies = s.policies[:len(s.policies)-1]
		return nil, err
	}
	return p, nil
}

// Update applies a partial configuration change and persists the list.
func (s *Session) Update(name string, u policy.Update) (*policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Name() != name {
			continue
		}
		if err := p.ApplyUpdate(u); err != nil {
			return nil, err
		}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
}

// Delete removes the named policy, persists the list, and collects the
// account handle if no other policy references it.
func (s *Session) Delete(name string) error {
	s.mu.Lock()
	for i, p := range s.policies {
		if p.Name() != name {
			continue
		}
		if p.Status() == policy.StatusRunning {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrPolicyRunning, name)
		}
		s.policies = append(s.policies[:i], s.policies[i+1:]...)
		if err := s.persistLocked(); err != nil {
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()

		s.reg.mu.Lock()
		s.reg.deps.Pool.RemoveAllExcept(s.reg.activeAccountsLocked())
		s.reg.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
}

// ReplaceAll swaps the entire policy list for the given entries. The
// replacement is all-or-nothing: any invalid entry leaves the current
// list untouched.
func (s *Session) ReplaceAll(entries []policyfile.Entry) error {
	fresh := make([]*policy.Policy, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			return fmt.Errorf("%w: %s", ErrPolicyExists, e.Name)
		}
		seen[e.Name] = true
		p, err := policy.New(e.Name, e.Config, s.reg.deps)
		if err != nil {
			return err
		}
		fresh = append(fresh, p)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if p.Status() == policy.StatusRunning {
			return fmt.Errorf("%w: %s", ErrPolicyRunning, p.Name())
		}
	}
	old := s.policies
	s.policies = fresh
	if err := s.persistLocked(); err != nil {
		s.policies = old
		return err
	}
	return nil
}

// persistLocked writes the current list to disk. Caller holds s.mu.
func (s *Session) persistLocked() error {
	entries := make([]policyfile.Entry, len(s.policies))
	for i, p := range s.policies {
		entries[i] = policyfile.Entry{Name: p.Name(), Config: p.Config()}
	}
	return s.reg.store.Save(s.identity, entries)
}
