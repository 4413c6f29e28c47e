// Package policy implements the per-job state machine at the heart of
// the engine. Each Policy owns its configuration, lifecycle status, and
// progress; run execution lives in run.go.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/photopd/photopd/internal/archive"
	"github.com/photopd/photopd/internal/pool"
	"github.com/photopd/photopd/internal/provider"
	"github.com/photopd/photopd/internal/schedule"
	"github.com/photopd/photopd/internal/worker"
)

// Status is the lifecycle state of a policy.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusErrored Status = "errored"
)

// AuthState describes the account handle backing a policy.
type AuthState int

const (
	AuthUnauthenticated AuthState = iota
	AuthAwaitingCode
	AuthAuthenticated
)

// AuthOutcome is the structured result of an authentication attempt.
type AuthOutcome string

const (
	AuthSuccess      AuthOutcome = "success"
	AuthFailed       AuthOutcome = "failed"
	AuthCodeRequired AuthOutcome = "mfa_required"
)

var (
	// ErrNotAuthenticated is returned when an operation needs a live
	// authenticated handle and none exists.
	ErrNotAuthenticated = errors.New("account is not authenticated")

	// ErrInvalidAuthState is returned when authentication is attempted
	// from a state that forbids it.
	ErrInvalidAuthState = errors.New("invalid state for authentication")

	// ErrAlreadyRunning is returned by Run when a run is in flight.
	ErrAlreadyRunning = errors.New("a run is already in flight")
)

// Deps are the collaborators a policy needs to authenticate and run.
type Deps struct {
	Dialer  provider.Dialer
	Pool    *pool.Pool
	Workers *worker.Pool
}

// Policy is one configured job. All exported methods are safe for
// concurrent use.
type Policy struct {
	name string
	deps Deps

	mu       sync.Mutex
	cfg      Config
	status   Status
	progress int
	nextRun  *time.Time
	stop     chan struct{}
}

// New builds a stopped policy from cfg, applying defaults and
// validating.
func New(name string, cfg Config, deps Deps) (*Policy, error) {
	if name == "" {
		return nil, errors.New("policy name is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("policy %s: %w", name, err)
	}
	return &Policy{name: name, deps: deps, cfg: cfg, status: StatusStopped}, nil
}

func (p *Policy) Name() string { return p.name }

// Config returns a copy of the current configuration.
func (p *Policy) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Status returns the current lifecycle state.
func (p *Policy) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Progress returns the current whole-number progress percentage.
func (p *Policy) Progress() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.progress
}

// Account returns the account identifier the policy is bound to.
func (p *Policy) Account() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Account
}

// NextRun returns the scheduled next start, if one is armed.
func (p *Policy) NextRun() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextRun == nil {
		return time.Time{}, false
	}
	return *p.nextRun, true
}

// AuthState derives the authentication state from the shared handle
// pool rather than storing it, so a handle removed or replaced through
// another policy on the same account is observed immediately.
func (p *Policy) AuthState() AuthState {
	client, ok := p.deps.Pool.Get(p.Account())
	if !ok {
		return AuthUnauthenticated
	}
	if client.SecondFactorRequired() {
		return AuthAwaitingCode
	}
	return AuthAuthenticated
}

// Authenticate dials a fresh handle for the policy's account. A handle
// stuck awaiting a second factor is discarded first; a fully
// authenticated account rejects the attempt. A rejected secret is a
// structured outcome, not an error; errors are reserved for invalid
// states and transport failures.
func (p *Policy) Authenticate(ctx context.Context, secret string) (AuthOutcome, string, error) {
	p.mu.Lock()
	if p.status == StatusRunning {
		p.mu.Unlock()
		return "", "", fmt.Errorf("%w: policy is running", ErrInvalidAuthState)
	}
	cfg := p.cfg
	p.mu.Unlock()

	if p.AuthState() == AuthAuthenticated {
		return "", "", fmt.Errorf("%w: account is already authenticated", ErrInvalidAuthState)
	}

	p.deps.Pool.Remove(cfg.Account)

	client, err := p.deps.Dialer.Dial(ctx, provider.Account{
		ID:      cfg.Account,
		Secret:  secret,
		Domain:  cfg.Domain,
		Options: cfg.providerOptions(),
	})
	if errors.Is(err, provider.ErrBadCredentials) {
		return AuthFailed, err.Error(), nil
	}
	if err != nil {
		return "", "", fmt.Errorf("dial account %s: %w", cfg.Account, err)
	}

	if err := p.deps.Pool.Set(cfg.Account, client, cfg.providerOptions()); err != nil {
		client.Close()
		return "", "", err
	}

	if client.SecondFactorRequired() {
		if !client.AppCodeAvailable() {
			if err := provider.RequestOutOfBandCode(ctx, client); err != nil {
				p.deps.Pool.Remove(cfg.Account)
				return "", "", err
			}
		}
		return AuthCodeRequired, "second factor required", nil
	}
	return AuthSuccess, "authenticated", nil
}

// ProvideCode submits a second-factor code for a handle awaiting one. A
// wrong code keeps the handle alive and reports AuthCodeRequired again.
func (p *Policy) ProvideCode(ctx context.Context, code string) (AuthOutcome, string, error) {
	client, ok := p.deps.Pool.Get(p.Account())
	if !ok {
		return "", "", fmt.Errorf("%w: authenticate first", ErrNotAuthenticated)
	}
	ok, err := client.ValidateCode(ctx, code)
	if err != nil {
		return "", "", fmt.Errorf("validate second factor: %w", err)
	}
	if !ok {
		return AuthCodeRequired, "wrong second-factor code", nil
	}
	return AuthSuccess, "authenticated", nil
}

// ApplyUpdate merges a partial configuration change. It is rejected
// while a run is in flight; progress resets because the old percentage
// no longer describes the new configuration.
func (p *Policy) ApplyUpdate(u Update) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusRunning {
		return fmt.Errorf("policy %s: cannot update while running", p.name)
	}
	cfg, err := p.cfg.Apply(u)
	if err != nil {
		return fmt.Errorf("policy %s: %w", p.name, err)
	}
	p.cfg = cfg
	p.progress = 0
	p.nextRun = nil
	return nil
}

// Interrupt requests that the in-flight run stop at the next item
// boundary. On a policy with no active run it clears any armed
// schedule instead.
func (p *Policy) Interrupt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusRunning && p.stop != nil {
		select {
		case <-p.stop:
		default:
			close(p.stop)
		}
		return
	}
	p.nextRun = nil
}

// CancelScheduledRun disarms a pending scheduled start. It reports
// whether anything was cancelled.
func (p *Policy) CancelScheduledRun() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != StatusRunning && p.nextRun != nil {
		p.nextRun = nil
		return true
	}
	return false
}

// EntrySink receives each produced file, in order, while a run is in
// flight.
type EntrySink func(ctx context.Context, e archive.Entry) error

// Result summarizes a completed run.
type Result struct {
	Interrupted bool
	Transferred int
	Processed   int
}

// Begin claims the policy for a run: the account handle is verified and
// the status flips to RUNNING in a single critical section, so exactly
// one of any number of concurrent claims succeeds. Every successful
// Begin must be followed by Execute.
func (p *Policy) Begin() error {
	if p.AuthState() != AuthAuthenticated {
		return fmt.Errorf("policy %s: %w", p.name, ErrNotAuthenticated)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusRunning {
		return fmt.Errorf("policy %s: %w", p.name, ErrAlreadyRunning)
	}
	p.status = StatusRunning
	p.progress = 0
	p.nextRun = nil
	p.stop = make(chan struct{})
	return nil
}

// Execute performs a run claimed by Begin and drives the terminal
// transitions: STOPPED on completion or interrupt, ERRORED on failure.
// Progress resets to zero either way. An interval arms the next
// scheduled start unless the run errored.
func (p *Policy) Execute(ctx context.Context, logger *slog.Logger, sink EntrySink) (Result, error) {
	res, err := p.run(ctx, logger, sink)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stop = nil
	p.progress = 0
	if err != nil {
		p.status = StatusErrored
		return res, fmt.Errorf("policy %s: %w", p.name, err)
	}
	p.status = StatusStopped
	if p.cfg.Interval != "" {
		next, nerr := schedule.Next(p.cfg.Interval, time.Now())
		if nerr == nil {
			p.nextRun = &next
		}
	}
	return res, nil
}

// Run claims and executes the policy in one call.
func (p *Policy) Run(ctx context.Context, logger *slog.Logger, sink EntrySink) (Result, error) {
	if err := p.Begin(); err != nil {
		return Result{}, err
	}
	return p.Execute(ctx, logger, sink)
}

func (p *Policy) setProgress(pct int) {
	p.mu.Lock()
	p.progress = pct
	p.mu.Unlock()
}

// Snapshot is the externally visible view of a policy, shaped for the
// transport.
type Snapshot struct {
	Name          string     `json:"name"`
	Status        Status     `json:"status"`
	Progress      int        `json:"progress"`
	Authenticated bool       `json:"authenticated"`
	AwaitingCode  bool       `json:"waiting_mfa"`
	Scheduled     bool       `json:"scheduled"`
	NextRunTime   *time.Time `json:"next_run_time,omitempty"`
	Config
}

/// Snapshot captures the current state atomically enough for reporting:
// config, status, and progress are read under one lock, the auth state
// is derived from the pool afterward.
func (p *Policy) Snapshot() Snapshot {
	p.mu.Lock()
	s := Snapshot{
		Name:     p.name,
		Status:   p.status,
		Progress: p.progress,
		Config:   p.cfg,
	}
	if p.nextRun != nil {
		t := *p.nextRun
		s.NextRunTime = &t
		s.Scheduled = true
	}
	p.mu.Unlock()

	switch p.AuthState() {
	case AuthAuthenticated:
		s.Authenticated = true
	case AuthAwaitingCode:
		s.AwaitingCode = true
	}
	return s
}
