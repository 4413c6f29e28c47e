package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/photopd/photopd/internal/policy"
	"github.com/photopd/photopd/internal/policyfile"
	"github.com/photopd/photopd/internal/pool"
	"github.com/photopd/photopd/internal/provider/providertest"
	"github.com/photopd/photopd/internal/worker"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T, cfg Config) (*Registry, *policyfile.Store, *providertest.Driver) {
	t.Helper()
	store, err := policyfile.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := providertest.NewDriver()
	w := worker.New(2, 0)
	t.Cleanup(w.Close)
	deps := policy.Deps{Dialer: d, Pool: pool.New(), Workers: w}
	return NewRegistry(discard(), store, deps, cfg), store, d
}

func testConfig(t *testing.T) policy.Config {
	t.Helper()
	return policy.Config{
		Account:   "user@example.com",
		Library:   policy.LibraryPersonal,
		Album:     "All Photos",
		Directory: t.TempDir(),
	}
}

func TestAttachHydratesFromDisk(t *testing.T) {
	reg, store, _ := testRegistry(t, Config{})
	cfg := testConfig(t)
	entries := []policyfile.Entry{
		{Name: "first", Config: cfg},
		{Name: "second", Config: cfg},
	}
	if err := store.Save("alice", entries); err != nil {
		t.Fatal(err)
	}

	s, evicted, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if len(evicted) != 0 {
		t.Errorf("evicted %v, want none", evicted)
	}
	got := s.List()
	if len(got) != 2 || got[0].Name() != "first" || got[1].Name() != "second" {
		t.Errorf("hydrated policies out of order: %v", got)
	}
}

func TestAttachSharesSessionAcrossConnections(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{})
	s1, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	s2, _, err := reg.Attach("conn-2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Error("both connections should share one session")
	}
	if conns := reg.Conns("alice"); len(conns) != 2 {
		t.Errorf("conns = %v, want 2", conns)
	}
}

func TestMaxConnectionsEvictsOldest(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{MaxConnections: 2})
	if _, _, err := reg.Attach("conn-1", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.Attach("conn-2", "bob"); err != nil {
		t.Fatal(err)
	}
	_, evicted, err := reg.Attach("conn-3", "carol")
	if err != nil {
		t.Fatal(err)
	}
	if len(evicted) != 1 || evicted[0] != "conn-1" {
		t.Errorf("evicted = %v, want [conn-1]", evicted)
	}
	if _, ok := reg.Lookup("conn-1"); ok {
		t.Error("evicted connection should be detached")
	}
	if _, ok := reg.Lookup("conn-3"); !ok {
		t.Error("new connection should be attached")
	}
}

func TestDetachTearsDownSession(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("job", testConfig(t)); err != nil {
		t.Fatal(err)
	}

	reg.Detach("conn-1")
	if _, ok := reg.Lookup("conn-1"); ok {
		t.Error("connection should be gone")
	}

	// A fresh attach hydrates from disk rather than reusing state.
	s2, _, err := reg.Attach("conn-2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s2 == s {
		t.Error("session should have been torn down and recreated")
	}
	if got := s2.List(); len(got) != 1 || got[0].Name() != "job" {
		t.Errorf("rehydrated policies = %v", got)
	}
}

func TestDetachRetainsSessionWhenConfigured(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{RetainSessions: true})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	reg.Detach("conn-1")

	s2, _, err := reg.Attach("conn-2", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if s2 != s {
		t.Error("session should survive the last disconnect when retained")
	}
}

func TestCreatePersistsAndRejectsDuplicates(t *testing.T) {
	reg, store, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Create("job", testConfig(t)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Create("job", testConfig(t)); !errors.Is(err, ErrPolicyExists) {
		t.Errorf("duplicate create err = %v, want ErrPolicyExists", err)
	}

	entries, err := store.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "job" {
		t.Errorf("persisted entries = %v", entries)
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("job", policy.Config{}); err == nil {
		t.Error("expected validation error for empty config")
	}
	if got := s.List(); len(got) != 0 {
		t.Error("failed create must not leave a policy behind")
	}
}

func TestUpdatePersists(t *testing.T) {
	reg, store, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("job", testConfig(t)); err != nil {
		t.Fatal(err)
	}

	album := "Favorites"
	if _, err := s.Update("job", policy.Update{Album: &album}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	entries, err := store.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Album != "Favorites" {
		t.Errorf("persisted album = %q", entries[0].Album)
	}

	if _, err := s.Update("ghost", policy.Update{Album: &album}); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("err = %v, want ErrPolicyNotFound", err)
	}
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	reg, store, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("keep", testConfig(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("drop", testConfig(t)); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("drop"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	entries, err := store.Load("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "keep" {
		t.Errorf("persisted entries = %v", entries)
	}

	if err := s.Delete("drop"); !errors.Is(err, ErrPolicyNotFound) {
		t.Errorf("err = %v, want ErrPolicyNotFound", err)
	}
}

func TestDeleteCollectsOrphanedHandle(t *testing.T) {
	reg, _, d := testRegistry(t, Config{})
	d.AddAccount("user@example.com", &providertest.FakeAccount{Secret: "s"})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.Create("job", testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Authenticate(context.Background(), "s"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.deps.Pool.Get("user@example.com"); !ok {
		t.Fatal("expected a live handle after authentication")
	}

	if err := s.Delete("job"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.deps.Pool.Get("user@example.com"); ok {
		t.Error("orphaned handle should be collected on delete")
	}
}

func TestReplaceAllAtomic(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("old", testConfig(t)); err != nil {
		t.Fatal(err)
	}

	bad := []policyfile.Entry{
		{Name: "new", Config: testConfig(t)},
		{Name: "broken", Config: policy.Config{}},
	}
	if err := s.ReplaceAll(bad); err == nil {
		t.Fatal("expected validation error")
	}
	if got := s.List(); len(got) != 1 || got[0].Name() != "old" {
		t.Error("failed replacement must leave the current list untouched")
	}

	good := []policyfile.Entry{
		{Name: "a", Config: testConfig(t)},
		{Name: "b", Config: testConfig(t)},
	}
	if err := s.ReplaceAll(good); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	if got := s.List(); len(got) != 2 || got[0].Name() != "a" {
		t.Errorf("replaced list = %v", got)
	}
}

func TestAccountBusy(t *testing.T) {
	reg, _, _ := testRegistry(t, Config{})
	s, _, err := reg.Attach("conn-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create("job", testConfig(t)); err != nil {
		t.Fatal(err)
	}
	if _, busy := reg.AccountBusy("user@example.com"); busy {
		t.Error("idle account should not be busy")
	}
}
