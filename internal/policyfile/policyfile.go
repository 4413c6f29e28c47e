// Package policyfile persists each identity's policy list as a TOML
// document on disk. The file is the durable source of truth: it is
// rewritten after every mutation and read back whole on reconnect.
package policyfile

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/photopd/photopd/internal/policy"
)

// Entry pairs a policy name with its configuration, matching one
// [[policy]] table in the document.
type Entry struct {
	Name          string `toml:"name"`
	policy.Config        // flattened into the same table
}

type document struct {
	Policies []Entry `toml:"policy"`
}

// Store reads and writes per-identity policy documents under one
// directory. All methods are safe for concurrent use.
type Store struct {
	mu  sync.Mutex
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create policy directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(identity string) string {
	return filepath.Join(s.dir, url.PathEscape(identity)+".toml")
}

// Load reads the identity's document. A missing file is an empty list.
// Any parse or validation failure rejects the whole document; no
// partial list is ever returned.
func (s *Store) Load(identity string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(identity))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read policy file for %s: %w", identity, err)
	}

	var doc document
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file for %s: %w", identity, err)
	}
	seen := make(map[string]bool, len(doc.Policies))
	for i, e := range doc.Policies {
		if e.Name == "" {
			return nil, fmt.Errorf("policy file for %s: entry %d has no name", identity, i+1)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("policy file for %s: duplicate policy %q", identity, e.Name)
		}
		seen[e.Name] = true
	}
	return doc.Policies, nil
}

// Save atomically replaces the identity's document with entries. The
// document is written to a temporary file and renamed into place so a
// crash mid-write never truncates the previous version.
func (s *Store) Save(identity string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, ".policies-*.toml")
	if err != nil {
		return fmt.Errorf("create temp policy file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(document{Policies: entries}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode policy file for %s: %w", identity, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write policy file for %s: %w", identity, err)
	}
	if err := os.Rename(tmp.Name(), s.path(identity)); err != nil {
		return fmt.Errorf("replace policy file for %s: %w", identity, err)
	}
	return nil
}
