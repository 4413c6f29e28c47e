package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Run statuses as recorded in history.
const (
	RunStatusRunning     = "running"
	RunStatusCompleted   = "completed"
	RunStatusInterrupted = "interrupted"
	RunStatusFailed      = "failed"
)

// Run is one recorded policy execution.
type Run struct {
	ID           int64      `json:"id"`
	Identity     string     `json:"-"`
	Policy       string     `json:"policy"`
	Account      string     `json:"account"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Transferred  int        `json:"transferred"`
	Processed    int        `json:"processed"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type RunStore struct {
	db *sql.DB
}

func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Begin records the start of a run and returns its row.
func (s *RunStore) Begin(identity, policy, account string) (*Run, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO runs (identity, policy, account, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		identity, policy, account, RunStatusRunning, now,
	)
	if err != nil {
		return nil, fmt.Errorf("begin run: %w", err)
	}
	id, _ := result.LastInsertId()
	return &Run{
		ID:        id,
		Identity:  identity,
		Policy:    policy,
		Account:   account,
		Status:    RunStatusRunning,
		StartedAt: now,
	}, nil
}

// Finish closes out a run with its outcome.
func (s *RunStore) Finish(id int64, status, errMsg string, transferred, processed int) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, error_message = ?, transferred = ?, processed = ?, finished_at = ?
		 WHERE id = ?`,
		status, errMsg, transferred, processed, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %d: no such run", id)
	}
	return nil
}

// ListByPolicy returns the most recent runs of one policy, newest first.
func (s *RunStore) ListByPolicy(identity, policy string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, identity, policy, account, status, error_message, transferred, processed, started_at, finished_at
		 FROM runs WHERE identity = ? AND policy = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		identity, policy, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", policy, err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Identity, &r.Policy, &r.Account, &r.Status, &r.ErrorMessage,
			&r.Transferred, &r.Processed, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Prune deletes history older than the cutoff.
func (s *RunStore) Prune(before time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
