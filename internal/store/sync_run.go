package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/premiumsync/internal/model"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const syncRunColumns = `id, source, status, reason, patrons, evaluated, granted, revoked, removed, cleared, role_errors, started_at, finished_at`

// SyncRunStore keeps the history of sync passes.
type SyncRunStore struct {
	db *sql.DB
}

func NewSyncRunStore(db *sql.DB) *SyncRunStore {
	return &SyncRunStore{db: db}
}

func (s *SyncRunStore) Record(run model.SyncRun) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_runs (`+syncRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Trigger), string(run.Status), run.Reason,
		run.Patrons, run.Evaluated, run.Granted, run.Revoked, run.Removed, run.Cleared, run.RoleErrors,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record sync run %s: %w", run.ID, err)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (s *SyncRunStore) List(limit int) ([]model.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LatestCompleted returns the newest completed run, or nil if there is none.
func (s *SyncRunStore) LatestCompleted() (*model.SyncRun, error) {
	row := s.db.QueryRow(
		`SELECT `+syncRunColumns+` FROM sync_runs WHERE status = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`,
		string(model.SyncStatusCompleted),
	)
	run, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSyncRun(sc scanner) (*model.SyncRun, error) {
	var run model.SyncRun
	var trigger, status, started, finished string
	err := sc.Scan(
		&run.ID, &trigger, &status, &run.Reason,
		&run.Patrons, &run.Evaluated, &run.Granted, &run.Revoked, &run.Removed, &run.Cleared, &run.RoleErrors,
		&started, &finished,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync run: %w", err)
	}
	run.Trigger = model.SyncTrigger(trigger)
	run.Status = model.SyncStatus(status)
	if run.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if run.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}
	return &run, nil
}

// Prune deletes runs that started before cutoff and returns how many went.
func (s *SyncRunStore) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sync_runs WHERE started_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune sync runs: %w", err)
	}
	return res.RowsAffected()
}
