// Package runstore persists pipeline runs, their logs and coordinator sessions in SQLite.
package runstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/autodev-orchestrator/internal/domain"
)

// ErrNotTerminal is returned when archiving a run that has not finished
var ErrNotTerminal = errors.New("run is not in a terminal state")

const timeLayout = time.RFC3339Nano

// Store provides SQLite-backed run persistence
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath and applies migrations
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection: writers are serialized and :memory: databases stay shared
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		if _, err := db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun checkpoints a run. Log entries not yet persisted are appended to the
// run's log table; everything else is replaced.
func (s *Store) SaveRun(run *domain.PipelineRun) error {
	body := run.Clone()
	body.Logs = nil
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, project_id, state, phase, mode, archived, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			state = excluded.state,
			phase = excluded.phase,
			mode = excluded.mode,
			archived = excluded.archived,
			data = excluded.data,
			updated_at = excluded.updated_at
	`,
		run.ID,
		run.ProjectID,
		string(run.State),
		int(run.Phase),
		string(run.Mode),
		run.Archived,
		string(data),
		run.CreatedAt.Format(timeLayout),
		time.Now().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}

	var stored int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM run_logs WHERE run_id = ?`, run.ID).Scan(&stored); err != nil {
		return err
	}
	if stored < len(run.Logs) {
		if err := appendLogs(tx, run.ID, stored, run.Logs[stored:]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func appendLogs(tx *sql.Tx, runID string, firstSeq int, entries []domain.LogEntry) error {
	stmt, err := tx.Prepare(`
		INSERT INTO run_logs (run_id, seq, timestamp, level, phase, task_id, agent_id, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, e := range entries {
		if _, err := stmt.Exec(runID, firstSeq+i, e.Timestamp.Format(timeLayout), string(e.Level), int(e.Phase), e.TaskID, e.AgentID, e.Message); err != nil {
			return fmt.Errorf("appending log for run %s: %w", runID, err)
		}
	}
	return nil
}

// LogOptions selects a window of a run's log
type LogOptions struct {
	// AfterSeq returns only entries with a larger sequence number; -1 for all
	AfterSeq int
	Level    domain.LogLevel
	Limit    int
}

// LogRecord is a persisted log entry with its sequence number
type LogRecord struct {
	Seq int `json:"seq"`
	domain.LogEntry
}

// ListLogs returns a run's log entries in order
func (s *Store) ListLogs(runID string, opts LogOptions) ([]LogRecord, error) {
	query := `SELECT seq, timestamp, level, phase, task_id, agent_id, message FROM run_logs WHERE run_id = ? AND seq > ?`
	args := []interface{}{runID, opts.AfterSeq}
	if opts.Level != "" {
		query += " AND level = ?"
		args = append(args, string(opts.Level))
	}
	query += " ORDER BY seq"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []LogRecord
	for rows.Next() {
		var rec LogRecord
		var ts, level string
		var phase int
		var taskID, agentID sql.NullString
		if err := rows.Scan(&rec.Seq, &ts, &level, &phase, &taskID, &agentID, &rec.Message); err != nil {
			return nil, err
		}
		rec.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing log timestamp: %w", err)
		}
		rec.Level = domain.LogLevel(level)
		rec.Phase = domain.Phase(phase)
		rec.TaskID = taskID.String
		rec.AgentID = agentID.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRun loads a run including its full log
func (s *Store) GetRun(id string) (*domain.PipelineRun, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	run, err := decodeRun(data)
	if err != nil {
		return nil, err
	}
	if err := s.loadLogs(run); err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) loadLogs(run *domain.PipelineRun) error {
	records, err := s.ListLogs(run.ID, LogOptions{AfterSeq: -1})
	if err != nil {
		return err
	}
	run.Logs = make([]domain.LogEntry, len(records))
	for i, r := range records {
		run.Logs[i] = r.LogEntry
	}
	return nil
}

func decodeRun(data string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	if run.CompletedPhases == nil {
		run.CompletedPhases = domain.PhaseSet{}
	}
	return &run, nil
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	ProjectID       string
	State           domain.RunState
	IncludeArchived bool
	Limit           int
}

// ListRuns returns runs newest first. Logs are not loaded.
func (s *Store) ListRuns(opts ListOptions) ([]*domain.PipelineRun, error) {
	query := `SELECT data FROM runs WHERE 1=1`
	var args []interface{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.State != "" {
		query += " AND state = ?"
		args = append(args, string(opts.State))
	}
	if !opts.IncludeArchived {
		query += " AND archived = FALSE"
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return s.queryRuns(query, args...)
}

// LoadInterruptedRuns returns every run whose persisted state is active,
// i.e. the process stopped while the run was in flight. Logs are loaded.
func (s *Store) LoadInterruptedRuns() ([]*domain.PipelineRun, error) {
	active := []domain.RunState{domain.RunDecomposing, domain.RunExecuting, domain.RunBuilding, domain.RunHealing}
	placeholders := make([]string, len(active))
	args := make([]interface{}, len(active))
	for i, st := range active {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := `SELECT data FROM runs WHERE state IN (` + strings.Join(placeholders, ", ") + `) ORDER BY created_at`

	runs, err := s.queryRuns(query, args...)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if err := s.loadLogs(r); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *Store) queryRuns(query string, args ...interface{}) ([]*domain.PipelineRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.PipelineRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		run, err := decodeRun(data)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ArchiveRun flags a terminal run as archived. Runs are never deleted.
func (s *Store) ArchiveRun(id string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if !run.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, run.State)
	}
	if run.Archived {
		return nil
	}
	run.Archived = true
	return s.SaveRun(run)
}

// SaveSession stores a coordinator session snapshot
func (s *Store) SaveSession(session *domain.OrchestratorSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, run_id, status, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, session.ID, session.RunID, string(session.Status), string(data), time.Now().Format(timeLayout))
	return err
}

// GetSession loads a coordinator session
func (s *Store) GetSession(id string) (*domain.OrchestratorSession, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var session domain.OrchestratorSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &session, nil
}
