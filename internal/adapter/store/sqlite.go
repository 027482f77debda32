// Package store persists background task and mission snapshots to SQLite.
// Live mission state never touches it; the supervisor writes snapshots when
// work finishes and the CLI reads them back.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/domain"
)

// SQLiteStore keeps background tasks and mission summaries across restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteStore.New", domain.ErrStorage, err.Error())
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, domain.NewDomainError("SQLiteStore.New", domain.ErrStorage, fmt.Sprintf("pragma: %v", err))
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, domain.NewDomainError("SQLiteStore.New", domain.ErrStorage, fmt.Sprintf("migrate: %v", err))
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveTask upserts a background task snapshot. created_at survives updates.
func (s *SQLiteStore) SaveTask(ctx context.Context, task domain.BackgroundTask) error {
	plan, err := json.Marshal(task.Plan)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SaveTask", domain.ErrStorage, fmt.Sprintf("marshal plan: %v", err))
	}
	progress, err := json.Marshal(task.ProgressLog)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SaveTask", domain.ErrStorage, fmt.Sprintf("marshal progress: %v", err))
	}

	const upsert = `
		INSERT INTO background_tasks (id, description, status, plan, progress, result, mission_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			status      = excluded.status,
			plan        = excluded.plan,
			progress    = excluded.progress,
			result      = excluded.result,
			mission_id  = excluded.mission_id,
			updated_at  = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, upsert,
		task.ID,
		task.Description,
		string(task.Status),
		string(plan),
		string(progress),
		task.Result,
		task.MissionID,
		task.CreatedAt.UTC().Format(time.RFC3339Nano),
		task.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SaveTask", domain.ErrStorage, err.Error())
	}
	return nil
}

// GetTask returns one stored task by id.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.BackgroundTask, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, description, status, plan, progress, result, mission_id, created_at, updated_at FROM background_tasks WHERE id = ?", id)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("store", "GetTask", domain.ErrNotFound, id)
		}
		return nil, domain.NewDomainError("SQLiteStore.GetTask", domain.ErrStorage, err.Error())
	}
	return task, nil
}

// ListTasks returns stored tasks, newest first. limit <= 0 means all.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]domain.BackgroundTask, error) {
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, description, status, plan, progress, result, mission_id, created_at, updated_at FROM background_tasks ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteStore.ListTasks", domain.ErrStorage, err.Error())
	}
	defer rows.Close()

	var tasks []domain.BackgroundTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.NewDomainError("SQLiteStore.ListTasks", domain.ErrStorage, err.Error())
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("SQLiteStore.ListTasks", domain.ErrStorage, err.Error())
	}
	return tasks, nil
}

// SaveMission upserts a mission summary.
func (s *SQLiteStore) SaveMission(ctx context.Context, summary domain.MissionSummary) error {
	states, err := json.Marshal(summary.TaskStates)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SaveMission", domain.ErrStorage, fmt.Sprintf("marshal task states: %v", err))
	}
	results, err := json.Marshal(summary.Results)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SaveMission", domain.ErrStorage, fmt.Sprintf("marshal results: %v", err))
	}

	const upsert = `
		INSERT INTO mission_summaries (id, description, status, task_states, results, synthesis, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			status      = excluded.status,
			task_states = excluded.task_states,
			results     = excluded.results,
			synthesis   = excluded.synthesis,
			finished_at = excluded.finished_at
	`
	_, err = s.db.ExecContext(ctx, upsert,
		summary.ID,
		summary.Description,
		string(summary.Status),
		string(states),
		string(results),
		summary.Synthesis,
		summary.CreatedAt.UTC().Format(time.RFC3339Nano),
		summary.FinishedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteStore.SaveMission", domain.ErrStorage, err.Error())
	}
	return nil
}

// GetMission returns one stored mission summary by id.
func (s *SQLiteStore) GetMission(ctx context.Context, id string) (*domain.MissionSummary, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, description, status, task_states, results, synthesis, created_at, finished_at FROM mission_summaries WHERE id = ?", id)

	summary, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("store", "GetMission", domain.ErrNotFound, id)
		}
		return nil, domain.NewDomainError("SQLiteStore.GetMission", domain.ErrStorage, err.Error())
	}
	return summary, nil
}

// ListMissions returns stored mission summaries, newest first. limit <= 0
// means all.
func (s *SQLiteStore) ListMissions(ctx context.Context, limit int) ([]domain.MissionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, description, status, task_states, results, synthesis, created_at, finished_at FROM mission_summaries ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, domain.NewDomainError("SQLiteStore.ListMissions", domain.ErrStorage, err.Error())
	}
	defer rows.Close()

	var summaries []domain.MissionSummary
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, domain.NewDomainError("SQLiteStore.ListMissions", domain.ErrStorage, err.Error())
		}
		summaries = append(summaries, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDomainError("SQLiteStore.ListMissions", domain.ErrStorage, err.Error())
	}
	return summaries, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (*domain.BackgroundTask, error) {
	var t domain.BackgroundTask
	var status, planStr, progressStr, createdStr, updatedStr string
	if err := sc.Scan(&t.ID, &t.Description, &status, &planStr, &progressStr, &t.Result, &t.MissionID, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	t.Status = domain.BackgroundStatus(status)
	if err := json.Unmarshal([]byte(planStr), &t.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if err := json.Unmarshal([]byte(progressStr), &t.ProgressLog); err != nil {
		return nil, fmt.Errorf("unmarshal progress: %w", err)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &t, nil
}

func scanMission(sc scanner) (*domain.MissionSummary, error) {
	var m domain.MissionSummary
	var status, statesStr, resultsStr, createdStr, finishedStr string
	if err := sc.Scan(&m.ID, &m.Description, &status, &statesStr, &resultsStr, &m.Synthesis, &createdStr, &finishedStr); err != nil {
		return nil, err
	}
	m.Status = domain.MissionStatus(status)
	if err := json.Unmarshal([]byte(statesStr), &m.TaskStates); err != nil {
		return nil, fmt.Errorf("unmarshal task states: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsStr), &m.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	m.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr)
	return &m, nil
}
