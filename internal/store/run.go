package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// RunKind is the operation a run performed.
type RunKind string

const (
	RunKindTrain    RunKind = "train"
	RunKindPredict  RunKind = "predict"
	RunKindEvaluate RunKind = "evaluate"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one recorded engine invocation. Params and Metrics hold JSON
// documents as produced by the caller.
type Run struct {
	ID             string          `json:"id"`
	Kind           RunKind         `json:"kind"`
	Status         RunStatus       `json:"status"`
	Engine         string          `json:"engine"`
	ModelPath      string          `json:"model_path"`
	DescriptorPath string          `json:"descriptor_path,omitempty"`
	ImagePath      string          `json:"image_path,omitempty"`
	Params         json.RawMessage `json:"params"`
	Metrics        json.RawMessage `json:"metrics"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// RunRepository provides CRUD operations for runs.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

// Create inserts r as a running run, assigning an ID when r has none.
func (r *RunRepository) Create(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = RunStatusRunning
	run.StartedAt = time.Now().UTC()
	run.FinishedAt = nil

	_, err := r.db.Exec(
		`INSERT INTO runs (id, kind, status, engine, model_path, descriptor_path, image_path, params, metrics, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), string(run.Status), run.Engine, run.ModelPath,
		run.DescriptorPath, run.ImagePath, jsonText(run.Params), jsonText(run.Metrics),
		run.Error, run.StartedAt,
	)
	return err
}

// Finish marks run as succeeded and stores its model path and metrics.
func (r *RunRepository) Finish(run *Run) error {
	run.Status = RunStatusSucceeded
	run.Error = ""
	return r.complete(run)
}

// Fail marks run as failed with cause.
func (r *RunRepository) Fail(run *Run, cause error) error {
	run.Status = RunStatusFailed
	if cause != nil {
		run.Error = cause.Error()
	}
	return r.complete(run)
}

func (r *RunRepository) complete(run *Run) error {
	now := time.Now().UTC()
	run.FinishedAt = &now

	result, err := r.db.Exec(
		`UPDATE runs SET status = ?, model_path = ?, metrics = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		string(run.Status), run.ModelPath, jsonText(run.Metrics), run.Error, now, run.ID,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

const runColumns = `id, kind, status, engine, model_path, descriptor_path, image_path, params, metrics, error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var kind, status, params, metrics string
	var finished sql.NullTime

	err := row.Scan(&run.ID, &kind, &status, &run.Engine, &run.ModelPath, &run.DescriptorPath,
		&run.ImagePath, &params, &metrics, &run.Error, &run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.Kind = RunKind(kind)
	run.Status = RunStatus(status)
	run.Params = json.RawMessage(params)
	run.Metrics = json.RawMessage(metrics)
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// List retrieves the most recent runs first. A limit of zero or less returns
// every run.
func (r *RunRepository) List(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := r.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// Delete removes a run and its detections.
func (r *RunRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
