// Package jobstore is the durable snapshot of scheduler jobs, keyed by
// job id: migrate-on-open schema plus plain sqlx queries, backed by
// SQLite and resilient to the DB file disappearing mid-process.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/forgecanvas/comfybroker/internal/apperr"
	"github.com/forgecanvas/comfybroker/internal/domain"
)

// Store is the sqlx handle plus the path needed to re-open after the
// underlying file is deleted out from under the process.
type Store struct {
	db   *sqlx.DB
	path string
}

// New opens (creating if absent) the SQLite file at path and runs
// migrations.
func New(path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

func open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, apperr.New(apperr.IOError, "open job store db", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperr.New(apperr.IOError, "ping job store db", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, apperr.New(apperr.Internal, "migrate job store", err)
	}
	return db, nil
}

func migrate(db *sqlx.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress REAL NOT NULL DEFAULT 0,
			payload TEXT NOT NULL DEFAULT '{}',
			result TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			ended_at INTEGER,
			artifact_available INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner_id, created_at DESC);
	`)
	return err
}

type jobRow struct {
	ID                 string  `db:"id"`
	OwnerID            string  `db:"owner_id"`
	Type               string  `db:"type"`
	Status             string  `db:"status"`
	Progress           float64 `db:"progress"`
	Payload            string  `db:"payload"`
	Result             string  `db:"result"`
	Error              string  `db:"error"`
	CreatedAt          int64   `db:"created_at"`
	StartedAt          *int64  `db:"started_at"`
	EndedAt            *int64  `db:"ended_at"`
	ArtifactAvailable  bool    `db:"artifact_available"`
}

// UpsertJob writes snapshot, recomputing artifact_available by
// stat-ing the filesystem path in result.image_path, if present.
// Transparently reopens the DB once if it was deleted out from under
// the process.
func (s *Store) UpsertJob(job *domain.Job) error {
	return s.withRetry(func() error {
		row, err := toRow(job)
		if err != nil {
			return apperr.New(apperr.Internal, "marshal job snapshot", err)
		}

		_, err = s.db.NamedExec(`
			INSERT INTO jobs
				(id, owner_id, type, status, progress, payload, result, error,
				 created_at, started_at, ended_at, artifact_available)
			VALUES
				(:id, :owner_id, :type, :status, :progress, :payload, :result, :error,
				 :created_at, :started_at, :ended_at, :artifact_available)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				progress = excluded.progress,
				result = excluded.result,
				error = excluded.error,
				started_at = excluded.started_at,
				ended_at = excluded.ended_at,
				artifact_available = excluded.artifact_available
		`, row)
		if err != nil {
			return apperr.New(apperr.IOError, "upsert job", err)
		}
		return nil
	})
}

// FetchRecent returns the most recent limit jobs by created_at
// descending.
func (s *Store) FetchRecent(limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := s.withRetry(func() error {
		var rows []jobRow
		if err := s.db.Select(&rows, `SELECT * FROM jobs ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
			return apperr.New(apperr.IOError, "fetch recent jobs", err)
		}
		jobs = make([]domain.Job, 0, len(rows))
		for _, r := range rows {
			job, err := fromRow(r)
			if err != nil {
				continue
			}
			jobs = append(jobs, *job)
		}
		return nil
	})
	return jobs, err
}

// Sweep recomputes artifact_available for the newest limit rows by
// stat-ing each one's result.image_path, for manual reconciliation
// after filesystem changes made outside the normal write path.
func (s *Store) Sweep(limit int) (int, error) {
	updated := 0
	err := s.withRetry(func() error {
		var rows []jobRow
		if err := s.db.Select(&rows, `SELECT * FROM jobs ORDER BY created_at DESC LIMIT ?`, limit); err != nil {
			return apperr.New(apperr.IOError, "sweep fetch", err)
		}
		for _, r := range rows {
			available := artifactAvailable(r.Result)
			if available == r.ArtifactAvailable {
				continue
			}
			if _, err := s.db.Exec(`UPDATE jobs SET artifact_available = ? WHERE id = ?`, available, r.ID); err != nil {
				return apperr.New(apperr.IOError, "sweep update", err)
			}
			updated++
		}
		return nil
	})
	return updated, err
}

func artifactAvailable(resultJSON string) bool {
	var result map[string]any
	if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
		return false
	}
	path, _ := result["image_path"].(string)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// withRetry runs fn, and if it fails because the database file is
// gone, reopens the handle (re-running migrations) and retries fn
// exactly once.
func (s *Store) withRetry(fn func() error) error {
	err := fn()
	if err == nil || !dbGone(s.path) {
		return err
	}

	db, reopenErr := open(s.path)
	if reopenErr != nil {
		return err
	}
	_ = s.db.Close()
	s.db = db
	return fn()
}

func dbGone(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}

func toRow(job *domain.Job) (jobRow, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return jobRow{}, err
	}
	result, err := json.Marshal(job.Result)
	if err != nil {
		return jobRow{}, err
	}

	row := jobRow{
		ID:                job.ID,
		OwnerID:           job.OwnerID,
		Type:              string(job.Type),
		Status:            string(job.Status),
		Progress:          job.Progress,
		Payload:           string(payload),
		Result:            string(result),
		Error:             job.Error,
		CreatedAt:         job.CreatedAt.Unix(),
		ArtifactAvailable: artifactAvailable(string(result)),
	}
	if job.StartedAt != nil {
		t := job.StartedAt.Unix()
		row.StartedAt = &t
	}
	if job.EndedAt != nil {
		t := job.EndedAt.Unix()
		row.EndedAt = &t
	}
	return row, nil
}

func fromRow(r jobRow) (*domain.Job, error) {
	job := &domain.Job{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Type:      domain.JobType(r.Type),
		Status:    domain.JobStatus(r.Status),
		Progress:  r.Progress,
		Error:     r.Error,
		CreatedAt: time.Unix(r.CreatedAt, 0).UTC(),
	}
	if err := json.Unmarshal([]byte(r.Payload), &job.Payload); err != nil {
		return nil, err
	}
	if r.Result != "" {
		_ = json.Unmarshal([]byte(r.Result), &job.Result)
	}
	if r.StartedAt != nil {
		t := time.Unix(*r.StartedAt, 0).UTC()
		job.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := time.Unix(*r.EndedAt, 0).UTC()
		job.EndedAt = &t
	}
	return job, nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(id string) (*domain.Job, error) {
	var job *domain.Job
	err := s.withRetry(func() error {
		var row jobRow
		err := s.db.Get(&row, `SELECT * FROM jobs WHERE id = ?`, id)
		if err == sql.ErrNoRows {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return apperr.New(apperr.IOError, "get job", err)
		}
		j, convErr := fromRow(row)
		if convErr != nil {
			return apperr.New(apperr.Internal, "decode job row", convErr)
		}
		job = j
		return nil
	})
	return job, err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
