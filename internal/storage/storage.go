package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"imgreg/internal/transform"
)

// Store wraps SQLite-backed persistence for jobs and fit history.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS registration_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS fit_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            pair_name TEXT NOT NULL,
            source_path TEXT,
            target_path TEXT,
            transform_type TEXT NOT NULL,
            point_count INTEGER NOT NULL,
            rmse REAL NOT NULL,
            matrix_json TEXT NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS pair_sets (
            id TEXT PRIMARY KEY,
            strategy TEXT NOT NULL,
            source_dir TEXT NOT NULL,
            target_dir TEXT NOT NULL,
            pair_count INTEGER NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_fit_results_pair_name ON fit_results(pair_name);`,
		`CREATE INDEX IF NOT EXISTS idx_registration_jobs_status ON registration_jobs(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FitRecord captures one fitted transform.
type FitRecord struct {
	ID            int64
	PairName      string
	SourcePath    string
	TargetPath    string
	TransformType string
	PointCount    int
	RMSE          float64
	Matrix        transform.Matrix
	CreatedAt     time.Time
}

// PairSetRecord captures one directory-matching run.
type PairSetRecord struct {
	ID        string
	Strategy  string
	SourceDir string
	TargetDir string
	PairCount int
	CreatedAt time.Time
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO registration_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE registration_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE registration_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM registration_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordFit persists one fitted transform.
func (s *Store) RecordFit(rec FitRecord) error {
	if s == nil {
		return nil
	}
	matrixJSON, err := json.Marshal(rec.Matrix)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO fit_results (pair_name, source_path, target_path, transform_type, point_count, rmse, matrix_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.PairName, rec.SourcePath, rec.TargetPath, rec.TransformType, rec.PointCount, rec.RMSE, string(matrixJSON))
	return err
}

// FitHistory returns past fits for a pair, newest first.
func (s *Store) FitHistory(pairName string, limit int) ([]FitRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, pair_name, source_path, target_path, transform_type, point_count, rmse, matrix_json, created_at FROM fit_results WHERE pair_name=? ORDER BY created_at DESC, id DESC LIMIT ?;`, pairName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []FitRecord
	for rows.Next() {
		var rec FitRecord
		var matrixJSON string
		if err := rows.Scan(&rec.ID, &rec.PairName, &rec.SourcePath, &rec.TargetPath, &rec.TransformType, &rec.PointCount, &rec.RMSE, &matrixJSON, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(matrixJSON), &rec.Matrix); err != nil {
			return nil, fmt.Errorf("unmarshal matrix: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// RecordPairSet persists one directory-matching run and returns its ID.
func (s *Store) RecordPairSet(strategy, sourceDir, targetDir string, pairCount int) (string, error) {
	if s == nil {
		return "", nil
	}
	id := uuid.NewString()
	_, err := s.DB.Exec(`INSERT INTO pair_sets (id, strategy, source_dir, target_dir, pair_count) VALUES (?, ?, ?, ?, ?);`,
		id, strategy, sourceDir, targetDir, pairCount)
	if err != nil {
		return "", err
	}
	return id, nil
}

// PairSets returns recorded matching runs, newest first.
func (s *Store) PairSets(limit int) ([]PairSetRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, strategy, source_dir, target_dir, pair_count, created_at FROM pair_sets ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PairSetRecord
	for rows.Next() {
		var rec PairSetRecord
		if err := rows.Scan(&rec.ID, &rec.Strategy, &rec.SourceDir, &rec.TargetDir, &rec.PairCount, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
