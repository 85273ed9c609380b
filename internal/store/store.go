package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Upload states recorded per evidence row.
const (
	UploadPending   = "pending"
	UploadDone      = "uploaded"
	UploadFailed    = "failed"
	UploadLocalOnly = "local-only"
)

// ErrNotFound is returned when no evidence row has the requested ID.
var ErrNotFound = errors.New("evidence not found")

// Evidence is one ledger row: a finalized bundle and what happened to it afterwards.
type Evidence struct {
	ID            string
	SessionID     string
	CameraID      string
	Reason        string
	Quality       float64
	FraudAttempts int
	FacePath      string
	FullPath      string
	FaceURL       string
	FullURL       string
	UploadStatus  string
	UploadError   string
	Label         string
	CapturedAt    time.Time
	NotifiedAt    *time.Time
	CreatedAt     time.Time
}

// Store manages the PostgreSQL evidence ledger. The pool is shared by the dispatch workers.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the ledger table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS evidence_events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			camera_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			quality DOUBLE PRECISION NOT NULL,
			fraud_attempts INT NOT NULL DEFAULT 0,
			face_path TEXT NOT NULL,
			full_path TEXT NOT NULL,
			face_url TEXT,
			full_url TEXT,
			upload_status TEXT NOT NULL DEFAULT 'pending',
			upload_error TEXT,
			label TEXT,
			captured_at TIMESTAMPTZ NOT NULL,
			notified_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS evidence_events_camera_captured_idx ON evidence_events (camera_id, captured_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases every pooled connection.
func (s *Store) Close() {
	s.pool.Close()
}

// InsertEvidence records a freshly written bundle. Inserting the same ID twice is a no-op.
func (s *Store) InsertEvidence(ctx context.Context, e Evidence) error {
	status := e.UploadStatus
	if status == "" {
		status = UploadPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence_events
			(id, session_id, camera_id, reason, quality, fraud_attempts, face_path, full_path, upload_status, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.SessionID, e.CameraID, e.Reason, e.Quality, e.FraudAttempts, e.FacePath, e.FullPath, status, e.CapturedAt)
	return err
}

// MarkUploaded stores the remote locations of both assets.
func (s *Store) MarkUploaded(ctx context.Context, id, faceURL, fullURL string) error {
	return s.exec(ctx, `
		UPDATE evidence_events
		SET upload_status = $2, face_url = $3, full_url = $4, upload_error = NULL
		WHERE id = $1
	`, id, UploadDone, faceURL, fullURL)
}

// MarkUploadFailed records why the upload gave up. The local copy is still authoritative.
func (s *Store) MarkUploadFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.exec(ctx, `
		UPDATE evidence_events SET upload_status = $2, upload_error = $3 WHERE id = $1
	`, id, UploadFailed, msg)
}

// MarkNotified stamps the time the alert went out.
func (s *Store) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE evidence_events SET notified_at = $2 WHERE id = $1`, id, at)
}

// LabelEvidence attaches a reviewer verdict (e.g. "authorized", "intruder").
func (s *Store) LabelEvidence(ctx context.Context, id, label string) error {
	return s.exec(ctx, `UPDATE evidence_events SET label = $2 WHERE id = $1`, id, label)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %v", ErrNotFound, args[0])
	}
	return nil
}

// ListFilter narrows ListEvidence. Zero values mean "any".
type ListFilter struct {
	CameraID     string
	UploadStatus string
	Since        time.Time
	Limit        int
}

const selectEvidence = `
	SELECT id, session_id, camera_id, reason, quality, fraud_attempts, face_path, full_path,
		COALESCE(face_url, ''), COALESCE(full_url, ''), upload_status, COALESCE(upload_error, ''),
		COALESCE(label, ''), captured_at, notified_at, created_at
	FROM evidence_events`

// ListEvidence returns matching rows, newest capture first.
func (s *Store) ListEvidence(ctx context.Context, f ListFilter) ([]Evidence, error) {
	var (
		where []string
		args  []any
	)
	if f.CameraID != "" {
		args = append(args, f.CameraID)
		where = append(where, fmt.Sprintf("camera_id = $%d", len(args)))
	}
	if f.UploadStatus != "" {
		args = append(args, f.UploadStatus)
		where = append(where, fmt.Sprintf("upload_status = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("captured_at >= $%d", len(args)))
	}

	query := selectEvidence
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY captured_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanEvidence)
}

// GetEvidence loads a single row.
func (s *Store) GetEvidence(ctx context.Context, id string) (Evidence, error) {
	rows, err := s.pool.Query(ctx, selectEvidence+" WHERE id = $1", id)
	if err != nil {
		return Evidence{}, err
	}
	e, err := pgx.CollectOneRow(rows, scanEvidence)
	if errors.Is(err, pgx.ErrNoRows) {
		return Evidence{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, err
}

func scanEvidence(row pgx.CollectableRow) (Evidence, error) {
	var e Evidence
	err := row.Scan(&e.ID, &e.SessionID, &e.CameraID, &e.Reason, &e.Quality, &e.FraudAttempts,
		&e.FacePath, &e.FullPath, &e.FaceURL, &e.FullURL, &e.UploadStatus, &e.UploadError,
		&e.Label, &e.CapturedAt, &e.NotifiedAt, &e.CreatedAt)
	return e, err
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS evidence_events CASCADE;`)
	return err
}
