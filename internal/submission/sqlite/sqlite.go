// Package sqlite is a single-node submission store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"wfinterop/internal/apperrors"
	"wfinterop/internal/submission"
)

var (
	_ submission.Store   = (*Store)(nil)
	_ submission.Creator = (*Store)(nil)
)

// Store persists submissions and their status in one table.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path. Use ":memory:" for a
// throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps
	// ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue_id TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			file_path TEXT NOT NULL DEFAULT '',
			docker_repository_name TEXT NOT NULL DEFAULT '',
			docker_digest TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			etag TEXT NOT NULL,
			annotations TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			modified_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_queue_status ON submissions(queue_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateSubmission enqueues a submission in RECEIVED.
func (s *Store) CreateSubmission(ctx context.Context, n submission.NewSubmission) (*submission.Submission, error) {
	if n.QueueID == "" {
		return nil, apperrors.Validation("queueId", "queue ID is required")
	}
	now := s.now().UTC()
	ts := now.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (queue_id, entity_id, file_path, docker_repository_name, docker_digest,
			status, etag, annotations, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		n.QueueID, n.EntityID, n.FilePath, n.DockerRepositoryName, n.DockerDigest,
		string(submission.StateReceived), uuid.NewString(), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert submission: %w", err)
	}
	return &submission.Submission{
		ID:                   strconv.FormatInt(id, 10),
		QueueID:              n.QueueID,
		EntityID:             n.EntityID,
		FilePath:             n.FilePath,
		DockerRepositoryName: n.DockerRepositoryName,
		DockerDigest:         n.DockerDigest,
		CreatedOn:            now,
	}, nil
}

// GetSubmission returns the submission with id.
func (s *Store) GetSubmission(ctx context.Context, id string) (*submission.Submission, error) {
	var (
		sub     submission.Submission
		rowID   int64
		created string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, queue_id, entity_id, file_path, docker_repository_name, docker_digest, created_at
		FROM submissions WHERE id = ?`, id).
		Scan(&rowID, &sub.QueueID, &sub.EntityID, &sub.FilePath, &sub.DockerRepositoryName, &sub.DockerDigest, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("submission", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get submission %s: %w", id, err)
	}
	sub.ID = strconv.FormatInt(rowID, 10)
	sub.CreatedOn, _ = time.Parse(time.RFC3339Nano, created)
	return &sub, nil
}

// GetStatus returns the current status record.
func (s *Store) GetStatus(ctx context.Context, id string) (*submission.Status, error) {
	var (
		st       submission.Status
		rowID    int64
		state    string
		raw      string
		modified string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, etag, annotations, modified_at FROM submissions WHERE id = ?`, id).
		Scan(&rowID, &state, &st.Etag, &raw, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("submission", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get status %s: %w", id, err)
	}
	st.ID = strconv.FormatInt(rowID, 10)
	st.Status = submission.State(state)
	st.ModifiedOn, _ = time.Parse(time.RFC3339Nano, modified)
	if err := json.Unmarshal([]byte(raw), &st.Annotations); err != nil {
		return nil, fmt.Errorf("decode annotations of %s: %w", id, err)
	}
	return &st, nil
}

// StoreStatus writes st if its etag is still current.
func (s *Store) StoreStatus(ctx context.Context, st *submission.Status) (*submission.Status, error) {
	annotations := st.Annotations
	if annotations == nil {
		annotations = map[string]string{}
	}
	raw, err := json.Marshal(annotations)
	if err != nil {
		return nil, fmt.Errorf("encode annotations: %w", err)
	}
	next := st.Clone()
	next.Annotations = annotations
	next.Etag = uuid.NewString()
	next.ModifiedOn = s.now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET status = ?, etag = ?, annotations = ?, modified_at = ?
		WHERE id = ? AND etag = ?`,
		string(next.Status), next.Etag, string(raw), next.ModifiedOn.Format(time.RFC3339Nano), st.ID, st.Etag)
	if err != nil {
		return nil, fmt.Errorf("store status %s: %w", st.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store status %s: %w", st.ID, err)
	}
	if n == 0 {
		if _, err := s.GetStatus(ctx, st.ID); err != nil {
			return nil, err
		}
		return nil, apperrors.PreconditionFailed("submissionStatus", st.ID)
	}
	return next, nil
}

// ListSubmissions returns ids in queueID with the given state, oldest first.
func (s *Store) ListSubmissions(ctx context.Context, queueID string, state submission.State) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM submissions WHERE queue_id = ? AND status = ? ORDER BY id`, queueID, string(state))
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan submission id: %w", err)
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return ids, rows.Err()
}

// Annotate merges fields and optionally sets state with a conditional write.
func (s *Store) Annotate(ctx context.Context, id string, fields map[string]string, state submission.State) error {
	st, err := s.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	st.Annotations = submission.MergeAnnotations(st.Annotations, fields)
	if state != "" {
		st.Status = state
	}
	_, err = s.StoreStatus(ctx, st)
	return err
}
