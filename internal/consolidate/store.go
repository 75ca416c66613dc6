package consolidate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("consolidation job not found")

// JobStore persists consolidation jobs so retry state survives the
// process and failed-permanent jobs remain inspectable.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error)
}

// PGJobStore is the PostgreSQL-backed job store.
type PGJobStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPGJobStore connects a job store to PostgreSQL.
func NewPGJobStore(dsn string, logger *zap.Logger) (*PGJobStore, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PGJobStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PGJobStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PGJobStore) Close() {
	s.db.Close()
}

type jobPayload struct {
	Turns    json.RawMessage `json:"turns,omitempty"`
	Outcomes json.RawMessage `json:"outcomes,omitempty"`
}

// Create inserts a new job record.
func (s *PGJobStore) Create(ctx context.Context, job *Job) error {
	payload, err := marshalPayload(job)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err = s.db.Exec(ctx, `
		INSERT INTO consolidation_jobs (id, session_id, actor_id, trigger, payload, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		job.ID, job.SessionID, job.ActorID, string(job.Trigger), payload,
		string(job.Status), job.Attempts, job.LastError, now,
	)
	if err != nil {
		return fmt.Errorf("create consolidation job %s: %w", job.ID, err)
	}
	return nil
}

// Update writes retry state and status back.
func (s *PGJobStore) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now().UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE consolidation_jobs
		SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $1`,
		job.ID, string(job.Status), job.Attempts, job.LastError, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update consolidation job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get retrieves a single job by id.
func (s *PGJobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, session_id, actor_id, trigger, payload, status, attempts, last_error, created_at, updated_at
		FROM consolidation_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListByStatus returns jobs in a given state, oldest first. Used for
// manual replay of failed-permanent jobs.
func (s *PGJobStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, actor_id, trigger, payload, status, attempts, last_error, created_at, updated_at
		FROM consolidation_jobs
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list consolidation jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func marshalPayload(job *Job) ([]byte, error) {
	turns, err := json.Marshal(job.Turns)
	if err != nil {
		return nil, fmt.Errorf("marshal job turns: %w", err)
	}
	outcomes, err := json.Marshal(job.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("marshal job outcomes: %w", err)
	}
	return json.Marshal(jobPayload{Turns: turns, Outcomes: outcomes})
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	var job Job
	var trigger, status string
	var payload []byte
	if err := row.Scan(&job.ID, &job.SessionID, &job.ActorID, &trigger, &payload,
		&status, &job.Attempts, &job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Trigger = Trigger(trigger)
	job.Status = Status(status)

	var p jobPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
		if len(p.Turns) > 0 {
			json.Unmarshal(p.Turns, &job.Turns)
		}
		if len(p.Outcomes) > 0 {
			json.Unmarshal(p.Outcomes, &job.Outcomes)
		}
	}
	return &job, nil
}
