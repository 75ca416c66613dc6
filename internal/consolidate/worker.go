package consolidate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veyra/mnemo/internal/memclient"
)

const (
	defaultPoolSize       = 10
	defaultMaxRetries     = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultJobTimeout     = 2 * time.Minute
)

// Upserter writes facts into the ACTOR realm. memclient.Service
// satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, actorID string, facts []memclient.Fact) error
}

// CacheInvalidator drops cached search results for an actor after new
// facts land. search.Searcher satisfies it.
type CacheInvalidator interface {
	InvalidateActor(actorID string)
}

// Pool runs consolidation jobs on a bounded goroutine pool, detached
// from the requests that submitted them.
type Pool struct {
	store  JobStore
	memory Upserter
	cache  CacheInvalidator
	sem    chan struct{} // semaphore-based pool
	wg     sync.WaitGroup
	logger *zap.Logger

	maxRetries     uint64
	initialBackoff time.Duration
	jobTimeout     time.Duration
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolSize bounds concurrent job execution.
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// WithMaxRetries sets the retry ceiling before failed-permanent.
func WithMaxRetries(n uint64) PoolOption {
	return func(p *Pool) { p.maxRetries = n }
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) PoolOption {
	return func(p *Pool) { p.initialBackoff = d }
}

// WithJobTimeout bounds one job's total execution time.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.jobTimeout = d }
}

// NewPool creates a consolidation pool.
func NewPool(store JobStore, memory Upserter, cache CacheInvalidator, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:          store,
		memory:         memory,
		cache:          cache,
		sem:            make(chan struct{}, defaultPoolSize),
		logger:         logger,
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		jobTimeout:     defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit persists a job and dispatches it. The job runs detached from
// the caller: Submit returns as soon as the record is durable, and the
// triggering request cannot cancel the job afterwards.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Status = StatusPending
	if err := p.store.Create(ctx, job); err != nil {
		return fmt.Errorf("persist consolidation job: %w", err)
	}
	p.dispatch(job)
	return nil
}

func (p *Pool) dispatch(job *Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.sem <- struct{}{}        // acquire slot
		defer func() { <-p.sem }() // release slot

		ctx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
		defer cancel()
		p.run(ctx, job)
	}()
}

func (p *Pool) run(ctx context.Context, job *Job) {
	job.Status = StatusRunning
	if err := p.store.Update(ctx, job); err != nil {
		p.logger.Warn("mark job running failed", zap.String("job", job.ID), zap.Error(err))
	}

	facts := ExtractFacts(job)
	if len(facts) == 0 {
		job.Status = StatusSucceeded
		if err := p.store.Update(ctx, job); err != nil {
			p.logger.Warn("mark job succeeded failed", zap.String("job", job.ID), zap.Error(err))
		}
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.initialBackoff

	err := backoff.Retry(func() error {
		job.Attempts++
		err := p.memory.Upsert(ctx, job.ActorID, facts)
		if err != nil {
			job.LastError = err.Error()
			if uerr := p.store.Update(ctx, job); uerr != nil {
				p.logger.Warn("persist job retry state failed",
					zap.String("job", job.ID), zap.Error(uerr))
			}
			p.logger.Warn("consolidation upsert failed, will retry",
				zap.String("job", job.ID),
				zap.Int("attempt", job.Attempts),
				zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, p.maxRetries), ctx))

	if err != nil {
		job.Status = StatusFailedPermanent
		if uerr := p.store.Update(ctx, job); uerr != nil {
			p.logger.Error("persist failed-permanent status failed",
				zap.String("job", job.ID), zap.Error(uerr))
		}
		// Full context for manual replay; this job is never dropped.
		p.logger.Error("consolidation job failed permanently",
			zap.String("job", job.ID),
			zap.String("session", job.SessionID),
			zap.String("actor", job.ActorID),
			zap.String("trigger", string(job.Trigger)),
			zap.Int("attempts", job.Attempts),
			zap.Int("facts", len(facts)),
			zap.String("last_error", job.LastError))
		return
	}

	job.Status = StatusSucceeded
	job.LastError = ""
	if uerr := p.store.Update(ctx, job); uerr != nil {
		p.logger.Warn("mark job succeeded failed", zap.String("job", job.ID), zap.Error(uerr))
	}
	if p.cache != nil {
		p.cache.InvalidateActor(job.ActorID)
	}
	p.logger.Info("consolidation job succeeded",
		zap.String("job", job.ID),
		zap.String("actor", job.ActorID),
		zap.Int("facts", len(facts)),
		zap.Int("attempts", job.Attempts))
}

// ReplayFailed re-dispatches failed-permanent jobs, oldest first.
func (p *Pool) ReplayFailed(ctx context.Context, limit int) (int, error) {
	jobs, err := p.store.ListByStatus(ctx, StatusFailedPermanent, limit)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		job.Status = StatusPending
		job.Attempts = 0
		job.LastError = ""
		if err := p.store.Update(ctx, job); err != nil {
			return 0, err
		}
		p.dispatch(job)
	}
	return len(jobs), nil
}

// Wait blocks until all in-flight jobs settle or ctx expires.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
