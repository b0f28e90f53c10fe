package vectorsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/metrics"
	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Sink is the vector index. Both operations must be idempotent.
//
// version orders writes to the same id: a sink must ignore an upsert older
// than the stored record, or equal to a deleted one, and must keep deleted
// ids as tombstones that only a newer upsert replaces.
type Sink interface {
	Upsert(ctx context.Context, records []Record, version int64) error
	Delete(ctx context.Context, ids []string, version int64) error
}

// Job is one unit of synchronization, usually the outcome of one build.
type Job struct {
	ID string `json:"id" validate:"required"`
	// Version is the graph version the records were read from.
	Version   int64     `json:"version" validate:"gte=0"`
	Upserts   []Record  `json:"upserts,omitempty" validate:"dive"`
	Deletes   []string  `json:"deletes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJob bundles upserts and deletes read at the given graph version into a
// job with a fresh id. An id listed in both is kept as an upsert.
func NewJob(version int64, upserts []Record, deletes []string) (Job, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Job{}, fmt.Errorf("failed to generate job id: %w", err)
	}
	if len(upserts) > 0 && len(deletes) > 0 {
		kept := make(map[string]struct{}, len(upserts))
		for _, r := range upserts {
			kept[r.ID] = struct{}{}
		}
		filtered := make([]string, 0, len(deletes))
		for _, d := range deletes {
			if _, ok := kept[d]; !ok {
				filtered = append(filtered, d)
			}
		}
		deletes = filtered
	}
	return Job{ID: id, Version: version, Upserts: upserts, Deletes: deletes, CreatedAt: time.Now().UTC()}, nil
}

func (j Job) Empty() bool {
	return len(j.Upserts) == 0 && len(j.Deletes) == 0
}

// Fallback receives jobs that still failed after all retries.
type Fallback func(ctx context.Context, job Job) error

var ErrQueueFull = errors.New("vector sync queue is full")

const (
	defaultQueueSize  = 64
	defaultMaxRetries = 3
	defaultBackoff    = time.Second
)

// Syncer applies jobs to a Sink in the background. A failed job never fails
// the build that produced it.
type Syncer struct {
	sink       Sink
	jobs       chan Job
	maxRetries int
	backoff    time.Duration
	fallback   Fallback
	metrics    *metrics.Metrics
}

type NewSyncerParams struct {
	Sink       Sink
	QueueSize  int
	MaxRetries int
	// Backoff is the first delay between retries. Negative disables waiting.
	Backoff  time.Duration
	Fallback Fallback
	Metrics  *metrics.Metrics
}

func NewSyncer(params NewSyncerParams) *Syncer {
	size := params.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	retries := params.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	backoff := params.Backoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = defaultBackoff
	}
	return &Syncer{
		sink:       params.Sink,
		jobs:       make(chan Job, size),
		maxRetries: retries,
		backoff:    backoff,
		fallback:   params.Fallback,
		metrics:    params.Metrics,
	}
}

// Enqueue hands job to the background worker without blocking. It returns
// ErrQueueFull when the buffer is exhausted.
func (s *Syncer) Enqueue(job Job) error {
	if job.Empty() {
		return nil
	}
	select {
	case s.jobs <- job:
		return nil
	default:
		s.metrics.ObserveVectorSync("dropped")
		return ErrQueueFull
	}
}

// Run processes queued jobs until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	logger.Info("[VectorSync] Worker started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("[VectorSync] Worker stopped", "pending", len(s.jobs))
			return
		case job := <-s.jobs:
			s.process(ctx, job)
		}
	}
}

func (s *Syncer) process(ctx context.Context, job Job) {
	err := s.Sync(ctx, job)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		return
	}
	if s.fallback == nil {
		logger.Error("[VectorSync] Job failed", "id", job.ID, "err", err)
		return
	}
	if ferr := s.fallback(ctx, job); ferr != nil {
		s.metrics.ObserveVectorSync("failed")
		logger.Error("[VectorSync] Fallback failed", "id", job.ID, "err", ferr, "cause", err)
		return
	}
	s.metrics.ObserveVectorSync("fallback")
	logger.Warn("[VectorSync] Job handed to fallback", "id", job.ID, "err", err)
}

// Sync applies job to the sink with retries. Jobs may arrive out of order,
// for example when a parked job is replayed; the sink resolves that through
// the job version.
func (s *Syncer) Sync(ctx context.Context, job Job) error {
	if job.Empty() {
		return nil
	}
	_, err := gUtil.RetryWithBackoff(ctx, s.maxRetries, s.backoff, func(ctx context.Context) (struct{}, error) {
		if len(job.Deletes) > 0 {
			if err := s.sink.Delete(ctx, job.Deletes, job.Version); err != nil {
				return struct{}{}, fmt.Errorf("failed to delete %d records: %w", len(job.Deletes), err)
			}
		}
		if len(job.Upserts) > 0 {
			if err := s.sink.Upsert(ctx, job.Upserts, job.Version); err != nil {
				return struct{}{}, fmt.Errorf("failed to upsert %d records: %w", len(job.Upserts), err)
			}
		}
		return struct{}{}, nil
	})
	if err != nil {
		s.metrics.ObserveVectorSync("error")
		return fmt.Errorf("failed to sync job %s: %w", job.ID, err)
	}
	s.metrics.ObserveVectorSync("ok")
	logger.Debug("[VectorSync] Job synced", "id", job.ID, "version", job.Version, "upserts", len(job.Upserts), "deletes", len(job.Deletes))
	return nil
}
