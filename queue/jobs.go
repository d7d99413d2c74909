package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

const (
	JobTypeSolve         JobType = "tasks.process_image"
	JobTypeReleaseStale  JobType = "cron.release_stale"
	JobTypeRequeueOrphan JobType = "cron.requeue_orphans"
)

// Producer is the part of core.Producer the queue drives.
type Producer interface {
	Produce(ctx context.Context, keyAnswer string) error
	Abandon(ctx context.Context, keyAnswer string) error
}

// Store is the solve_jobs side of dblayer.Store.
type Store interface {
	ClaimJob(ctx context.Context, workerID string) (*dblayer.SolveJob, error)
	AckJob(ctx context.Context, id string) error
	ReleaseStaleJobs(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, []string, error)
	RequeueOrphans(ctx context.Context, olderThan time.Duration) (int64, error)
}

var _ Store = (*dblayer.Store)(nil)

// SolveJob produces one submission and acks its row once the result is stored.
type SolveJob struct {
	job      *dblayer.SolveJob
	producer Producer
	store    Store
	metrics  *logging.Metrics
}

func NewSolveJob(job *dblayer.SolveJob, producer Producer, store Store, metrics *logging.Metrics) *SolveJob {
	return &SolveJob{job: job, producer: producer, store: store, metrics: metrics}
}

func (j *SolveJob) Type() JobType { return JobTypeSolve }
func (j *SolveJob) ID() string    { return j.job.ID }

// Do leaves the row claimed when Produce fails so the stale sweep redelivers it.
func (j *SolveJob) Do(ctx context.Context) error {
	if err := j.producer.Produce(ctx, j.job.Payload); err != nil {
		return errors.Wrapf(err, "produce (attempt %d)", j.job.Attempts)
	}
	if err := j.store.AckJob(context.WithoutCancel(ctx), j.job.ID); err != nil {
		j.metrics.DatabaseFailure(ctx)
		return errors.Wrap(err, "ack")
	}
	return nil
}

// ReleaseStaleJob requeues jobs whose worker went away and fails the
// submissions of jobs that ran out of attempts.
type ReleaseStaleJob struct {
	store       Store
	producer    Producer
	olderThan   time.Duration
	maxAttempts int
	log         *zap.SugaredLogger
}

func NewReleaseStaleJob(store Store, producer Producer, olderThan time.Duration, maxAttempts int, log *zap.SugaredLogger) *ReleaseStaleJob {
	return &ReleaseStaleJob{
		store:       store,
		producer:    producer,
		olderThan:   olderThan,
		maxAttempts: maxAttempts,
		log:         logging.OrNop(log),
	}
}

func (j *ReleaseStaleJob) Type() JobType { return JobTypeReleaseStale }
func (j *ReleaseStaleJob) ID() string    { return string(JobTypeReleaseStale) }

func (j *ReleaseStaleJob) Do(ctx context.Context) error {
	requeued, retired, err := j.store.ReleaseStaleJobs(ctx, j.olderThan, j.maxAttempts)
	if err != nil {
		return errors.Wrap(err, "release stale jobs")
	}
	if requeued > 0 {
		j.log.Infow("requeued stale jobs", "count", requeued)
	}

	var errs error
	for _, id := range retired {
		j.log.Warnw("job out of attempts", "id", id, "max_attempts", j.maxAttempts)
		if err := j.producer.Abandon(ctx, id); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// RequeueOrphanJob enqueues pending submissions that never got a job.
type RequeueOrphanJob struct {
	store     Store
	olderThan time.Duration
	log       *zap.SugaredLogger
}

func NewRequeueOrphanJob(store Store, olderThan time.Duration, log *zap.SugaredLogger) *RequeueOrphanJob {
	return &RequeueOrphanJob{store: store, olderThan: olderThan, log: logging.OrNop(log)}
}

func (j *RequeueOrphanJob) Type() JobType { return JobTypeRequeueOrphan }
func (j *RequeueOrphanJob) ID() string    { return string(JobTypeRequeueOrphan) }

func (j *RequeueOrphanJob) Do(ctx context.Context) error {
	n, err := j.store.RequeueOrphans(ctx, j.olderThan)
	if err != nil {
		return errors.Wrap(err, "requeue orphans")
	}
	if n > 0 {
		j.log.Infow("requeued orphaned submissions", "count", n)
	}
	return nil
}
