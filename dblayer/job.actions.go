package dblayer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

const jobColumns = `id, payload, state, attempts, claimed_at, claimed_by, created_at`

func scanJob(row interface{ Scan(...any) error }) (*SolveJob, error) {
	var j SolveJob
	if err := row.Scan(&j.ID, &j.Payload, &j.State, &j.Attempts, &j.ClaimedAt, &j.ClaimedBy, &j.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &j, nil
}

// EnqueueJob queues a job and notifies listeners in one statement. It
// returns false when a job with this id already exists.
func (s *Store) EnqueueJob(ctx context.Context, id, payload string) (bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`WITH ins AS (
			INSERT INTO solve_jobs (id, payload) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
			RETURNING id
		 )
		 SELECT pg_notify($3, id) FROM ins`,
		id, payload, NotifyChannelSolveJobs,
	)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	inserted := rows.Next()
	if err := rows.Err(); err != nil {
		return false, err
	}
	return inserted, nil
}

// ClaimJob locks the oldest queued job for workerID. It returns (nil, nil)
// when the queue is empty or every queued row is locked by someone else.
func (s *Store) ClaimJob(ctx context.Context, workerID string) (*SolveJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin claim")
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM solve_jobs
		 WHERE state = 'queued'
		 ORDER BY created_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&id)
	if err != nil {
		if errors.Is(translate(err), ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx,
		`UPDATE solve_jobs
		 SET state = 'claimed', attempts = attempts + 1, claimed_at = now(), claimed_by = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		id, workerID,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim")
	}
	return job, nil
}

// AckJob marks a job done.
func (s *Store) AckJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE solve_jobs SET state = 'done', updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseStaleJobs puts claimed jobs older than olderThan back in the queue.
// Jobs that already used maxAttempts are retired instead; their ids are
// returned so the caller can fail the matching submissions.
func (s *Store) ReleaseStaleJobs(ctx context.Context, olderThan time.Duration, maxAttempts int) (requeued int64, retired []string, err error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE solve_jobs SET state = 'queued', claimed_by = NULL, updated_at = now()
		 WHERE state = 'claimed' AND claimed_at < now() - make_interval(secs => $1) AND attempts < $2`,
		olderThan.Seconds(), maxAttempts,
	)
	if err != nil {
		return 0, nil, err
	}
	requeued, _ = res.RowsAffected()

	rows, err := s.db.QueryContext(ctx,
		`UPDATE solve_jobs SET state = 'done', updated_at = now()
		 WHERE state = 'claimed' AND claimed_at < now() - make_interval(secs => $1) AND attempts >= $2
		 RETURNING id`,
		olderThan.Seconds(), maxAttempts,
	)
	if err != nil {
		return requeued, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return requeued, retired, err
		}
		retired = append(retired, id)
	}
	return requeued, retired, rows.Err()
}

// RequeueOrphans enqueues pending submissions older than olderThan that have
// no job row, which happens when intake failed between insert and enqueue.
func (s *Store) RequeueOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`WITH ins AS (
			INSERT INTO solve_jobs (id, payload)
			SELECT c.key_answer, c.key_answer FROM check_requests c
			WHERE c.status = 'pending'
			  AND c.created_at < now() - make_interval(secs => $1)
			  AND NOT EXISTS (SELECT 1 FROM solve_jobs j WHERE j.id = c.key_answer)
			ON CONFLICT (id) DO NOTHING
			RETURNING id
		 )
		 SELECT COUNT(*) FROM ins`,
		olderThan.Seconds(),
	).Scan(&n)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := s.db.ExecContext(ctx, `SELECT pg_notify($1, '')`, NotifyChannelSolveJobs); err != nil {
			return n, errors.Wrap(err, "notify")
		}
	}
	return n, nil
}
