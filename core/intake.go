package core

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

// Upload is an image received from a client.
type Upload struct {
	Filename string
	Body     io.Reader
}

// Intake stores the artifact, records a pending submission and enqueues its job.
type Intake struct {
	submissions SubmissionStore
	queue       JobQueue
	artifacts   ArtifactStore
	maxAttempts int
	log         *zap.SugaredLogger
	newKey      func() string
}

func NewIntake(submissions SubmissionStore, queue JobQueue, artifacts ArtifactStore, maxKeyAttempts int, log *zap.SugaredLogger) *Intake {
	return &Intake{
		submissions: submissions,
		queue:       queue,
		artifacts:   artifacts,
		maxAttempts: maxKeyAttempts,
		log:         logging.OrNop(log),
		newKey:      newKey,
	}
}

// Submit returns the key_answer the client polls with. It does not wait for
// the job to run.
func (in *Intake) Submit(ctx context.Context, sc *dblayer.Script, up Upload) (string, error) {
	if sc == nil {
		return "", errors.Mark(errors.New("script is required"), ErrInvalidRequest)
	}
	if up.Body == nil {
		return "", errors.Mark(errors.New("image is required"), ErrInvalidRequest)
	}

	path, err := in.artifacts.Save(ctx, up.Filename, up.Body)
	if err != nil {
		return "", mark(err, ErrSave)
	}

	sub, err := in.create(ctx, sc.ID, path)
	if err != nil {
		if rmErr := in.artifacts.Remove(path); rmErr != nil {
			in.log.Warnw("failed to remove orphaned artifact", "path", path, "error", rmErr)
		}
		return "", err
	}

	// The pending row stays if enqueueing fails; the orphan sweep picks it up.
	if _, err := in.queue.EnqueueJob(ctx, sub.KeyAnswer, sub.KeyAnswer); err != nil {
		return "", mark(errors.Wrap(err, "enqueue"), ErrDB)
	}

	in.log.Infow("submission accepted", "script", sc.Name, "key_answer", sub.KeyAnswer)
	return sub.KeyAnswer, nil
}

func (in *Intake) create(ctx context.Context, scriptID int64, path string) (*dblayer.Submission, error) {
	var lastErr error
	for attempt := 1; attempt <= in.maxAttempts; attempt++ {
		sub, err := in.submissions.CreateSubmission(ctx, scriptID, in.newKey(), path)
		if err == nil {
			return sub, nil
		}

		var dup *dblayer.DuplicateError
		if !errors.As(err, &dup) || dup.Constraint != dblayer.ConstraintCheckKeyAnswer {
			return nil, mark(err, ErrDB)
		}
		lastErr = err
		in.log.Debugw("key_answer collision, retrying", "attempt", attempt)
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts configured")
	}
	return nil, mark(errors.Wrapf(lastErr, "after %d attempts", in.maxAttempts), ErrUniqueKeyFailed)
}
