package core

import (
	"context"
	"encoding/json"
	"io/fs"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

// Limits bound one Produce call. Soft ends the solver call with
// time_limit_exceeded; Hard cancels the whole invocation as a backstop.
type Limits struct {
	Soft time.Duration
	Hard time.Duration
}

// Producer turns one pending submission into a terminal result.
type Producer struct {
	submissions SubmissionStore
	artifacts   ArtifactStore
	solver      Solver
	limits      Limits
	metrics     *logging.Metrics
	log         *zap.SugaredLogger
}

func NewProducer(submissions SubmissionStore, artifacts ArtifactStore, solver Solver, limits Limits, metrics *logging.Metrics, log *zap.SugaredLogger) *Producer {
	return &Producer{
		submissions: submissions,
		artifacts:   artifacts,
		solver:      solver,
		limits:      limits,
		metrics:     metrics,
		log:         logging.OrNop(log),
	}
}

type solveResult struct {
	Text string `json:"text"`
}

// Produce processes keyAnswer. A nil return means there is nothing left to
// do for this submission: a terminal state was written now or earlier, or
// the submission does not exist. Errors are storage failures or an
// interrupted run and the job should be retried.
func (p *Producer) Produce(ctx context.Context, keyAnswer string) error {
	log := p.log.With("key_answer", keyAnswer)
	p.metrics.JobStarted(ctx, keyAnswer)

	if p.limits.Hard > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.limits.Hard)
		defer cancel()
	}
	// The soft deadline starts with the invocation, not with the solver call.
	solveCtx := ctx
	if p.limits.Soft > 0 {
		var cancel context.CancelFunc
		solveCtx, cancel = context.WithTimeout(ctx, p.limits.Soft)
		defer cancel()
	}

	sub, err := p.submissions.GetSubmission(ctx, keyAnswer)
	if errors.Is(err, dblayer.ErrNotFound) {
		log.Warn("submission not found, dropping job")
		p.metrics.JobSkipped(ctx, keyAnswer)
		return nil
	}
	if err != nil {
		p.metrics.DatabaseFailure(ctx)
		p.metrics.JobAborted(ctx, keyAnswer)
		return mark(err, ErrDB)
	}
	if sub.Status.Terminal() {
		log.Infow("submission already terminal, skipping", "status", sub.Status)
		p.metrics.JobSkipped(ctx, keyAnswer)
		return nil
	}

	if sub.Status != dblayer.SubmissionProcessing {
		if _, err := p.submissions.UpdateSubmission(ctx, keyAnswer, dblayer.SubmissionUpdate{
			Status: dblayer.SubmissionProcessing,
		}); err != nil && !errors.Is(err, dblayer.ErrNotFound) {
			p.metrics.DatabaseFailure(ctx)
			p.metrics.JobAborted(ctx, keyAnswer)
			return mark(err, ErrDB)
		}
	}

	text, reason, detail := p.solve(solveCtx, sub.InputPath)
	if reason == ReasonAIFailed && errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown, not a solver failure. The claim stays so another
		// worker picks the submission up again.
		log.Infow("interrupted, leaving submission for redelivery")
		p.metrics.JobAborted(ctx, keyAnswer)
		return errors.Wrap(ctx.Err(), "produce interrupted")
	}
	if reason == ReasonTimeLimitExceeded {
		log.Warnw("time limit exceeded", "soft", p.limits.Soft, "hard", p.limits.Hard)
	}
	if reason == "" {
		raw, err := json.Marshal(solveResult{Text: text})
		if err != nil {
			p.metrics.JobAborted(ctx, keyAnswer)
			return errors.Wrap(err, "encode result")
		}
		return p.finish(ctx, keyAnswer, dblayer.SubmissionUpdate{
			Status:     dblayer.SubmissionCompleted,
			ResultJSON: raw,
		}, "")
	}

	msg := reason
	if detail != nil {
		msg = reason + ": " + detail.Error()
	}
	log.Warnw("submission failed", "reason", reason, "error", detail)
	return p.finish(ctx, keyAnswer, dblayer.SubmissionUpdate{
		Status: dblayer.SubmissionFailed,
		Error:  &msg,
	}, reason)
}

type solved struct {
	text string
	err  error
}

// solve returns the text, or a failure reason with its underlying error.
// It returns as soon as ctx is done even if the solver ignores ctx; a late
// answer is discarded.
func (p *Producer) solve(ctx context.Context, path string) (string, string, error) {
	ok, err := p.artifacts.Exists(path)
	if err != nil {
		return "", ReasonReadError, err
	}
	if !ok {
		return "", ReasonFileNotFound, nil
	}

	data, err := p.artifacts.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ReasonFileNotFound, nil
	}
	if err != nil {
		return "", ReasonReadError, err
	}

	done := make(chan solved, 1)
	go func() {
		text, err := p.solver.Solve(ctx, data)
		done <- solved{text: text, err: err}
	}()

	var res solved
	select {
	case res = <-done:
	case <-ctx.Done():
		res = solved{err: ctx.Err()}
	}

	if res.err == nil {
		return res.text, "", nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", ReasonTimeLimitExceeded, nil
	}
	return "", ReasonAIFailed, res.err
}

// finish performs the single terminal write. It survives the hard limit so
// a timed out invocation still records its outcome.
func (p *Producer) finish(ctx context.Context, keyAnswer string, upd dblayer.SubmissionUpdate, reason string) error {
	wctx := context.WithoutCancel(ctx)
	_, err := p.submissions.UpdateSubmission(wctx, keyAnswer, upd)
	if errors.Is(err, dblayer.ErrNotFound) {
		p.log.Infow("submission became terminal concurrently", "key_answer", keyAnswer)
		p.metrics.JobSkipped(wctx, keyAnswer)
		return nil
	}
	if err != nil {
		p.metrics.DatabaseFailure(wctx)
		p.metrics.JobAborted(wctx, keyAnswer)
		return mark(err, ErrDB)
	}
	p.metrics.JobFinished(wctx, keyAnswer, reason)
	p.log.Infow("submission finished", "key_answer", keyAnswer, "status", upd.Status)
	return nil
}

// Abandon fails a submission whose job was retired without a result, for
// example after every worker that claimed it died.
func (p *Producer) Abandon(ctx context.Context, keyAnswer string) error {
	p.metrics.JobStarted(ctx, keyAnswer)
	reason := ReasonWorkerLost
	return p.finish(ctx, keyAnswer, dblayer.SubmissionUpdate{
		Status: dblayer.SubmissionFailed,
		Error:  &reason,
	}, reason)
}
