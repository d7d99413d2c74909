package core

import (
	"context"
	"io"

	"github.com/cattle4808/aianswer/dblayer"
)

// TokenStore is the script side of dblayer.Store.
type TokenStore interface {
	CreateScript(ctx context.Context, sc *dblayer.Script) (*dblayer.Script, error)
	GetScriptByKey(ctx context.Context, key string) (*dblayer.Script, error)
	GetScriptByName(ctx context.Context, name string) (*dblayer.Script, error)
	BindFingerprint(ctx context.Context, key, fingerprint string) (*dblayer.Script, error)
	IncrementUsage(ctx context.Context, key string) (*dblayer.Script, error)
}

// SubmissionStore is the check_requests side of dblayer.Store.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, scriptID int64, keyAnswer, inputPath string) (*dblayer.Submission, error)
	GetSubmission(ctx context.Context, keyAnswer string) (*dblayer.Submission, error)
	UpdateSubmission(ctx context.Context, keyAnswer string, upd dblayer.SubmissionUpdate) (*dblayer.Submission, error)
}

// JobQueue accepts solve jobs. Enqueueing an id twice is a no-op.
type JobQueue interface {
	EnqueueJob(ctx context.Context, id, payload string) (bool, error)
}

// ArtifactStore persists uploaded files and hands back a relative path.
type ArtifactStore interface {
	Save(ctx context.Context, filename string, body io.Reader) (string, error)
	Exists(path string) (bool, error)
	Read(path string) ([]byte, error)
	Remove(path string) error
}

// Solver turns image bytes into text.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

var (
	_ TokenStore      = (*dblayer.Store)(nil)
	_ SubmissionStore = (*dblayer.Store)(nil)
	_ JobQueue        = (*dblayer.Store)(nil)
)
