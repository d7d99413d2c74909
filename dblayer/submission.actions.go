package dblayer

import (
	"context"
	"database/sql"
)

const submissionColumns = `id, script_id, key_answer, status, input_path, result_json, error, created_at, updated_at`

func scanSubmission(row interface{ Scan(...any) error }) (*Submission, error) {
	var (
		sub    Submission
		result []byte
	)
	err := row.Scan(
		&sub.ID, &sub.ScriptID, &sub.KeyAnswer, &sub.Status, &sub.InputPath,
		&result, &sub.Error, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	if result != nil {
		sub.ResultJSON = append([]byte(nil), result...)
	}
	return &sub, nil
}

// CreateSubmission inserts a pending submission. A reused key_answer comes
// back as *DuplicateError on ConstraintCheckKeyAnswer.
func (s *Store) CreateSubmission(ctx context.Context, scriptID int64, keyAnswer, inputPath string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO check_requests (script_id, key_answer, status, input_path)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+submissionColumns,
		scriptID, keyAnswer, SubmissionPending, inputPath,
	)
	return scanSubmission(row)
}

func (s *Store) GetSubmission(ctx context.Context, keyAnswer string) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM check_requests WHERE key_answer = $1 LIMIT 1`, keyAnswer)
	return scanSubmission(row)
}

// UpdateSubmission writes status, result and error. Terminal rows are never
// overwritten: ErrNotFound is returned when the row is missing or already
// completed or failed.
func (s *Store) UpdateSubmission(ctx context.Context, keyAnswer string, upd SubmissionUpdate) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE check_requests
		 SET status = $2, result_json = $3::jsonb, error = $4, updated_at = now()
		 WHERE key_answer = $1 AND status NOT IN ('completed', 'failed')
		 RETURNING `+submissionColumns,
		keyAnswer, upd.Status, nullableJSON(upd.ResultJSON), upd.Error,
	)
	return scanSubmission(row)
}

// SubmissionStats counts submissions per status.
func (s *Store) SubmissionStats(ctx context.Context) (*SubmissionStats, error) {
	var (
		st  SubmissionStats
		avg sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			AVG(EXTRACT(EPOCH FROM (updated_at - created_at))) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'completed' AND updated_at > now() - interval '1 hour')
		 FROM check_requests`,
	).Scan(&st.Total, &st.Pending, &st.Processing, &st.Completed, &st.Failed, &avg, &st.LastHour)
	if err != nil {
		return nil, err
	}
	if avg.Valid {
		st.AvgCompletedSec = avg.Float64
	}
	return &st, nil
}
