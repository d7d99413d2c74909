package dblayer

import (
	"context"
)

const scriptColumns = `id, key, name, status, fingerprint, start_at, stop_at, max_usage, usage,
	script_type, first_seen, last_seen, created_at, updated_at`

func scanScript(row interface{ Scan(...any) error }) (*Script, error) {
	var s Script
	err := row.Scan(
		&s.ID, &s.Key, &s.Name, &s.Status, &s.Fingerprint, &s.StartAt, &s.StopAt,
		&s.MaxUsage, &s.Usage, &s.ScriptType, &s.FirstSeen, &s.LastSeen, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err)
	}
	return &s, nil
}

// CreateScript inserts a script and returns the stored row. A unique
// violation on key or name comes back as *DuplicateError.
func (s *Store) CreateScript(ctx context.Context, sc *Script) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO id_scripts (key, name, status, fingerprint, start_at, stop_at, max_usage, usage, script_type)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+scriptColumns,
		sc.Key, sc.Name, sc.Status, sc.Fingerprint, sc.StartAt, sc.StopAt, sc.MaxUsage, sc.Usage, sc.ScriptType,
	)
	return scanScript(row)
}

// GetScriptByKey returns ErrNotFound when no script has this key.
func (s *Store) GetScriptByKey(ctx context.Context, key string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scriptColumns+` FROM id_scripts WHERE key = $1 LIMIT 1`, key)
	return scanScript(row)
}

// GetScriptByName returns ErrNotFound when no script has this name.
func (s *Store) GetScriptByName(ctx context.Context, name string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scriptColumns+` FROM id_scripts WHERE name = $1 LIMIT 1`, name)
	return scanScript(row)
}

// BindFingerprint sets the fingerprint only while it is still NULL, so the
// first writer wins. ErrNotFound means nothing was bound: the script is gone
// or another fingerprint got there first.
func (s *Store) BindFingerprint(ctx context.Context, key, fingerprint string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE id_scripts
		 SET fingerprint = $2, first_seen = COALESCE(first_seen, now()), updated_at = now()
		 WHERE key = $1 AND fingerprint IS NULL
		 RETURNING `+scriptColumns,
		key, fingerprint,
	)
	return scanScript(row)
}

// IncrementUsage adds one use while usage < max_usage. ErrNotFound means the
// quota is exhausted or the script no longer exists.
func (s *Store) IncrementUsage(ctx context.Context, key string) (*Script, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE id_scripts
		 SET usage = usage + 1, last_seen = now(), updated_at = now()
		 WHERE key = $1 AND usage < max_usage
		 RETURNING `+scriptColumns,
		key,
	)
	return scanScript(row)
}

// DeleteScript removes a script; its submissions go with it (ON DELETE CASCADE).
func (s *Store) DeleteScript(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM id_scripts WHERE key = $1`, key)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubmissionsByScript fetches the script and then its submissions, newest first.
func (s *Store) ListSubmissionsByScript(ctx context.Context, key string, limit int) (*Script, []*Submission, error) {
	sc, err := s.GetScriptByKey(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM check_requests
		 WHERE script_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sc.ID, limit,
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return sc, subs, nil
}
