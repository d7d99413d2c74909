package core

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

const (
	nameAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
	issueMaxAttempts = 8
)

// IssueParams carries the optional inputs of Issue. Zero values take the
// configured defaults.
type IssueParams struct {
	Name       string
	StartAt    *time.Time
	StopAt     *time.Time
	NameLength int
}

// Issuer creates scripts with collision retry on name and key.
type Issuer struct {
	store TokenStore
	cfg   *config.Config
	log   *zap.SugaredLogger
	now   func() time.Time
}

func NewIssuer(store TokenStore, cfg *config.Config, log *zap.SugaredLogger) *Issuer {
	return &Issuer{
		store: store,
		cfg:   cfg,
		log:   logging.OrNop(log),
		now:   time.Now,
	}
}

// Issue inserts a new script. Only the colliding dimension is regenerated on
// a unique violation; a caller-chosen name that collides fails with
// ErrConflict.
func (i *Issuer) Issue(ctx context.Context, p IssueParams) (*dblayer.Script, error) {
	nameLength := p.NameLength
	if nameLength == 0 {
		nameLength = i.cfg.App.ScriptNameLength
	}
	if nameLength < config.MinNameLength || nameLength > config.MaxNameLength {
		return nil, errors.Mark(
			errors.Newf("name_length must be between %d and %d", config.MinNameLength, config.MaxNameLength),
			ErrInvalidRequest)
	}

	startAt := i.now().UTC()
	if p.StartAt != nil {
		startAt = p.StartAt.UTC()
	}
	stopAt := startAt.Add(i.cfg.ScriptDuration())
	if p.StopAt != nil {
		stopAt = p.StopAt.UTC()
	}
	if stopAt.Before(startAt) {
		return nil, errors.Mark(errors.New("stop_at is before start_at"), ErrInvalidRequest)
	}

	customName := strings.TrimSpace(p.Name)
	name := customName
	if name == "" {
		var err error
		if name, err = randomName(nameLength); err != nil {
			return nil, err
		}
	}
	key := newKey()

	var lastErr error
	for attempt := 1; attempt <= issueMaxAttempts; attempt++ {
		sc, err := i.store.CreateScript(ctx, &dblayer.Script{
			Key:        key,
			Name:       name,
			Status:     false,
			StartAt:    &startAt,
			StopAt:     &stopAt,
			MaxUsage:   i.cfg.App.ScriptMaxUsage,
			Usage:      0,
			ScriptType: i.cfg.App.ScriptType,
		})
		if err == nil {
			i.log.Infow("script issued", "name", sc.Name, "attempt", attempt)
			return sc, nil
		}

		var dup *dblayer.DuplicateError
		if !errors.As(err, &dup) {
			return nil, mark(err, ErrDB)
		}
		lastErr = err

		switch dup.Constraint {
		case dblayer.ConstraintScriptName:
			if customName != "" {
				return nil, errors.Mark(errors.Newf("script name %q already exists", customName), ErrConflict)
			}
			if name, err = randomName(nameLength); err != nil {
				return nil, err
			}
		case dblayer.ConstraintScriptKey:
			key = newKey()
		default:
			// Unknown constraint: regenerate whatever we own.
			key = newKey()
			if customName == "" {
				if name, err = randomName(nameLength); err != nil {
					return nil, err
				}
			}
		}
		i.log.Debugw("script collision, retrying", "constraint", dup.Constraint, "attempt", attempt)
	}

	return nil, mark(errors.Wrapf(lastErr, "after %d attempts", issueMaxAttempts), ErrUniqueKeyFailed)
}

func newKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func randomName(n int) (string, error) {
	size := big.NewInt(int64(len(nameAlphabet)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", errors.Wrap(err, "generate script name")
		}
		b[i] = nameAlphabet[idx.Int64()]
	}
	return string(b), nil
}
