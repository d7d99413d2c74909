package core

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

// Admission gates submissions on fingerprint binding and usage quota.
type Admission struct {
	store   TokenStore
	policy  config.AdmissionConfig
	log     *zap.SugaredLogger
	metrics *logging.Metrics
	now     func() time.Time
}

func NewAdmission(store TokenStore, policy config.AdmissionConfig, metrics *logging.Metrics, log *zap.SugaredLogger) *Admission {
	return &Admission{
		store:   store,
		policy:  policy,
		log:     logging.OrNop(log),
		metrics: metrics,
		now:     time.Now,
	}
}

// Admit validates key and fingerprint and consumes one use. The returned
// script reflects the committed increment. Fingerprint mismatch is checked
// before quota. Key and fingerprint are compared byte for byte.
func (a *Admission) Admit(ctx context.Context, key, fingerprint string) (*dblayer.Script, error) {
	sc, err := a.admit(ctx, key, fingerprint)
	if err != nil {
		a.metrics.Admission(ctx, Code(err))
		a.log.Infow("admission rejected", "code", Code(err), "error", err)
		return nil, err
	}
	a.metrics.Admission(ctx, "ok")
	return sc, nil
}

func (a *Admission) admit(ctx context.Context, key, fingerprint string) (*dblayer.Script, error) {
	if key == "" {
		return nil, errors.Mark(errors.New("key is required"), ErrInvalidRequest)
	}
	if fingerprint == "" {
		return nil, errors.Mark(errors.New("fingerprint is required"), ErrInvalidRequest)
	}

	sc, err := a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}

	if err := a.checkPolicy(sc); err != nil {
		return nil, err
	}

	if sc.Fingerprint == nil {
		sc, err = a.bind(ctx, key, fingerprint)
		if err != nil {
			return nil, err
		}
	} else if *sc.Fingerprint != fingerprint {
		return nil, ErrIncorrectFingerprint
	}

	if sc.Usage >= sc.MaxUsage {
		return nil, ErrMaxUsage
	}

	updated, err := a.store.IncrementUsage(ctx, key)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, dblayer.ErrNotFound) {
		return nil, mark(err, ErrDB)
	}

	// Zero rows: either another request took the last use or the script is gone.
	if _, err := a.lookup(ctx, key); err != nil {
		return nil, err
	}
	return nil, ErrMaxUsage
}

// bind claims an unbound script for fingerprint. Losing the race to a
// different fingerprint is a mismatch; losing it to the same one is fine.
func (a *Admission) bind(ctx context.Context, key, fingerprint string) (*dblayer.Script, error) {
	sc, err := a.store.BindFingerprint(ctx, key, fingerprint)
	if err == nil {
		a.log.Infow("fingerprint bound", "script", sc.Name)
		return sc, nil
	}
	if !errors.Is(err, dblayer.ErrNotFound) {
		return nil, mark(err, ErrDB)
	}

	sc, err = a.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if sc.Fingerprint == nil || *sc.Fingerprint != fingerprint {
		return nil, ErrIncorrectFingerprint
	}
	return sc, nil
}

func (a *Admission) lookup(ctx context.Context, key string) (*dblayer.Script, error) {
	sc, err := a.store.GetScriptByKey(ctx, key)
	if errors.Is(err, dblayer.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mark(err, ErrDB)
	}
	return sc, nil
}

func (a *Admission) checkPolicy(sc *dblayer.Script) error {
	if a.policy.EnforceStatus && !sc.Status {
		return ErrScriptInactive
	}
	if a.policy.EnforceWindow {
		now := a.now().UTC()
		if sc.StartAt != nil && now.Before(*sc.StartAt) {
			return ErrScriptNotStarted
		}
		if sc.StopAt != nil && now.After(*sc.StopAt) {
			return ErrScriptExpired
		}
	}
	return nil
}
