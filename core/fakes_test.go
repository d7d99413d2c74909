package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/dblayer"
)

// memStore mirrors the conditional writes of dblayer.Store under one mutex.
type memStore struct {
	mu          sync.Mutex
	nextID      int64
	scripts     map[string]*dblayer.Script
	submissions map[string]*dblayer.Submission
	jobs        map[string]string

	createScriptErrs []error
	createSubErrs    []error
	enqueueErr       error
	getSubErr        error
	updateErr        error
	updates          []dblayer.SubmissionUpdate
}

func newMemStore() *memStore {
	return &memStore{
		scripts:     map[string]*dblayer.Script{},
		submissions: map[string]*dblayer.Submission{},
		jobs:        map[string]string{},
	}
}

func (m *memStore) addScript(key string, maxUsage int) *dblayer.Script {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	sc := &dblayer.Script{ID: m.nextID, Key: key, Name: "n" + key, MaxUsage: maxUsage, ScriptType: "default"}
	m.scripts[key] = sc
	cp := *sc
	return &cp
}

func (m *memStore) CreateScript(_ context.Context, sc *dblayer.Script) (*dblayer.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.createScriptErrs) > 0 {
		err := m.createScriptErrs[0]
		m.createScriptErrs = m.createScriptErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	for _, existing := range m.scripts {
		if existing.Name == sc.Name {
			return nil, &dblayer.DuplicateError{Constraint: dblayer.ConstraintScriptName, Err: errors.New("dup")}
		}
	}
	if _, ok := m.scripts[sc.Key]; ok {
		return nil, &dblayer.DuplicateError{Constraint: dblayer.ConstraintScriptKey, Err: errors.New("dup")}
	}
	m.nextID++
	cp := *sc
	cp.ID = m.nextID
	cp.CreatedAt = time.Now()
	m.scripts[sc.Key] = &cp
	out := cp
	return &out, nil
}

func (m *memStore) GetScriptByKey(_ context.Context, key string) (*dblayer.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scripts[key]
	if !ok {
		return nil, dblayer.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (m *memStore) GetScriptByName(_ context.Context, name string) (*dblayer.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sc := range m.scripts {
		if sc.Name == name {
			cp := *sc
			return &cp, nil
		}
	}
	return nil, dblayer.ErrNotFound
}

func (m *memStore) BindFingerprint(_ context.Context, key, fingerprint string) (*dblayer.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scripts[key]
	if !ok || sc.Fingerprint != nil {
		return nil, dblayer.ErrNotFound
	}
	fp := fingerprint
	now := time.Now()
	sc.Fingerprint = &fp
	sc.FirstSeen = &now
	cp := *sc
	return &cp, nil
}

func (m *memStore) IncrementUsage(_ context.Context, key string) (*dblayer.Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scripts[key]
	if !ok || sc.Usage >= sc.MaxUsage {
		return nil, dblayer.ErrNotFound
	}
	now := time.Now()
	sc.Usage++
	sc.LastSeen = &now
	cp := *sc
	return &cp, nil
}

func (m *memStore) deleteScript(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scripts, key)
}

func (m *memStore) CreateSubmission(_ context.Context, scriptID int64, keyAnswer, inputPath string) (*dblayer.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.createSubErrs) > 0 {
		err := m.createSubErrs[0]
		m.createSubErrs = m.createSubErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if _, ok := m.submissions[keyAnswer]; ok {
		return nil, &dblayer.DuplicateError{Constraint: dblayer.ConstraintCheckKeyAnswer, Err: errors.New("dup")}
	}
	m.nextID++
	sub := &dblayer.Submission{
		ID: m.nextID, ScriptID: scriptID, KeyAnswer: keyAnswer,
		Status: dblayer.SubmissionPending, InputPath: inputPath, CreatedAt: time.Now(),
	}
	m.submissions[keyAnswer] = sub
	cp := *sub
	return &cp, nil
}

func (m *memStore) GetSubmission(_ context.Context, keyAnswer string) (*dblayer.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getSubErr != nil {
		return nil, m.getSubErr
	}
	sub, ok := m.submissions[keyAnswer]
	if !ok {
		return nil, dblayer.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *memStore) UpdateSubmission(_ context.Context, keyAnswer string, upd dblayer.SubmissionUpdate) (*dblayer.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	sub, ok := m.submissions[keyAnswer]
	if !ok || sub.Status.Terminal() {
		return nil, dblayer.ErrNotFound
	}
	m.updates = append(m.updates, upd)
	sub.Status = upd.Status
	sub.ResultJSON = upd.ResultJSON
	sub.Error = upd.Error
	cp := *sub
	return &cp, nil
}

func (m *memStore) EnqueueJob(_ context.Context, id, payload string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return false, m.enqueueErr
	}
	if _, ok := m.jobs[id]; ok {
		return false, nil
	}
	m.jobs[id] = payload
	return true, nil
}

func (m *memStore) submissionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submissions)
}

func (m *memStore) terminalWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.updates {
		if u.Status.Terminal() {
			n++
		}
	}
	return n
}

type solverFunc func(ctx context.Context, image []byte) (string, error)

func (f solverFunc) Solve(ctx context.Context, image []byte) (string, error) { return f(ctx, image) }

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			ScriptDurationHours: 720,
			ScriptNameLength:    3,
			ScriptMaxUsage:      50,
			ScriptType:          "default",
			MaxKeyAttempts:      20,
		},
	}
}

// assertIs uses errors.Is from cockroachdb/errors, which also sees marks.
func assertIs(t *testing.T, err, target error) bool {
	t.Helper()
	return assert.Truef(t, errors.Is(err, target), "expected %q to match %q", err, target)
}

func requireIs(t *testing.T, err, target error) {
	t.Helper()
	require.Truef(t, errors.Is(err, target), "expected %q to match %q", err, target)
}
