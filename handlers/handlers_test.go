package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cattle4808/aianswer/core"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIssuer struct {
	got core.IssueParams
	err error
}

func (f *fakeIssuer) Issue(_ context.Context, p core.IssueParams) (*dblayer.Script, error) {
	f.got = p
	if f.err != nil {
		return nil, f.err
	}
	return &dblayer.Script{Key: "k1", Name: "abc", MaxUsage: 50}, nil
}

type fakeStore struct {
	scripts     map[string]*dblayer.Script
	submissions map[string]*dblayer.Submission
	err         error
	deleted     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		scripts: map[string]*dblayer.Script{
			"k1": {Key: "k1", Name: "abc", MaxUsage: 5},
		},
		submissions: map[string]*dblayer.Submission{
			"ans1": {KeyAnswer: "ans1", Status: dblayer.SubmissionCompleted, ResultJSON: json.RawMessage(`{"text":"42"}`)},
		},
	}
}

func (f *fakeStore) GetScriptByKey(_ context.Context, key string) (*dblayer.Script, error) {
	if f.err != nil {
		return nil, f.err
	}
	if sc, ok := f.scripts[key]; ok {
		return sc, nil
	}
	return nil, dblayer.ErrNotFound
}

func (f *fakeStore) GetScriptByName(_ context.Context, name string) (*dblayer.Script, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, sc := range f.scripts {
		if sc.Name == name {
			return sc, nil
		}
	}
	return nil, dblayer.ErrNotFound
}

func (f *fakeStore) DeleteScript(_ context.Context, key string) error {
	if _, ok := f.scripts[key]; !ok {
		return dblayer.ErrNotFound
	}
	delete(f.scripts, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeStore) ListSubmissionsByScript(_ context.Context, key string, _ int) (*dblayer.Script, []*dblayer.Submission, error) {
	sc, ok := f.scripts[key]
	if !ok {
		return nil, nil, dblayer.ErrNotFound
	}
	return sc, nil, nil
}

func (f *fakeStore) GetSubmission(_ context.Context, keyAnswer string) (*dblayer.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	if sub, ok := f.submissions[keyAnswer]; ok {
		return sub, nil
	}
	return nil, dblayer.ErrNotFound
}

func (f *fakeStore) Ping(context.Context) error { return f.err }

func (f *fakeStore) SubmissionStats(context.Context) (*dblayer.SubmissionStats, error) {
	return &dblayer.SubmissionStats{Total: 3, Completed: 2, Pending: 1}, nil
}

type fakeAdmission struct {
	calls int
	err   error
}

func (f *fakeAdmission) Admit(_ context.Context, key, fingerprint string) (*dblayer.Script, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &dblayer.Script{ID: 1, Key: key, Name: "abc", Fingerprint: &fingerprint}, nil
}

type fakeIntake struct {
	filename string
	body     []byte
	err      error
}

func (f *fakeIntake) Submit(_ context.Context, _ *dblayer.Script, up core.Upload) (string, error) {
	f.filename = up.Filename
	f.body, _ = io.ReadAll(up.Body)
	if f.err != nil {
		return "", f.err
	}
	return "ans-new", nil
}

type testServer struct {
	router    *gin.Engine
	issuer    *fakeIssuer
	store     *fakeStore
	admission *fakeAdmission
	intake    *fakeIntake
}

func newTestServer(secret []byte) *testServer {
	ts := &testServer{
		router:    gin.New(),
		issuer:    &fakeIssuer{},
		store:     newFakeStore(),
		admission: &fakeAdmission{},
		intake:    &fakeIntake{},
	}
	RegisterRoutes(ts.router,
		NewScriptHandler(ts.issuer, ts.store),
		NewSubmissionHandler(ts.admission, ts.intake, ts.store, 1<<20, nil),
		secret)
	return ts
}

func (ts *testServer) do(req *http.Request) (*httptest.ResponseRecorder, Response) {
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func multipartImage(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestGetScript(t *testing.T) {
	ts := newTestServer(nil)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"by name", "/api/v1/scripts?name=abc", 200},
		{"by key", "/api/v1/scripts?key=k1", 200},
		{"unknown name is 404", "/api/v1/scripts?name=zzz", 404},
		{"unknown key is 400", "/api/v1/scripts?key=nope", 400},
		{"no query", "/api/v1/scripts", 400},
		{"legacy name path", "/get_script_by_name?name=abc", 200},
		{"legacy key path", "/get_script_by_key?key=nope", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := ts.do(httptest.NewRequest("GET", tt.path, nil))
			assert.Equal(t, tt.status, w.Code)
		})
	}

	w, _ := ts.do(httptest.NewRequest("GET", "/api/v1/scripts?key=k1", nil))
	var sc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sc))
	assert.Equal(t, "abc", sc["name"])
	assert.NotContains(t, sc, "id")
}

func TestGetScript_DBError(t *testing.T) {
	ts := newTestServer(nil)
	ts.store.err = errors.New("connection refused")

	w, resp := ts.do(httptest.NewRequest("GET", "/api/v1/scripts?name=abc", nil))
	assert.Equal(t, 500, w.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, core.CodeDB, *resp.Error)
}

func TestCreateScript(t *testing.T) {
	ts := newTestServer(nil)

	body := `{"start_at":"2025-01-01T10:00:00","stop_at":"2025-01-02T10:00:00+05:00","name_length":5}`
	req := httptest.NewRequest("POST", "/api/v1/scripts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w, resp := ts.do(req)

	require.Equal(t, 200, w.Code)
	assert.True(t, resp.OK)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 5, ts.issuer.got.NameLength)
	require.NotNil(t, ts.issuer.got.StartAt)
	assert.True(t, ts.issuer.got.StartAt.Equal(time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, ts.issuer.got.StartAt.Location())
	require.NotNil(t, ts.issuer.got.StopAt)
	assert.True(t, ts.issuer.got.StopAt.Equal(time.Date(2025, 1, 2, 5, 0, 0, 0, time.UTC)))
}

func TestCreateScript_EmptyBodyUsesDefaults(t *testing.T) {
	ts := newTestServer(nil)

	req := httptest.NewRequest("POST", "/create_script", strings.NewReader(""))
	req.Header.Set("Content-Type", "application/json")
	w, resp := ts.do(req)

	require.Equal(t, 200, w.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, core.IssueParams{}, ts.issuer.got)
}

func TestCreateScript_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{"bad timestamp", `{"start_at":"yesterday"}`, nil, 400},
		{"invalid length", `{"name_length":99}`, errors.Mark(errors.New("name_length must be between 3 and 32"), core.ErrInvalidRequest), 400},
		{"name taken", `{"name":"abc"}`, errors.Mark(errors.New("name taken"), core.ErrConflict), 409},
		{"exhausted", `{}`, core.ErrUniqueKeyFailed, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(nil)
			ts.issuer.err = tt.err
			req := httptest.NewRequest("POST", "/api/v1/scripts", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w, resp := ts.do(req)
			assert.Equal(t, tt.status, w.Code)
			assert.False(t, resp.OK)
			assert.NotNil(t, resp.Error)
		})
	}
}

func TestCreateScript_RejectsShortNameLength(t *testing.T) {
	for _, body := range []string{`{"name_length":0}`, `{"name_length":2}`, `{"name_length":-1}`} {
		t.Run(body, func(t *testing.T) {
			ts := newTestServer(nil)
			req := httptest.NewRequest("POST", "/api/v1/scripts", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			w, resp := ts.do(req)

			assert.Equal(t, 400, w.Code)
			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.True(t, strings.HasPrefix(*resp.Error, core.CodeInvalidRequest), *resp.Error)
			assert.Equal(t, core.IssueParams{}, ts.issuer.got, "issuer must not be called")
		})
	}
}

func TestCreateScript_RequiresAdminToken(t *testing.T) {
	secret := []byte("s3cret")
	ts := newTestServer(secret)

	req := httptest.NewRequest("POST", "/api/v1/scripts", strings.NewReader("{}"))
	w, _ := ts.do(req)
	assert.Equal(t, 401, w.Code)

	req = httptest.NewRequest("POST", "/api/v1/scripts", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer garbage")
	w, _ = ts.do(req)
	assert.Equal(t, 401, w.Code)

	token, err := GenerateAdminToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest("POST", "/api/v1/scripts", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+token)
	w, _ = ts.do(req)
	assert.Equal(t, 200, w.Code)

	// lookups stay public
	w, _ = ts.do(httptest.NewRequest("GET", "/api/v1/scripts?name=abc", nil))
	assert.Equal(t, 200, w.Code)
}

func TestAdminToken(t *testing.T) {
	secret := []byte("s3cret")

	token, err := GenerateAdminToken(secret, "ops", time.Hour)
	require.NoError(t, err)
	sub, err := ValidateAdminToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "ops", sub)

	_, err = ValidateAdminToken([]byte("other"), token)
	assert.Error(t, err)

	expired, err := GenerateAdminToken(secret, "ops", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateAdminToken(secret, expired)
	assert.Error(t, err)

	_, err = GenerateAdminToken(nil, "ops", time.Hour)
	assert.Error(t, err)
}

func TestScriptAdminRoutes(t *testing.T) {
	ts := newTestServer(nil)

	w, resp := ts.do(httptest.NewRequest("GET", "/api/v1/scripts/k1/submissions", nil))
	require.Equal(t, 200, w.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, []any{}, data["submissions"])

	w, _ = ts.do(httptest.NewRequest("GET", "/api/v1/scripts/nope/submissions", nil))
	assert.Equal(t, 404, w.Code)

	w, _ = ts.do(httptest.NewRequest("DELETE", "/api/v1/scripts/k1", nil))
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, []string{"k1"}, ts.store.deleted)

	w, _ = ts.do(httptest.NewRequest("DELETE", "/api/v1/scripts/k1", nil))
	assert.Equal(t, 404, w.Code)
}

func TestCreateSubmission(t *testing.T) {
	ts := newTestServer(nil)

	body, ct := multipartImage(t, "image", "photo.png", []byte("png-bytes"))
	req := httptest.NewRequest("POST", "/api/v1/submissions?key=k1&fingerprint=abc", body)
	req.Header.Set("Content-Type", ct)
	w, resp := ts.do(req)

	require.Equal(t, 200, w.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, map[string]any{"key_answer": "ans-new"}, resp.Data)
	assert.Equal(t, "photo.png", ts.intake.filename)
	assert.Equal(t, []byte("png-bytes"), ts.intake.body)
}

func TestCreateSubmission_MissingImageSkipsAdmission(t *testing.T) {
	ts := newTestServer(nil)

	body, ct := multipartImage(t, "", "", nil)
	req := httptest.NewRequest("POST", "/check?key=k1&fingerprint=abc", body)
	req.Header.Set("Content-Type", ct)
	w, resp := ts.do(req)

	assert.Equal(t, 400, w.Code)
	assert.False(t, resp.OK)
	assert.Zero(t, ts.admission.calls)
}

func TestCreateSubmission_Errors(t *testing.T) {
	tests := []struct {
		name      string
		admitErr  error
		intakeErr error
		status    int
		prefix    string
	}{
		{"unknown key", core.ErrNotFound, nil, 400, core.CodeNotFound},
		{"fingerprint mismatch", core.ErrIncorrectFingerprint, nil, 400, core.CodeIncorrectFingerprint},
		{"quota", core.ErrMaxUsage, nil, 400, core.CodeMaxUsage},
		{"save failure", nil, errors.Mark(errors.Wrap(errors.New("disk full"), core.CodeSave), core.ErrSave), 400, core.CodeSave},
		{"db failure", nil, errors.Mark(errors.Wrap(errors.New("conn reset"), core.CodeDB), core.ErrDB), 500, core.CodeDB},
		{"keys exhausted", nil, core.ErrUniqueKeyFailed, 500, core.CodeUniqueKeyFailed},
		{"unclassified", nil, errors.New("open /var/media/x: permission denied"), 500, core.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(nil)
			ts.admission.err = tt.admitErr
			ts.intake.err = tt.intakeErr

			body, ct := multipartImage(t, "image", "a.jpg", []byte("x"))
			req := httptest.NewRequest("POST", "/check?key=k1&fingerprint=abc", body)
			req.Header.Set("Content-Type", ct)
			w, resp := ts.do(req)

			assert.Equal(t, tt.status, w.Code)
			assert.False(t, resp.OK)
			require.NotNil(t, resp.Error)
			assert.True(t, strings.HasPrefix(*resp.Error, tt.prefix), *resp.Error)
			if tt.status == 500 {
				assert.Equal(t, tt.prefix, *resp.Error)
			}
		})
	}
}

func TestGetSubmission(t *testing.T) {
	ts := newTestServer(nil)

	w, _ := ts.do(httptest.NewRequest("GET", "/api/v1/submissions?key_answer=ans1", nil))
	require.Equal(t, 200, w.Code)
	var sub map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, "completed", sub["status"])
	assert.Equal(t, map[string]any{"text": "42"}, sub["result_json"])

	w, _ = ts.do(httptest.NewRequest("GET", "/check?key_answer=missing", nil))
	assert.Equal(t, 400, w.Code)

	w, _ = ts.do(httptest.NewRequest("GET", "/check", nil))
	assert.Equal(t, 400, w.Code)
}

func TestHealth(t *testing.T) {
	store := newFakeStore()
	r := gin.New()
	r.GET("/health", Health(store))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"database":"healthy"`)

	store.err = errors.New("down")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 503, w.Code)
}

func TestStats(t *testing.T) {
	metrics, err := logging.NewMetrics("w1")
	require.NoError(t, err)
	metrics.JobStarted(context.Background(), "ans1")
	metrics.JobFinished(context.Background(), "ans1", "")

	r := gin.New()
	r.GET("/api/stats", Stats(metrics, newFakeStore()))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/stats", nil))
	require.Equal(t, 200, w.Code)

	var body struct {
		Worker      logging.StatusResponse   `json:"worker"`
		Submissions dblayer.SubmissionStats `json:"submissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "w1", body.Worker.ID)
	assert.Equal(t, uint64(1), body.Worker.JobsSuccessful)
	assert.Equal(t, 3, body.Submissions.Total)
}
