package handlers

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/cattle4808/aianswer/config"
	"github.com/cattle4808/aianswer/core"
	"github.com/cattle4808/aianswer/dblayer"
)

// ScriptIssuer is satisfied by *core.Issuer.
type ScriptIssuer interface {
	Issue(ctx context.Context, p core.IssueParams) (*dblayer.Script, error)
}

// ScriptStore is the script side of dblayer.Store used by the handlers.
type ScriptStore interface {
	GetScriptByKey(ctx context.Context, key string) (*dblayer.Script, error)
	GetScriptByName(ctx context.Context, name string) (*dblayer.Script, error)
	DeleteScript(ctx context.Context, key string) error
	ListSubmissionsByScript(ctx context.Context, key string, limit int) (*dblayer.Script, []*dblayer.Submission, error)
}

type ScriptHandler struct {
	issuer ScriptIssuer
	store  ScriptStore
}

func NewScriptHandler(issuer ScriptIssuer, store ScriptStore) *ScriptHandler {
	return &ScriptHandler{issuer: issuer, store: store}
}

// flexTime accepts RFC 3339 and zone-less timestamps. Zone-less values are
// read as UTC.
type flexTime struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "timestamp must be a string")
	}
	s = strings.TrimSpace(s)
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return errors.Newf("invalid timestamp %q", s)
}

type createScriptRequest struct {
	Name       string    `json:"name"`
	StartAt    *flexTime `json:"start_at"`
	StopAt     *flexTime `json:"stop_at"`
	NameLength *int      `json:"name_length"`
}

// params rejects an explicit name_length below the minimum. Only an absent
// name_length takes the configured default.
func (r createScriptRequest) params() (core.IssueParams, error) {
	p := core.IssueParams{Name: strings.TrimSpace(r.Name)}
	if r.StartAt != nil {
		p.StartAt = &r.StartAt.Time
	}
	if r.StopAt != nil {
		p.StopAt = &r.StopAt.Time
	}
	if r.NameLength != nil {
		if *r.NameLength < config.MinNameLength {
			return p, errors.Newf("name_length must be between %d and %d", config.MinNameLength, config.MaxNameLength)
		}
		p.NameLength = *r.NameLength
	}
	return p, nil
}

// GetScript looks a script up by ?name= or ?key=. A missing name is 404, a
// missing key is 400.
func (h *ScriptHandler) GetScript(c *gin.Context) {
	if name := c.Query("name"); name != "" {
		sc, err := h.store.GetScriptByName(c.Request.Context(), name)
		if errors.Is(err, dblayer.ErrNotFound) {
			fail(c, 404, core.CodeNotFound)
			return
		}
		if err != nil {
			_ = c.Error(err)
			fail(c, 500, core.CodeDB)
			return
		}
		c.JSON(200, sc)
		return
	}

	if key := c.Query("key"); key != "" {
		sc, err := h.store.GetScriptByKey(c.Request.Context(), key)
		if errors.Is(err, dblayer.ErrNotFound) {
			fail(c, 400, core.CodeNotFound)
			return
		}
		if err != nil {
			_ = c.Error(err)
			fail(c, 500, core.CodeDB)
			return
		}
		c.JSON(200, sc)
		return
	}

	fail(c, 400, "name or key is required")
}

// CreateScript issues a script. An empty body takes every default.
func (h *ScriptHandler) CreateScript(c *gin.Context) {
	var req createScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, 400, err.Error())
		return
	}

	p, err := req.params()
	if err != nil {
		fail(c, 400, core.CodeInvalidRequest+": "+err.Error())
		return
	}
	sc, err := h.issuer.Issue(c.Request.Context(), p)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, sc)
}

// DeleteScript removes a script and, through the foreign key, its submissions.
func (h *ScriptHandler) DeleteScript(c *gin.Context) {
	err := h.store.DeleteScript(c.Request.Context(), c.Param("key"))
	if errors.Is(err, dblayer.ErrNotFound) {
		fail(c, 404, core.CodeNotFound)
		return
	}
	if err != nil {
		_ = c.Error(err)
		fail(c, 500, core.CodeDB)
		return
	}
	ok(c, gin.H{"key": c.Param("key")})
}

// ListSubmissions returns a script with its most recent submissions.
func (h *ScriptHandler) ListSubmissions(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	sc, subs, err := h.store.ListSubmissionsByScript(c.Request.Context(), c.Param("key"), limit)
	if errors.Is(err, dblayer.ErrNotFound) {
		fail(c, 404, core.CodeNotFound)
		return
	}
	if err != nil {
		_ = c.Error(err)
		fail(c, 500, core.CodeDB)
		return
	}
	if subs == nil {
		subs = []*dblayer.Submission{}
	}
	ok(c, gin.H{"script": sc, "submissions": subs})
}
