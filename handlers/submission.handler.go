package handlers

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cattle4808/aianswer/core"
	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

// Admitter is satisfied by *core.Admission.
type Admitter interface {
	Admit(ctx context.Context, key, fingerprint string) (*dblayer.Script, error)
}

// Submitter is satisfied by *core.Intake.
type Submitter interface {
	Submit(ctx context.Context, sc *dblayer.Script, up core.Upload) (string, error)
}

type SubmissionReader interface {
	GetSubmission(ctx context.Context, keyAnswer string) (*dblayer.Submission, error)
}

type SubmissionHandler struct {
	admission Admitter
	intake    Submitter
	store     SubmissionReader
	maxUpload int64
	log       *zap.SugaredLogger
}

// NewSubmissionHandler caps uploads at maxUpload bytes when it is positive.
func NewSubmissionHandler(admission Admitter, intake Submitter, store SubmissionReader, maxUpload int64, log *zap.SugaredLogger) *SubmissionHandler {
	return &SubmissionHandler{
		admission: admission,
		intake:    intake,
		store:     store,
		maxUpload: maxUpload,
		log:       logging.OrNop(log).Named("submissions"),
	}
}

// CreateSubmission admits the caller's script and hands the image to intake.
// The image is checked first so a malformed request never spends usage.
func (h *SubmissionHandler) CreateSubmission(c *gin.Context) {
	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}

	key := c.Query("key")
	if key == "" {
		key = c.PostForm("key")
	}
	fingerprint := c.Query("fingerprint")
	if fingerprint == "" {
		fingerprint = c.PostForm("fingerprint")
	}

	file, err := c.FormFile("image")
	if err != nil {
		fail(c, 400, core.CodeInvalidRequest+": image is required")
		return
	}
	body, err := file.Open()
	if err != nil {
		fail(c, 400, core.CodeSave+": "+err.Error())
		return
	}
	defer body.Close()

	ctx := c.Request.Context()
	sc, err := h.admission.Admit(ctx, key, fingerprint)
	if err != nil {
		failErr(c, err)
		return
	}

	keyAnswer, err := h.intake.Submit(ctx, sc, core.Upload{Filename: file.Filename, Body: body})
	if err != nil {
		h.log.Warnw("intake failed", "script", sc.Name, "code", core.Code(err), "error", err)
		failErr(c, err)
		return
	}

	ok(c, gin.H{"key_answer": keyAnswer})
}

// GetSubmission returns the polled submission, 400 when it does not exist.
func (h *SubmissionHandler) GetSubmission(c *gin.Context) {
	keyAnswer := c.Query("key_answer")
	if keyAnswer == "" {
		fail(c, 400, core.CodeInvalidRequest+": key_answer is required")
		return
	}

	sub, err := h.store.GetSubmission(c.Request.Context(), keyAnswer)
	if errors.Is(err, dblayer.ErrNotFound) {
		fail(c, 400, core.CodeNotFound)
		return
	}
	if err != nil {
		_ = c.Error(err)
		fail(c, 500, core.CodeDB)
		return
	}
	c.JSON(200, sub)
}
