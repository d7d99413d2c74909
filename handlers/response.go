package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/cattle4808/aianswer/core"
)

// Response is the {ok, data, error} envelope.
type Response struct {
	OK    bool    `json:"ok"`
	Data  any     `json:"data"`
	Error *string `json:"error"`
}

func ok(c *gin.Context, data any) {
	c.JSON(200, Response{OK: true, Data: data})
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, Response{OK: false, Error: &msg})
}

// failErr answers with the error's code. Client errors carry the full
// message; infrastructure failures only their code.
func failErr(c *gin.Context, err error) {
	code := core.Code(err)
	if !core.IsClientError(err) {
		_ = c.Error(err)
		fail(c, 500, code)
		return
	}
	status := 400
	if code == core.CodeConflict {
		status = 409
	}
	fail(c, status, err.Error())
}
