package handlers

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the public API under /api/v1 and keeps the legacy
// flat paths working at the root.
func RegisterRoutes(r gin.IRouter, sh *ScriptHandler, subh *SubmissionHandler, adminSecret []byte) {
	admin := AdminMiddleware(adminSecret)

	api := r.Group("/api/v1")
	{
		api.GET("/scripts", sh.GetScript)
		api.POST("/scripts", admin, sh.CreateScript)
		api.DELETE("/scripts/:key", admin, sh.DeleteScript)
		api.GET("/scripts/:key/submissions", admin, sh.ListSubmissions)

		api.POST("/submissions", subh.CreateSubmission)
		api.GET("/submissions", subh.GetSubmission)
	}

	r.GET("/get_script_by_name", sh.GetScript)
	r.GET("/get_script_by_key", sh.GetScript)
	r.POST("/create_script", admin, sh.CreateScript)
	r.POST("/check", subh.CreateSubmission)
	r.GET("/check", subh.GetSubmission)
}
