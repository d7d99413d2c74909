package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cattle4808/aianswer/dblayer"
	"github.com/cattle4808/aianswer/logging"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type StatsSource interface {
	SubmissionStats(ctx context.Context) (*dblayer.SubmissionStats, error)
}

// Health handles health check endpoint
func Health(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := gin.H{
			"status":    "ok",
			"timestamp": time.Now().Unix(),
		}

		// Check database connection
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				status["status"] = "degraded"
				status["database"] = "unhealthy"
				status["database_error"] = err.Error()
				c.JSON(503, status)
				return
			}
			status["database"] = "healthy"
		} else {
			status["database"] = "not_initialized"
		}

		c.JSON(200, status)
	}
}

// Stats reports the worker counters next to submission totals.
func Stats(metrics *logging.Metrics, source StatsSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"worker": metrics.Snapshot()}
		if source != nil {
			stats, err := source.SubmissionStats(c.Request.Context())
			if err != nil {
				_ = c.Error(err)
				resp["submissions_error"] = err.Error()
			} else {
				resp["submissions"] = stats
			}
		}
		c.JSON(200, resp)
	}
}
