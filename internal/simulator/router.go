package simulator

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(store *Store, logger *slog.Logger) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "control-plane-simulator",
		})
	})

	h := NewHandler(store, logger)

	// The route shape mirrors the real control plane so a worker can be
	// pointed at the simulator with only a base_url change.
	ep := r.Group("/:endpoint")
	{
		ep.POST("/enqueue", h.Enqueue)
		ep.GET("/job-take/:worker_id", h.TakeJobs)
		ep.POST("/job-done/:worker_id/:job_id", h.SubmitResult)
		ep.POST("/job-stream/:worker_id/:job_id", h.SubmitPartial)
		ep.POST("/upload/:worker_id", h.Upload)
		ep.GET("/status/:job_id", h.JobStatus)
	}

	return r
}
