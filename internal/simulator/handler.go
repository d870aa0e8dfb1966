package simulator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/compute-worker/internal/worker/domain"
)

// Handler serves the simulated control plane endpoints
type Handler struct {
	store  *Store
	logger *slog.Logger
}

// NewHandler creates a handler over store
func NewHandler(store *Store, logger *slog.Logger) *Handler {
	return &Handler{
		store:  store,
		logger: logger,
	}
}

// Enqueue handles POST /:endpoint/enqueue
// Adds a job to the simulated queue; the id is generated when omitted
func (h *Handler) Enqueue(c *gin.Context) {
	var job domain.Job
	if err := c.ShouldBindJSON(&job); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	h.store.Enqueue(&job)

	h.logger.Info("Job enqueued",
		slog.String("job_id", job.ID),
		slog.Int("queue_depth", h.store.QueueDepth()),
	)

	c.JSON(http.StatusOK, gin.H{
		"id":     job.ID,
		"status": "IN_QUEUE",
	})
}

// TakeJobs handles GET /:endpoint/job-take/:worker_id
// Leases up to batch_size jobs; 204 when the queue is empty. A single job
// is returned as an object, a batch as an array, matching the control plane
// wire shape the worker client expects.
func (h *Handler) TakeJobs(c *gin.Context) {
	workerID := c.Param("worker_id")

	batchSize, err := strconv.Atoi(c.DefaultQuery("batch_size", "1"))
	if err != nil || batchSize < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "batch_size must be a positive integer",
		})
		return
	}

	jobs := h.store.Take(workerID, batchSize)
	if len(jobs) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	h.logger.Info("Jobs leased",
		slog.String("worker_id", workerID),
		slog.Int("count", len(jobs)),
		slog.String("in_progress", c.Query("job_in_progress")),
	)

	if batchSize == 1 {
		c.JSON(http.StatusOK, jobs[0])
		return
	}
	c.JSON(http.StatusOK, jobs)
}

// SubmitResult handles POST /:endpoint/job-done/:worker_id/:job_id
// Records the terminal result; duplicates return 409 and unknown ids 404,
// which the worker treats as already-finalized
func (h *Handler) SubmitResult(c *gin.Context) {
	workerID := c.Param("worker_id")
	jobID := c.Param("job_id")

	var result domain.ExecutionResult
	if err := c.ShouldBindJSON(&result); err != nil {
		h.logger.Error("Invalid result body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid result body",
		})
		return
	}

	err := h.store.Finalize(jobID, workerID, &result)
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	case errors.Is(err, ErrAlreadyFinalized):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already finalized",
		})
		return
	}

	h.logger.Info("Result recorded",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("kind", string(result.Kind)),
	)

	c.JSON(http.StatusOK, gin.H{
		"id":     jobID,
		"status": string(result.Kind),
	})
}

// SubmitPartial handles POST /:endpoint/job-stream/:worker_id/:job_id
// Appends one stream partial to the job record
func (h *Handler) SubmitPartial(c *gin.Context) {
	jobID := c.Param("job_id")

	var body struct {
		Output json.RawMessage `json:"output"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid partial body",
		})
		return
	}

	err := h.store.AppendPartial(jobID, body.Output)
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	case errors.Is(err, ErrAlreadyFinalized):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already finalized",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id": jobID,
	})
}

// Upload handles POST /:endpoint/upload/:worker_id
// Stores an opaque blob and returns a reference URL
func (h *Handler) Upload(c *gin.Context) {
	workerID := c.Param("worker_id")

	blob, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Failed to read upload body",
		})
		return
	}

	ref := h.store.StoreUpload(workerID, blob)

	h.logger.Info("Payload uploaded",
		slog.String("worker_id", workerID),
		slog.Int("bytes", len(blob)),
		slog.String("url", ref),
	)

	c.JSON(http.StatusOK, gin.H{
		"url": ref,
	})
}

// JobStatus handles GET /:endpoint/status/:job_id
// Returns the full record for a job, including partials and result
func (h *Handler) JobStatus(c *gin.Context) {
	jobID := c.Param("job_id")

	rec, ok := h.store.Record(jobID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
		return
	}

	c.JSON(http.StatusOK, rec)
}
