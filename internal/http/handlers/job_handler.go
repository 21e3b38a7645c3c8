// Job HTTP handlers.
//
// This file exposes REST endpoints for capture jobs:
//   - POST   /job               (create or update; manual jobs dispatch now)
//   - GET    /job/:id           (status summary)
//   - DELETE /job/:id           (delete, reverse quota)
//   - GET    /job/:id/results   (unretrieved results for this client)
//   - POST   /job/:id/purge     (clear results, optionally keeping the tail)
//   - GET    /jobs              (sync-friendly active job list)
//
// All routes require a bearer token; ownership is enforced by the job
// store, which distinguishes "not found" from "owned by another token".
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/pagewatch/pagewatch-runner/internal/domain"
	"github.com/pagewatch/pagewatch-runner/internal/http/middleware"
	"github.com/pagewatch/pagewatch-runner/internal/services"
	"github.com/pagewatch/pagewatch-runner/internal/utils"
)

//
// DTOs
//

// SubmitJobRequest is the JSON payload for POST /job.
type SubmitJobRequest struct {
	// Domain keys the job together with the caller's token; one job per
	// (domain, token) pair.
	Domain string `json:"domain" binding:"required"`
	// Interval in seconds between runs; 0 or absent means one-shot manual.
	Interval int `json:"interval"`
	// Session seeds the capture browser (URL, cookies, storage, viewport).
	Session domain.SessionData `json:"sessionData" binding:"required"`
	// LLM optionally overrides the server's model configuration.
	LLM domain.LLMConfig `json:"llmConfig"`
	// Fields are the evaluation criteria; at least one is required.
	Fields []domain.FieldDef `json:"fields" binding:"required"`
	// PreviousEvaluation optionally seeds prior context for the first run.
	PreviousEvaluation *domain.Evaluation `json:"previousEvaluation"`
	// Capture tunes the screenshot run.
	Capture domain.CaptureSettings `json:"captureSettings"`
}

// SubmitJobResponse reports the stored job and what happened to it.
type SubmitJobResponse struct {
	JobID string `json:"jobId"`
	// Status is "dispatched" for an immediate manual run (202) or
	// "scheduled" for a recurring job awaiting its sweep (201).
	Status string `json:"status"`
}

// PurgeRequest is the JSON payload for POST /job/:id/purge.
type PurgeRequest struct {
	// KeepLast retains the N most recent results; 0 clears everything.
	KeepLast int `json:"keepLast"`
}

// ResultsResponse wraps the batch of not-yet-retrieved results.
type ResultsResponse struct {
	JobID   string                `json:"jobId"`
	Results []domain.ResultRecord `json:"results"`
}

//
// Handlers
//

// SubmitJob godoc
// @ID          submitJob
// @Summary     Create or update a capture job
// @Description Creates the caller's job for the given domain, or replaces its configuration if one exists. Manual jobs (no interval) dispatch immediately.
// @Tags        Jobs
// @Accept      json
// @Produce     json
// @Param       body body handlers.SubmitJobRequest true "Job payload"
// @Success     201 {object} handlers.SubmitJobResponse "Recurring job scheduled"
// @Success     202 {object} handlers.SubmitJobResponse "Manual run dispatched"
// @Failure     400 {object} handlers.ErrorResponse "Bad request"
// @Failure     401 {object} handlers.ErrorResponse "Invalid token"
// @Failure     413 {object} handlers.ErrorResponse "Payload too large"
// @Failure     429 {object} handlers.ErrorResponse "Quota or job limit exceeded"
// @Router      /job [post]
func (h *Handlers) SubmitJob(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid job payload")
		return
	}
	if strings.TrimSpace(req.Session.URL) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "sessionData.url required")
		return
	}
	if len(req.Fields) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "at least one field required")
		return
	}
	if req.Interval < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "interval must be >= 0")
		return
	}

	res, err := h.jobs.Submit(services.SubmitParams{
		Domain:             strings.TrimSpace(req.Domain),
		TokenSecret:        middleware.TokenSecret(c),
		Interval:           req.Interval,
		Session:            req.Session,
		LLM:                req.LLM,
		Fields:             req.Fields,
		PreviousEvaluation: req.PreviousEvaluation,
		Capture:            req.Capture,
	})
	if err != nil {
		h.failSubmit(c, err)
		return
	}

	if res.Dispatched {
		ok(c, http.StatusAccepted, SubmitJobResponse{JobID: res.JobID, Status: "dispatched"})
		return
	}
	ok(c, http.StatusCreated, SubmitJobResponse{JobID: res.JobID, Status: "scheduled"})
}

// GetJob godoc
// @ID          getJob
// @Summary     Job status summary
// @Description Returns the job's status summary. Result payloads are only served by the results endpoint.
// @Tags        Jobs
// @Produce     json
// @Param       id path string true "Job ID"
// @Success     200 {object} services.JobView
// @Failure     403 {object} handlers.ErrorResponse "Owned by another token"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Router      /job/{id} [get]
func (h *Handlers) GetJob(c *gin.Context) {
	view, err := h.jobs.Get(c.Param("id"), middleware.TokenSecret(c))
	if err != nil {
		h.failJob(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}

// DeleteJob godoc
// @ID          deleteJob
// @Summary     Delete a job
// @Description Removes the job and reverses its quota contribution. A running execution is not interrupted but no further runs happen.
// @Tags        Jobs
// @Param       id path string true "Job ID"
// @Success     204 {string} string "No Content"
// @Failure     403 {object} handlers.ErrorResponse "Owned by another token"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Router      /job/{id} [delete]
func (h *Handlers) DeleteJob(c *gin.Context) {
	if err := h.jobs.Delete(c.Param("id"), middleware.TokenSecret(c)); err != nil {
		h.failJob(c, err)
		return
	}
	noContent(c)
}

// GetResults godoc
// @ID          getJobResults
// @Summary     Fetch unretrieved results
// @Description Returns the job's results not yet fetched by this client identifier and marks them retrieved. Each record is delivered at most once per client.
// @Tags        Jobs
// @Produce     json
// @Param       id       path  string true  "Job ID"
// @Param       clientId query string false "Override the client identifier used for retrieval tracking"
// @Success     200 {object} handlers.ResultsResponse
// @Failure     403 {object} handlers.ErrorResponse "Owned by another token"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Router      /job/{id}/results [get]
func (h *Handlers) GetResults(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("clientId"))
	if clientID == "" {
		clientID = middleware.ClientID(c)
	}

	results, err := h.jobs.UnretrievedResults(c.Param("id"), middleware.TokenSecret(c), clientID)
	if err != nil {
		h.failJob(c, err)
		return
	}
	ok(c, http.StatusOK, ResultsResponse{JobID: c.Param("id"), Results: results})
}

// PurgeResults godoc
// @ID          purgeJobResults
// @Summary     Purge stored results
// @Description Clears the job's result history, optionally keeping the most recent N records.
// @Tags        Jobs
// @Accept      json
// @Produce     json
// @Param       id   path string               true  "Job ID"
// @Param       body body handlers.PurgeRequest false "Purge options"
// @Success     200 {object} map[string]int
// @Failure     403 {object} handlers.ErrorResponse "Owned by another token"
// @Failure     404 {object} handlers.ErrorResponse "Not found"
// @Router      /job/{id}/purge [post]
func (h *Handlers) PurgeResults(c *gin.Context) {
	// keepLast may arrive in the body or as a query parameter; an empty
	// request means "purge everything".
	req := PurgeRequest{KeepLast: utils.AtoiDefault(c.Query("keepLast"), 0)}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid purge payload")
			return
		}
	}
	if req.KeepLast < 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "keepLast must be >= 0")
		return
	}

	removed, err := h.jobs.Purge(c.Param("id"), middleware.TokenSecret(c), req.KeepLast)
	if err != nil {
		h.failJob(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"removed": removed})
}

// ListJobs godoc
// @ID          listJobs
// @Summary     List active jobs
// @Description Lists the caller's recurring jobs plus any still-running manual jobs.
// @Tags        Jobs
// @Produce     json
// @Success     200 {array} services.JobView
// @Router      /jobs [get]
func (h *Handlers) ListJobs(c *gin.Context) {
	ok(c, http.StatusOK, h.jobs.ListActive(middleware.TokenSecret(c)))
}

//
// Error mapping
//

// failSubmit translates submission errors into the error envelope.
func (h *Handlers) failSubmit(c *gin.Context, err error) {
	if qe, isQuota := services.IsQuotaError(err); isQuota {
		fail(c, http.StatusTooManyRequests, ErrCodeQuotaExceeded, qe.Error())
		return
	}
	switch {
	case errors.Is(err, services.ErrServerJobLimit):
		fail(c, http.StatusTooManyRequests, ErrCodeJobLimit, "server job limit reached")
	case errors.Is(err, services.ErrTokenNotFound), errors.Is(err, services.ErrTokenExpired):
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid token")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeSubmitFailed, err.Error())
	}
}

// failJob translates lookup errors shared by the per-job endpoints.
func (h *Handlers) failJob(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "job owned by another token")
	case errors.Is(err, services.ErrJobNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "job not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
