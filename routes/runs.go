// Package routes is the HTTP surface of the service: read-only inspection of runs
// and documents, and submission of new runs to the queue.
package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"

	"doc-ingest-pipeline/internal/queue"
	"doc-ingest-pipeline/internal/storage"
	"doc-ingest-pipeline/models"
	"doc-ingest-pipeline/services"
	"doc-ingest-pipeline/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Enqueuer submits runs to the worker. *queue.Enqueuer implements it.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, p queue.RunPayload) (string, error)
}

// RunHandler serves the /runs and /documents endpoints
type RunHandler struct {
	store    storage.Store
	enqueuer Enqueuer
	exporter *services.ReportExporter
	logger   *slog.Logger
}

// NewRunHandler creates the handler. A nil enqueuer disables POST /runs.
func NewRunHandler(store storage.Store, enqueuer Enqueuer, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		store:    store,
		enqueuer: enqueuer,
		exporter: services.NewReportExporter(),
		logger:   logger,
	}
}

// SetupRunRoutes registers the run and document routes. write is applied to
// endpoints that accept a body.
func SetupRunRoutes(router gin.IRouter, h *RunHandler, write ...gin.HandlerFunc) {
	runs := router.Group("/runs")
	{
		runs.GET("", h.ListRuns)
		runs.POST("", append(write, h.CreateRun)...)
		runs.GET("/:id", h.GetRun)
		runs.GET("/:id/stages/:stage", h.GetStageSnapshot)
		runs.GET("/:id/report.xlsx", h.RunReport)
	}

	docs := router.Group("/documents")
	{
		docs.GET("/:id", h.GetDocument)
		docs.GET("/:id/failures", h.GetFailures)
	}
}

type createRunRequest struct {
	SourcePath string `json:"source_path"`
	RunID      string `json:"run_id"`
}

// CreateRun enqueues a new run, or the resumption of run_id.
func (h *RunHandler) CreateRun(c *gin.Context) {
	if h.enqueuer == nil {
		utils.RespondWithUnavailable(c, "Run queue is not configured")
		return
	}
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.RespondWithBadRequest(c, "Invalid request body", err.Error())
		return
	}
	if (req.SourcePath == "") == (req.RunID == "") {
		utils.RespondWithBadRequest(c, "Exactly one of source_path or run_id is required", nil)
		return
	}
	if req.SourcePath != "" {
		if info, err := os.Stat(req.SourcePath); err != nil || info.IsDir() {
			utils.RespondWithBadRequest(c, "Source file does not exist", req.SourcePath)
			return
		}
	}
	if req.RunID != "" {
		if _, err := h.store.LoadRun(c.Request.Context(), req.RunID); err != nil {
			h.storeError(c, err, "Run not found")
			return
		}
	}

	taskID, err := h.enqueuer.EnqueueRun(c.Request.Context(), queue.RunPayload{SourcePath: req.SourcePath, RunID: req.RunID})
	if err != nil {
		h.logger.Error("enqueue run failed", "source", req.SourcePath, "run_id", req.RunID, "error", err)
		utils.RespondWithInternalError(c, "Failed to enqueue run", nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "source_path": req.SourcePath, "run_id": req.RunID})
}

// ListRuns returns the most recent runs first.
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit := defaultListLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.RespondWithBadRequest(c, "limit must be a positive integer", v)
			return
		}
		limit = min(n, maxListLimit)
	}
	runs, err := h.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		h.storeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.store.LoadRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, "Run not found")
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetStageSnapshot returns the document as persisted after one stage of a run.
func (h *RunHandler) GetStageSnapshot(c *gin.Context) {
	stage := models.StageName(c.Param("stage"))
	if !slices.Contains(models.Stages, stage) {
		utils.RespondWithBadRequest(c, "Unknown stage", models.Stages)
		return
	}
	snap, err := h.store.LoadSnapshot(c.Request.Context(), c.Param("id"), stage)
	if err != nil {
		h.storeError(c, err, "Snapshot not found")
		return
	}
	c.JSON(http.StatusOK, snap)
}

// RunReport streams the XLSX report of a run. The document comes from the last
// snapshot of the run so the report matches what that run produced.
func (h *RunHandler) RunReport(c *gin.Context) {
	ctx := c.Request.Context()
	run, err := h.store.LoadRun(ctx, c.Param("id"))
	if err != nil {
		h.storeError(c, err, "Run not found")
		return
	}

	var doc models.Document
	if stage, ok := run.LastSucceeded(); ok {
		snap, err := h.store.LoadSnapshot(ctx, run.ID, stage)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.storeError(c, err, "")
			return
		}
		doc = snap.Document
	}

	data, err := h.exporter.Export(run, doc)
	if err != nil {
		h.logger.Error("report export failed", "run_id", run.ID, "error", err)
		utils.RespondWithInternalError(c, "Failed to build report", nil)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+run.ID+".xlsx"))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}

func (h *RunHandler) GetDocument(c *gin.Context) {
	doc, err := h.store.LoadDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, "Document not found")
		return
	}
	c.JSON(http.StatusOK, doc)
}

// GetFailures returns the aggregated parsing failures of a document.
func (h *RunHandler) GetFailures(c *gin.Context) {
	doc, err := h.store.LoadDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, err, "Document not found")
		return
	}
	failures := doc.Metadata.ParsingFailures
	if failures == nil {
		failures = []models.ParsingFailure{}
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id":           doc.ID,
		"parsing_failure_count": doc.Metadata.ParsingFailureCount,
		"parsing_failures":      failures,
	})
}

func (h *RunHandler) storeError(c *gin.Context, err error, notFound string) {
	if errors.Is(err, storage.ErrNotFound) && notFound != "" {
		utils.RespondWithNotFound(c, notFound)
		return
	}
	h.logger.Error("storage read failed", "path", c.Request.URL.Path, "error", err)
	utils.RespondWithInternalError(c, "Storage error", nil)
}
