package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb/geojson"

	"github.com/dvrpc/regional-transit-screening-platform/internal/models"
	"github.com/dvrpc/regional-transit-screening-platform/internal/service"
	"github.com/dvrpc/regional-transit-screening-platform/pkg/response"
)

const geoJSONContentType = "application/geo+json"

// PipelineHandler handles HTTP requests for datasets, their outputs and pipeline runs
type PipelineHandler struct {
	service *service.PipelineService
}

// NewPipelineHandler creates a new pipeline handler
func NewPipelineHandler(service *service.PipelineService) *PipelineHandler {
	return &PipelineHandler{service: service}
}

// ListDatasets handles GET /api/v1/datasets
func (h *PipelineHandler) ListDatasets(c *gin.Context) {
	response.Success(c, h.service.Datasets())
}

// GetDataset handles GET /api/v1/datasets/:name
func (h *PipelineHandler) GetDataset(c *gin.Context) {
	info, err := h.service.Dataset(c.Param("name"))
	if err != nil {
		h.fail(c, err, "Failed to get dataset")
		return
	}
	response.Success(c, info)
}

// GetSummaries handles GET /api/v1/datasets/:name/summaries
func (h *PipelineHandler) GetSummaries(c *gin.Context) {
	fc, err := h.service.Summaries(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err, "Failed to get summaries")
		return
	}
	h.geoJSON(c, fc)
}

// GetDiagnostics handles GET /api/v1/datasets/:name/qaqc?min_length=
func (h *PipelineHandler) GetDiagnostics(c *gin.Context) {
	var minLength float64
	if raw := c.Query("min_length"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			response.BadRequest(c, "Invalid min_length")
			return
		}
		minLength = v
	}

	fc, err := h.service.Diagnostics(c.Request.Context(), c.Param("name"), minLength)
	if err != nil {
		h.fail(c, err, "Failed to get diagnostics")
		return
	}
	h.geoJSON(c, fc)
}

// Explain handles GET /api/v1/datasets/:name/explain/:uid
func (h *PipelineHandler) Explain(c *gin.Context) {
	candidates, err := h.service.Explain(c.Request.Context(), c.Param("name"), c.Param("uid"))
	if err != nil {
		h.fail(c, err, "Failed to explain source")
		return
	}
	response.Success(c, candidates)
}

// TriggerRun handles POST /api/v1/datasets/:name/run
func (h *PipelineHandler) TriggerRun(c *gin.Context) {
	summary, err := h.service.Trigger(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.fail(c, err, "Pipeline run failed")
		return
	}
	response.Success(c, summary)
}

// ListTables handles GET /api/v1/tables
func (h *PipelineHandler) ListTables(c *gin.Context) {
	tables, err := h.service.Tables(c.Request.Context())
	if err != nil {
		h.fail(c, err, "Failed to list tables")
		return
	}
	response.Success(c, tables)
}

// ListRuns handles GET /api/v1/runs
func (h *PipelineHandler) ListRuns(c *gin.Context) {
	var filter models.RunFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		response.BadRequest(c, "Invalid query parameters")
		return
	}

	runs, err := h.service.Runs(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err, "Failed to get runs")
		return
	}
	response.Success(c, runs)
}

// GetRun handles GET /api/v1/runs/:id
func (h *PipelineHandler) GetRun(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "Invalid run ID")
		return
	}

	run, err := h.service.Run(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "Failed to get run")
		return
	}
	response.Success(c, run)
}

func (h *PipelineHandler) geoJSON(c *gin.Context, fc *geojson.FeatureCollection) {
	body, err := fc.MarshalJSON()
	if err != nil {
		h.fail(c, err, "Failed to encode features")
		return
	}
	response.Raw(c, geoJSONContentType, body)
}

// fail maps service errors to status codes
func (h *PipelineHandler) fail(c *gin.Context, err error, message string) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrBusy):
		response.Conflict(c, err.Error())
	default:
		response.InternalError(c, message)
	}
}
