// Package adminapi exposes a thin, read-mostly gin HTTP surface over the
// running platform: liveness, plugin registry status, and per-queue depth.
// It is a pull-based complement to the Event/Observability Bus's push
// model, following the teacher's handler-per-resource convention
// (NewXHandler + RegisterRoutes).
package adminapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autoweaved/autoweaved/internal/lifecycle"
	"github.com/autoweaved/autoweaved/internal/pluginhost"
	"github.com/autoweaved/autoweaved/internal/queue"
	"github.com/autoweaved/autoweaved/internal/workerpool"
)

// Handler serves the admin HTTP surface.
type Handler struct {
	controller *lifecycle.Controller
	host       *pluginhost.Host
	scheduler  *workerpool.Scheduler
}

// NewHandler builds a Handler over the already-wired components.
func NewHandler(controller *lifecycle.Controller, host *pluginhost.Host, scheduler *workerpool.Scheduler) *Handler {
	return &Handler{controller: controller, host: host, scheduler: scheduler}
}

// RegisterRoutes registers the admin routes on router.
func (h *Handler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/healthz", h.Healthz)
	v1 := router.Group("/v1")
	{
		v1.GET("/plugins", h.ListPlugins)
		v1.GET("/plugins/:id", h.GetPlugin)
		v1.GET("/queues/:name", h.GetQueueDepth)
		v1.POST("/queues/:name/jobs", h.AddJob)
	}
}

// Healthz always returns 200 once the server is up; it does not probe
// downstream plugin health, matching the liveness-only convention of a
// process healthcheck endpoint.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type pluginSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	State       string `json:"state"`
	Violations  int    `json:"violations"`
	Anomalies   int    `json:"anomalies"`
	BlockReason string `json:"blockReason,omitempty"`
}

func toSummary(p *pluginhost.Plugin) pluginSummary {
	s := pluginSummary{
		ID:          p.ID,
		State:       string(p.State),
		Violations:  p.Violations,
		Anomalies:   p.Anomalies,
		BlockReason: p.BlockReason,
	}
	if p.Manifest != nil {
		s.Name = p.Manifest.Name
		s.Version = p.Manifest.Version
	}
	return s
}

// ListPlugins returns every registered plugin's status.
func (h *Handler) ListPlugins(c *gin.Context) {
	plugins := h.host.List()
	out := make([]pluginSummary, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, toSummary(p))
	}
	c.JSON(http.StatusOK, gin.H{"plugins": out})
}

// GetPlugin returns a single plugin's status.
func (h *Handler) GetPlugin(c *gin.Context) {
	p, ok := h.host.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such plugin"})
		return
	}
	c.JSON(http.StatusOK, toSummary(p))
}

// GetQueueDepth returns waiting/delayed/active counts for a queue.
func (h *Handler) GetQueueDepth(c *gin.Context) {
	depths := h.scheduler.Depths(c.Request.Context())
	depth, ok := depths[c.Param("name")]
	if !ok {
		// A queue with no registered worker pool may still exist in
		// Redis; fall back to reporting zero rather than 404ing, since
		// the depth endpoint is meant for dashboards that poll a fixed
		// set of queue names.
		depth = queue.Depth{}
	}
	c.JSON(http.StatusOK, gin.H{
		"queue":   c.Param("name"),
		"waiting": depth.Waiting,
		"delayed": depth.Delayed,
		"active":  depth.Active,
	})
}

type addJobRequest struct {
	Type     string          `json:"type" binding:"required"`
	Payload  interface{}     `json:"payload"`
	Priority int             `json:"priority"`
	Metadata queue.Metadata  `json:"metadata"`
}

// AddJob submits a job through the Lifecycle Controller's gate rather than
// calling the Queue Manager directly, so submissions are refused once
// graceful shutdown has begun.
func (h *Handler) AddJob(c *gin.Context) {
	var req addJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.controller.AddJob(c.Request.Context(), c.Param("name"), req.Type, req.Payload, queue.AddOptions{
		Priority: req.Priority,
		Metadata: req.Metadata,
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}
