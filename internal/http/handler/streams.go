package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/restreamkit/restream-server/internal/domain/stream"
	"github.com/restreamkit/restream-server/internal/http/middleware"
	"github.com/restreamkit/restream-server/internal/reconciler"
	"github.com/restreamkit/restream-server/internal/service"
	"go.uber.org/zap"
)

// StreamsHandler provides RESTful HTTP handlers for stream resources.
//
// Supported operations:
//   - GET    /streams              → List all streams
//   - POST   /streams              → Create a new stream
//   - GET    /streams/{id}         → Retrieve a stream by ID
//   - PUT    /streams/{id}         → Replace an existing stream (full update)
//   - DELETE /streams/{id}         → Remove a stream (stopped-only)
//   - POST   /streams/{id}/start   → Launch the transcoder, wait for confirmation
//   - POST   /streams/{id}/stop    → Tear the transcoder down
//   - POST   /streams/{id}/restart → Stop-then-start as one operation
//   - GET    /streams/{id}/status  → Runtime state + process + output artifacts
//   - GET    /streams/{id}/logs    → Recent transcoder log entries
//   - GET    /streams/summary      → Dashboard list view (cached)
type StreamsHandler struct {
	log        *zap.Logger
	svc        *service.StreamService
	summarySvc *service.SummaryService
}

// NewStreamsHandler constructs a StreamsHandler instance.
func NewStreamsHandler(log *zap.Logger, svc *service.StreamService, summarySvc *service.SummaryService) *StreamsHandler {
	return &StreamsHandler{
		log:        log.Named("streams"),
		svc:        svc,
		summarySvc: summarySvc,
	}
}

// CreateStream handles POST /streams.
//
// Status Codes:
//   - 201 Created → the persisted stream (ID assigned)
//   - 400 Bad Request → malformed JSON
//   - 422 Unprocessable Entity → validation failure
//   - 500 Internal Server Error
func (h *StreamsHandler) CreateStream(c *gin.Context) {
	var cfg stream.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	out, err := h.svc.Create(c.Request.Context(), &cfg)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.summarySvc.Invalidate()
	c.JSON(http.StatusCreated, out)
}

// GetStreamList handles GET /streams. Adds `X-Total-Count`.
func (h *StreamsHandler) GetStreamList(c *gin.Context) {
	cfgs, err := h.svc.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(cfgs)))
	c.JSON(http.StatusOK, cfgs)
}

// GetStream handles GET /streams/{id}.
func (h *StreamsHandler) GetStream(c *gin.Context) {
	cfg, err := h.svc.Get(c.Request.Context(), middleware.StreamID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ReplaceStream handles PUT /streams/{id} (full update).
func (h *StreamsHandler) ReplaceStream(c *gin.Context) {
	var cfg stream.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	out, err := h.svc.Update(c.Request.Context(), middleware.StreamID(c), &cfg)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.summarySvc.Invalidate()
	c.JSON(http.StatusOK, out)
}

// DeleteStream handles DELETE /streams/{id}.
//
// Status Codes:
//   - 200 OK → {"id": <id>}
//   - 404 Not Found
//   - 409 Conflict → stream is not stopped
func (h *StreamsHandler) DeleteStream(c *gin.Context) {
	id := middleware.StreamID(c)
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	h.summarySvc.Invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id})
}

// StartStream handles POST /streams/{id}/start. Blocks until the start
// settles: the stream confirmed Running, or the failure that stopped it.
func (h *StreamsHandler) StartStream(c *gin.Context) {
	id := middleware.StreamID(c)
	if err := h.svc.Start(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	h.summarySvc.Invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id, "state": stream.StateRunning})
}

// StopStream handles POST /streams/{id}/stop.
func (h *StreamsHandler) StopStream(c *gin.Context) {
	id := middleware.StreamID(c)
	if err := h.svc.Stop(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	h.summarySvc.Invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id, "state": stream.StateStopped})
}

// RestartStream handles POST /streams/{id}/restart.
func (h *StreamsHandler) RestartStream(c *gin.Context) {
	id := middleware.StreamID(c)
	if err := h.svc.Restart(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}

	h.summarySvc.Invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id, "state": stream.StateRunning})
}

// GetStreamStatus handles GET /streams/{id}/status.
func (h *StreamsHandler) GetStreamStatus(c *gin.Context) {
	view, err := h.svc.Status(c.Request.Context(), middleware.StreamID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetStreamLogs handles GET /streams/{id}/logs?limit=N. Entries are returned
// oldest-first; limit defaults to 100, capped at 1000.
func (h *StreamsHandler) GetStreamLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	if limit > 1000 {
		limit = 1000
	}

	entries, err := h.svc.Logs(c.Request.Context(), middleware.StreamID(c), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(entries)))
	c.JSON(http.StatusOK, entries)
}

// Summary handles GET /streams/summary. Serves the short-TTL snapshot; sets
// X-Cache and X-Summary-Generated-At so pollers can see staleness.
func (h *StreamsHandler) Summary(c *gin.Context) {
	res, err := h.summarySvc.Get(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}

	if res.CacheHit {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	c.Header("X-Summary-Generated-At", res.GeneratedAt.UTC().Format(time.RFC3339Nano))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data)))
	c.JSON(http.StatusOK, res.Data)
}

// writeError maps domain errors to HTTP status codes. Lifecycle conflicts are
// 409s: the request was well-formed, the stream's current state refuses it.
func (h *StreamsHandler) writeError(c *gin.Context, err error) {
	c.Error(err)

	switch {
	case errors.Is(err, stream.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": stream.ErrNotFound.Error()})
	case errors.Is(err, stream.ErrAlreadyRunning),
		errors.Is(err, stream.ErrNotRunning),
		errors.Is(err, reconciler.ErrSuperseded),
		errors.Is(err, stream.ErrPreconditionFailed):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	case errors.Is(err, stream.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": err.Error()})
	case errors.Is(err, stream.ErrSpawn),
		errors.Is(err, stream.ErrArtifactTimeout),
		errors.Is(err, stream.ErrPermissionDenied):
		c.JSON(http.StatusBadGateway, gin.H{"message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
	}
}
