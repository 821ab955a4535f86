package ingress

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/juju/clock"

	"sheetwatch/internal/constants"
	"sheetwatch/internal/logger"
	"sheetwatch/internal/scan"
	pkgerrors "sheetwatch/pkg/errors"
	"sheetwatch/pkg/models"
)

// Scheduler is the part of the scan scheduler the HTTP surface drives.
type Scheduler interface {
	Notify(event models.ChangeEvent) error
	Acknowledge(sourceID string) error
	Rescan(sourceID string) error
	Status() []scan.SourceStatus
	SourceStatus(sourceID string) (scan.SourceStatus, error)
}

type Handler struct {
	scheduler Scheduler
	recent    RecentRepository
	clock     clock.Clock
	logger    logger.Logger
}

func NewHandler(scheduler Scheduler, recent RecentRepository, clk clock.Clock, log logger.Logger) *Handler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Handler{
		scheduler: scheduler,
		recent:    recent,
		clock:     clk,
		logger:    log,
	}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	v1 := router.Group("/api/v1")
	{
		changes := v1.Group("/changes")
		{
			changes.POST("", h.PostChange)
			changes.GET("/recent", h.ListRecent)
		}

		sources := v1.Group("/sources")
		{
			sources.GET("", h.ListSources)
			sources.GET("/:id", h.GetSource)
			sources.POST("/:id/acknowledge", h.Acknowledge)
			sources.POST("/:id/rescan", h.Rescan)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	status := pkgerrors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}
	c.JSON(status, pkgerrors.ToErrorResponse(err))
}

// AcceptedResponse acknowledges a queued change notification.
type AcceptedResponse struct {
	SourceID string `json:"source_id"`
	Status   string `json:"status"`
}

// PostChange godoc
// @Summary      Report a sheet change
// @Description  Queue a debounced rescan of the named source
// @Tags         changes
// @Accept       json
// @Produce      json
// @Param        notification  body      models.Notification  true  "Change notification"
// @Success      202           {object}  AcceptedResponse
// @Failure      400           {object}  map[string]interface{}
// @Failure      404           {object}  map[string]interface{}
// @Failure      409           {object}  map[string]interface{}
// @Failure      503           {object}  map[string]interface{}
// @Router       /changes [post]
func (h *Handler) PostChange(c *gin.Context) {
	ctx := c.Request.Context()
	receivedAt := h.clock.Now().UTC()

	var n models.Notification
	if err := c.ShouldBindJSON(&n); err != nil {
		h.handleError(c, pkgerrors.ErrValidation.WithCause(err))
		return
	}

	event, err := n.ToChangeEvent(models.OriginWebhook, receivedAt)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			h.record(ctx, n, event, receivedAt, StatusRejected)
			h.handleError(c, pkgerrors.ErrValidation.WithCause(err).WithDetails(map[string]interface{}{
				"field":   verr.Field,
				"message": verr.Message,
			}))
			return
		}
		h.handleError(c, err)
		return
	}

	if err := h.scheduler.Notify(event); err != nil {
		h.record(ctx, n, event, receivedAt, notifyStatus(err))
		h.handleError(c, err)
		return
	}

	h.record(ctx, n, event, receivedAt, StatusQueued)
	c.JSON(http.StatusAccepted, AcceptedResponse{SourceID: event.SourceID, Status: StatusQueued})
}

func notifyStatus(err error) string {
	switch {
	case pkgerrors.IsNotFound(err):
		return StatusUnknownSource
	case errors.Is(err, pkgerrors.ErrSourcePoisoned):
		return StatusPoisoned
	default:
		return StatusRejected
	}
}

func (h *Handler) record(ctx context.Context, n models.Notification, event models.ChangeEvent, receivedAt time.Time, status string) {
	entry := ReceivedNotification{
		SourceID:   n.Scanner,
		Timestamp:  n.Timestamp,
		ObservedAt: event.ObservedAt,
		ReceivedAt: receivedAt,
		Origin:     models.OriginWebhook,
		Status:     status,
	}
	if event.SourceID != "" {
		entry.SourceID = event.SourceID
	}
	if err := h.recent.Push(ctx, entry); err != nil {
		h.logger.WarnwCtx(ctx, "Failed to record notification", "error", err, "source_id", entry.SourceID)
	}
}

// ListRecent godoc
// @Summary      List recent notifications
// @Description  Newest first, capped by ingress.recent_events_limit
// @Tags         changes
// @Produce      json
// @Param        limit  query     int  false  "Maximum entries"
// @Success      200    {array}   ReceivedNotification
// @Failure      400    {object}  map[string]interface{}
// @Failure      500    {object}  map[string]interface{}
// @Router       /changes/recent [get]
func (h *Handler) ListRecent(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 || v > constants.MaxRecentEventsLimit {
			h.handleError(c, pkgerrors.ErrValidation.WithDetail("limit", raw))
			return
		}
		limit = v
	}

	items, err := h.recent.List(c.Request.Context(), limit)
	if err != nil {
		h.handleError(c, pkgerrors.ErrServiceUnavailable.WithCause(err))
		return
	}
	c.JSON(http.StatusOK, items)
}

// ListSources godoc
// @Summary      List sources
// @Description  Scheduler state of every configured source
// @Tags         sources
// @Produce      json
// @Success      200  {array}  scan.SourceStatus
// @Router       /sources [get]
func (h *Handler) ListSources(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

// GetSource godoc
// @Summary      Get a source
// @Tags         sources
// @Produce      json
// @Param        id   path      string  true  "Source ID"
// @Success      200  {object}  scan.SourceStatus
// @Failure      404  {object}  map[string]interface{}
// @Router       /sources/{id} [get]
func (h *Handler) GetSource(c *gin.Context) {
	status, err := h.scheduler.SourceStatus(c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Acknowledge godoc
// @Summary      Acknowledge a poisoned source
// @Description  Clears the poison left by an aborted scan and schedules a rescan
// @Tags         sources
// @Produce      json
// @Param        id   path      string  true  "Source ID"
// @Success      202  {object}  scan.SourceStatus
// @Failure      404  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]interface{}
// @Router       /sources/{id}/acknowledge [post]
func (h *Handler) Acknowledge(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Acknowledge(id); err != nil {
		h.handleError(c, err)
		return
	}
	h.logger.InfowCtx(c.Request.Context(), "Source acknowledged via API", "source_id", id)
	h.respondStatus(c, id)
}

// Rescan godoc
// @Summary      Force a rescan
// @Tags         sources
// @Produce      json
// @Param        id   path      string  true  "Source ID"
// @Success      202  {object}  scan.SourceStatus
// @Failure      404  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]interface{}
// @Router       /sources/{id}/rescan [post]
func (h *Handler) Rescan(c *gin.Context) {
	id := c.Param("id")
	if err := h.scheduler.Rescan(id); err != nil {
		h.handleError(c, err)
		return
	}
	h.respondStatus(c, id)
}

func (h *Handler) respondStatus(c *gin.Context, id string) {
	status, err := h.scheduler.SourceStatus(id)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}
