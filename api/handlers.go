package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terraskye/eventhub/analytics"
	"github.com/terraskye/eventhub/replay"
)

func fail(c *gin.Context, status int, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// bindOptions accepts an empty body as zero options.
func bindOptions(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		fail(c, http.StatusBadRequest, err)
		return false
	}
	return true
}

func intQuery(c *gin.Context, key string, def int) (int, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		fail(c, http.StatusBadRequest, errors.New(key+" must be a positive integer"))
		return 0, false
	}
	return n, true
}

// daysQuery reads the days window, rejecting values above analytics.MaxDays.
func daysQuery(c *gin.Context) (int, bool) {
	days, ok := intQuery(c, "days", 7)
	if ok && days > analytics.MaxDays {
		fail(c, http.StatusBadRequest, fmt.Errorf("days must not exceed %d", analytics.MaxDays))
		return 0, false
	}
	return days, ok
}

// respondReplay reports a run. A run that started returns its result even
// when it stopped early; the error is attached next to it.
func respondReplay(c *gin.Context, res replay.Result, err error) {
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "result": res})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ReplayAll(c *gin.Context) {
	var opts replay.Options
	if !bindOptions(c, &opts) {
		return
	}
	if err := opts.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := h.Replay.Replay(c.Request.Context(), opts)
	respondReplay(c, res, err)
}

func (h *Handler) ReplayAggregate(c *gin.Context) {
	var opts replay.Options
	if !bindOptions(c, &opts) {
		return
	}
	if err := opts.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := h.Replay.ReplayAggregate(c.Request.Context(), c.Param("type"), c.Param("id"), opts)
	respondReplay(c, res, err)
}

type timeRangeRequest struct {
	From time.Time `json:"from" binding:"required"`
	To   time.Time `json:"to" binding:"required"`
	replay.Options
}

func (h *Handler) ReplayTimeRange(c *gin.Context) {
	var req timeRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	req.FromTimestamp, req.ToTimestamp = req.From, req.To
	if err := req.Options.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := h.Replay.ReplayTimeRange(c.Request.Context(), req.From, req.To, req.Options)
	respondReplay(c, res, err)
}

type eventTypesRequest struct {
	replay.Options
	Types []string `json:"types" binding:"required,min=1"`
}

func (h *Handler) ReplayEventTypes(c *gin.Context) {
	var req eventTypesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := req.Options.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	res, err := h.Replay.ReplayEventTypes(c.Request.Context(), req.Types, req.Options)
	respondReplay(c, res, err)
}

func (h *Handler) Preview(c *gin.Context) {
	var opts replay.Options
	if !bindOptions(c, &opts) {
		return
	}
	if err := opts.Validate(); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	p, err := h.Replay.Preview(c.Request.Context(), opts)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) BusMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.Bus.Metrics())
}

func (h *Handler) ClearBusMetrics(c *gin.Context) {
	h.Bus.ClearMetrics()
	c.Status(http.StatusNoContent)
}

func (h *Handler) Subscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, h.Bus.Subscriptions(c.Param("eventType")))
}

func (h *Handler) StoreHealth(c *gin.Context) {
	health, err := h.Reader.Health(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *Handler) Summary(c *gin.Context) {
	if c.Query("refresh") == "true" {
		h.Reader.Refresh()
	}
	s, err := h.Reader.Summary(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) Trends(c *gin.Context) {
	days, ok := daysQuery(c)
	if !ok {
		return
	}
	t, err := h.Reader.Trends(c.Request.Context(), days)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) Hourly(c *gin.Context) {
	b, err := h.Reader.HourlyHistogram(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) Daily(c *gin.Context) {
	days, ok := daysQuery(c)
	if !ok {
		return
	}
	b, err := h.Reader.DailyHistogram(c.Request.Context(), days)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) TopAggregates(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 10)
	if !ok {
		return
	}
	top, err := h.Reader.TopAggregates(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, top)
}

func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.Queue.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "total": stats.Total()})
}

func (h *Handler) FailedJobs(c *gin.Context) {
	limit, ok := intQuery(c, "limit", 50)
	if !ok {
		return
	}
	jobs, err := h.Queue.Failed(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}
