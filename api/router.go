// Package api serves the operational HTTP interface: replay control, bus and
// queue inspection and store analytics.
package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terraskye/eventhub"
	"github.com/terraskye/eventhub/analytics"
	"github.com/terraskye/eventhub/eventbus"
	"github.com/terraskye/eventhub/jobqueue"
	"github.com/terraskye/eventhub/replay"
)

const CorrelationIDHeader = "X-Correlation-ID"

// BusInfo is the inspection surface of *eventbus.Bus.
type BusInfo interface {
	Metrics() eventbus.Metrics
	ClearMetrics()
	Subscriptions(eventType string) []eventbus.SubscriptionInfo
	IsRunning() bool
}

// Handler holds the components behind the routes.
type Handler struct {
	Replay *replay.Engine
	Bus    BusInfo
	Reader *analytics.Reader
	Queue  jobqueue.Queue
	Log    *logrus.Entry
}

// NewRouter creates and configures the Gin router.
func NewRouter(h *Handler) *gin.Engine {
	if h.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		h.Log = logrus.NewEntry(l)
	}

	r := gin.New()
	r.Use(gin.Recovery(), CorrelationID(), AccessLog(h.Log))

	r.GET("/healthz", h.Healthz)

	rp := r.Group("/replay")
	rp.POST("", h.ReplayAll)
	rp.POST("/aggregates/:type/:id", h.ReplayAggregate)
	rp.POST("/time-range", h.ReplayTimeRange)
	rp.POST("/event-types", h.ReplayEventTypes)
	rp.POST("/preview", h.Preview)

	bus := r.Group("/bus")
	bus.GET("/metrics", h.BusMetrics)
	bus.DELETE("/metrics", h.ClearBusMetrics)
	bus.GET("/subscriptions", h.Subscriptions)
	bus.GET("/subscriptions/:eventType", h.Subscriptions)

	r.GET("/store/health", h.StoreHealth)

	an := r.Group("/analytics")
	an.GET("/summary", h.Summary)
	an.GET("/trends", h.Trends)
	an.GET("/hourly", h.Hourly)
	an.GET("/daily", h.Daily)
	an.GET("/top-aggregates", h.TopAggregates)

	jobs := r.Group("/jobs")
	jobs.GET("/stats", h.JobStats)
	jobs.GET("/failed", h.FailedJobs)

	return r
}

// CorrelationID reads or generates the request's correlation id and stores it
// in the request context, so events produced while serving it inherit it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(CorrelationIDHeader, id)
		c.Request = c.Request.WithContext(eventhub.ContextWithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLog logs one line per request.
func AccessLog(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":         c.Request.Method,
			"route":          c.FullPath(),
			"status":         c.Writer.Status(),
			"duration":       time.Since(start),
			"correlation_id": eventhub.CorrelationIDFromContext(c.Request.Context()),
		})
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last()).Warn("request failed")
			return
		}
		entry.Info("request")
	}
}

func (h *Handler) Healthz(c *gin.Context) {
	status := http.StatusOK
	if !h.Bus.IsRunning() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "busRunning": h.Bus.IsRunning()})
}
