package observability

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	types "github.com/yungbote/threadline-backend/internal/domain"
	domainchat "github.com/yungbote/threadline-backend/internal/domain/chat"
	"github.com/yungbote/threadline-backend/internal/platform/envutil"
	"github.com/yungbote/threadline-backend/internal/platform/logger"
)

var (
	initOnce sync.Once
	instance *Metrics
)

// Metrics is a process-wide registry exposed in Prometheus text format. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	listeners   *GaugeVec

	streams         *CounterVec
	streamDuration  *HistogramVec
	streamFragments *CounterVec
	titles          *CounterVec

	jobs        *CounterVec
	jobDuration *HistogramVec
	queueDepth  *GaugeVec
	liveStreams *Gauge

	sweeps *CounterVec
}

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current returns the registry created by Init, or nil.
func Current() *Metrics {
	return instance
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics()
		if log != nil {
			log.Info("metrics enabled")
		}
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("tl_api_requests_total", "API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec("tl_api_request_duration_seconds", "API request latency in seconds.",
			[]string{"method", "route"}, []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}),
		apiInflight: NewGauge("tl_api_inflight_requests", "In-flight API requests."),
		listeners:   NewGaugeVec("tl_realtime_listeners", "Open realtime connections by transport.", []string{"transport"}),

		streams: NewCounterVec("tl_chat_streams_total", "Finished reply streams by model/status.", []string{"model", "status"}),
		streamDuration: NewHistogramVec("tl_chat_stream_duration_seconds", "Reply stream duration in seconds.",
			[]string{"model"}, []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 300}),
		streamFragments: NewCounterVec("tl_chat_stream_fragments_total", "Fragments appended to replies.", []string{"model"}),
		titles:          NewCounterVec("tl_chat_titles_total", "Title generation outcomes.", []string{"outcome"}),

		jobs: NewCounterVec("tl_jobs_total", "Task runs by type/status.", []string{"job_type", "status"}),
		jobDuration: NewHistogramVec("tl_job_duration_seconds", "Task run duration in seconds.",
			[]string{"job_type"}, []float64{0.05, 0.25, 1, 5, 15, 60, 300}),
		queueDepth:  NewGaugeVec("tl_job_queue_depth", "Task rows by status.", []string{"status"}),
		liveStreams: NewGauge("tl_chat_live_streams", "Replies currently pending or streaming."),

		sweeps: NewCounterVec("tl_maintenance_repairs_total", "Rows changed by the maintenance sweeper.", []string{"kind"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = writeAll(w,
			m.apiRequests, m.apiLatency, m.apiInflight, m.listeners,
			m.streams, m.streamDuration, m.streamFragments, m.titles,
			m.jobs, m.jobDuration, m.queueDepth, m.liveStreams,
			m.sweeps,
		)
	})
}

func (m *Metrics) ObserveAPI(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.Inc(method, route, strconv.Itoa(status))
	m.apiLatency.Observe(dur.Seconds(), method, route)
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Add(1)
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Add(-1)
}

// ListenerOpened and ListenerClosed track SSE and websocket connections, which stay open
// for as long as a client follows its threads.
func (m *Metrics) ListenerOpened(transport string) {
	if m == nil {
		return
	}
	m.listeners.Add(1, transport)
}

func (m *Metrics) ListenerClosed(transport string) {
	if m == nil {
		return
	}
	m.listeners.Add(-1, transport)
}

func (m *Metrics) ObserveStream(model, status string, fragments int, dur time.Duration) {
	if m == nil {
		return
	}
	m.streams.Inc(model, status)
	m.streamDuration.Observe(dur.Seconds(), model)
	m.streamFragments.Add(float64(fragments), model)
}

func (m *Metrics) IncTitle(outcome string) {
	if m == nil {
		return
	}
	m.titles.Inc(outcome)
}

func (m *Metrics) ObserveJob(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.jobs.Inc(jobType, status)
	m.jobDuration.Observe(dur.Seconds(), jobType)
}

func (m *Metrics) AddRepairs(kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.Add(float64(n), kind)
}

// StartQueueCollector samples job_run depth and live reply count until ctx is done.
func (m *Metrics) StartQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := envutil.Seconds("METRICS_SCRAPE_INTERVAL_SECONDS", 15)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	statuses := []string{"queued", "running", "succeeded", "failed", "canceled"}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, s := range statuses {
				m.queueDepth.Set(0, s)
			}
			var rows []struct {
				Status string
				Count  int64
			}
			if err := db.WithContext(ctx).
				Model(&types.JobRun{}).
				Select("status, count(*) as count").
				Group("status").
				Scan(&rows).Error; err != nil {
				if log != nil {
					log.Warn("metrics: queue depth query failed", "error", err)
				}
				continue
			}
			for _, row := range rows {
				status := strings.TrimSpace(row.Status)
				if status == "" {
					status = "unknown"
				}
				m.queueDepth.Set(float64(row.Count), status)
			}

			var live int64
			if err := db.WithContext(ctx).
				Model(&types.ChatMessage{}).
				Where("status IN ?", []string{domainchat.MessageStatusPending, domainchat.MessageStatusStreaming}).
				Count(&live).Error; err == nil {
				m.liveStreams.Set(float64(live))
			}
		}
	}()
}
