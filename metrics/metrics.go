package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"reposter/models"
)

const namespace = "reposter"

// Metrics holds the repost counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	lastRunTimestamp *prometheus.GaugeVec
	postsFetched     *prometheus.CounterVec
	postsFiltered    *prometheus.CounterVec
	postsSelected    *prometheus.CounterVec
	scheduleOutcomes *prometheus.CounterVec
	slotsReserved    *prometheus.CounterVec
	mediaUploads     *prometheus.CounterVec
	dedupPurged      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by account and final status",
		},
		[]string{"account", "status"},
	)
	m.runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Pipeline run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"account"},
	)
	m.lastRunTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run for an account finished",
		},
		[]string{"account"},
	)
	m.postsFetched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_fetched_total",
			Help:      "Posts returned by the content source",
		},
		[]string{"account"},
	)
	m.postsFiltered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_filtered_total",
			Help:      "Fetched posts dropped before ranking",
		},
		[]string{"account", "reason"},
	)
	m.postsSelected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_selected_total",
			Help:      "Posts selected for reposting",
		},
		[]string{"account"},
	)
	m.scheduleOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_outcomes_total",
			Help:      "Posting backend responses by result",
		},
		[]string{"account", "result"},
	)
	m.slotsReserved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_reserved_total",
			Help:      "Strategic slots handed out",
		},
		[]string{"account"},
	)
	m.mediaUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_uploads_total",
			Help:      "Media uploads to the posting backend by result",
		},
		[]string{"result"},
	)
	m.dedupPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_purged_total",
			Help:      "Processed-post records removed by retention",
		},
	)

	m.registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.lastRunTimestamp,
		m.postsFetched,
		m.postsFiltered,
		m.postsSelected,
		m.scheduleOutcomes,
		m.slotsReserved,
		m.mediaUploads,
		m.dedupPurged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records the counters derived from a finished run.
func (m *Metrics) ObserveRun(r *models.RunResult) {
	if m == nil || r == nil {
		return
	}

	m.runsTotal.WithLabelValues(r.Account, string(r.Status)).Inc()
	if r.FinishedAt != nil {
		m.runDuration.WithLabelValues(r.Account).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())
		m.lastRunTimestamp.WithLabelValues(r.Account).Set(float64(r.FinishedAt.Unix()))
	}

	var fetched, duplicates, invalid int
	for _, c := range r.Competitors {
		fetched += c.Fetched
		duplicates += c.Duplicates
		invalid += c.MediaInvalid
	}
	m.postsFetched.WithLabelValues(r.Account).Add(float64(fetched))
	m.postsFiltered.WithLabelValues(r.Account, "duplicate").Add(float64(duplicates))
	m.postsFiltered.WithLabelValues(r.Account, "media_invalid").Add(float64(invalid))
	m.postsSelected.WithLabelValues(r.Account).Add(float64(r.SelectedCount()))

	for _, o := range r.Scheduled {
		result := "failure"
		if o.Success {
			result = "success"
		}
		m.scheduleOutcomes.WithLabelValues(r.Account, result).Inc()
		m.slotsReserved.WithLabelValues(r.Account).Inc()
	}
}

func (m *Metrics) MediaUpload(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.mediaUploads.WithLabelValues("success").Inc()
	} else {
		m.mediaUploads.WithLabelValues("failure").Inc()
	}
}

func (m *Metrics) DedupPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.dedupPurged.Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
