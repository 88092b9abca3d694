// Package observability — metrics.go
//
// Prometheus metrics for agentrund.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured address; the default is loopback only.
//
// Metric naming convention: agentrund_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for agentrund. It
// implements admission.Metrics without importing that package, keeping
// the dependency direction pointing from admission outward.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Admission ───────────────────────────────────────────────────────

	RunsAllowedTotal   prometheus.Counter
	RunsDeniedTotal    *prometheus.CounterVec // label: code
	SlotsAllowedTotal  prometheus.Counter
	SlotsDeniedTotal   *prometheus.CounterVec // label: code
	CircuitOpenTotal   *prometheus.CounterVec // label: reason
	CircuitClosedTotal prometheus.Counter
	ActiveRuns         prometheus.Gauge
	ActiveSlots        prometheus.Gauge
	MaxGap             prometheus.Gauge

	// ─── Health ───────────────────────────────────────────────────────────

	HealthClassificationsTotal *prometheus.CounterVec // label: classification
	HealthAbortsTotal          *prometheus.CounterVec // label: reason

	// ─── Governor ──────────────────────────────────────────────────────────

	GovernorScore        prometheus.Histogram
	GovernorStrikesTotal prometheus.Counter
	GovernorAbortsTotal  *prometheus.CounterVec // label: band

	// ─── Recovery ──────────────────────────────────────────────────────────

	RecoveryAttemptsTotal  *prometheus.CounterVec // label: reason
	RecoveryDegradedTotal  prometheus.Counter
	RecoveryExhaustedTotal prometheus.Counter
	QuorumEvaluationsTotal *prometheus.CounterVec // label: action

	// ─── Team / pipeline fan-out ───────────────────────────────────────────

	TeamFanoutDuration     prometheus.Histogram
	TeamMemberResultsTotal *prometheus.CounterVec // label: status
	PipelineStepsTotal     *prometheus.CounterVec // label: state
	PipelineDuration       prometheus.Histogram

	// ─── Process ──────────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all agentrund Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		RunsAllowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "runs_allowed_total",
			Help: "Total top-level runs admitted.",
		}),
		RunsDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "runs_denied_total",
			Help: "Total top-level runs rejected, by rejection code.",
		}, []string{"code"}),
		SlotsAllowedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "slots_allowed_total",
			Help: "Total delegation slots admitted.",
		}),
		SlotsDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "slots_denied_total",
			Help: "Total delegation slots rejected, by rejection code.",
		}, []string{"code"}),
		CircuitOpenTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "circuit_open_total",
			Help: "Total times the admission circuit breaker tripped open, by trigger reason.",
		}, []string{"reason"}),
		CircuitClosedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "circuit_closed_total",
			Help: "Total times the admission circuit breaker auto-healed closed.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "active_runs",
			Help: "Current number of in-flight top-level runs.",
		}),
		ActiveSlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "active_slots",
			Help: "Current number of in-flight delegation slots.",
		}),
		MaxGap: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrund", Subsystem: "admission", Name: "max_call_result_gap",
			Help: "Largest outstanding tool-call/tool-result gap across tracked kinds.",
		}),

		HealthClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "health", Name: "classifications_total",
			Help: "Total health classification ticks, by resulting classification.",
		}, []string{"classification"}),
		HealthAbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "health", Name: "aborts_total",
			Help: "Total aborts requested by the health monitor, by reason.",
		}, []string{"reason"}),

		GovernorScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrund", Subsystem: "governor", Name: "score",
			Help:    "Distribution of the governor's blended risk score.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
		}),
		GovernorStrikesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "governor", Name: "strikes_total",
			Help: "Total strikes issued by the governor.",
		}),
		GovernorAbortsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "governor", Name: "aborts_total",
			Help: "Total governor-issued aborts, by age band.",
		}, []string{"band"}),

		RecoveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "recovery", Name: "attempts_total",
			Help: "Total recovery retry attempts, by terminal reason.",
		}, []string{"reason"}),
		RecoveryDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "recovery", Name: "degraded_completions_total",
			Help: "Total completions accepted in degraded mode after retries were exhausted.",
		}),
		RecoveryExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "recovery", Name: "exhausted_total",
			Help: "Total runs that exhausted all retry attempts and failed outright.",
		}),
		QuorumEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "recovery", Name: "quorum_evaluations_total",
			Help: "Total cross-attempt quorum evaluations, by resulting action.",
		}, []string{"action"}),

		TeamFanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrund", Subsystem: "team", Name: "fanout_duration_seconds",
			Help:    "Wall-clock duration of a team fan-out execution.",
			Buckets: prometheus.DefBuckets,
		}),
		TeamMemberResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "team", Name: "member_results_total",
			Help: "Total team member invocations, by terminal status.",
		}, []string{"status"}),
		PipelineStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrund", Subsystem: "pipeline", Name: "steps_total",
			Help: "Total pipeline step transitions, by terminal state.",
		}, []string{"state"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrund", Subsystem: "pipeline", Name: "duration_seconds",
			Help:    "Wall-clock duration of a pipeline execution.",
			Buckets: prometheus.DefBuckets,
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrund", Subsystem: "process", Name: "uptime_seconds",
			Help: "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.RunsAllowedTotal, m.RunsDeniedTotal, m.SlotsAllowedTotal, m.SlotsDeniedTotal,
		m.CircuitOpenTotal, m.CircuitClosedTotal, m.ActiveRuns, m.ActiveSlots, m.MaxGap,
		m.HealthClassificationsTotal, m.HealthAbortsTotal,
		m.GovernorScore, m.GovernorStrikesTotal, m.GovernorAbortsTotal,
		m.RecoveryAttemptsTotal, m.RecoveryDegradedTotal, m.RecoveryExhaustedTotal, m.QuorumEvaluationsTotal,
		m.TeamFanoutDuration, m.TeamMemberResultsTotal, m.PipelineStepsTotal, m.PipelineDuration,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// The following methods satisfy admission.Metrics by structural typing —
// agentrund/internal/admission depends only on its own interface, never on
// this package, so admission stays free of the Prometheus import.

func (m *Metrics) ObserveRunAllowed()           { m.RunsAllowedTotal.Inc() }
func (m *Metrics) ObserveRunDenied(code string) { m.RunsDeniedTotal.WithLabelValues(code).Inc() }
func (m *Metrics) ObserveSlotAllowed()          { m.SlotsAllowedTotal.Inc() }
func (m *Metrics) ObserveSlotDenied(code string) {
	m.SlotsDeniedTotal.WithLabelValues(code).Inc()
}
func (m *Metrics) ObserveCircuitOpen(reason string) {
	m.CircuitOpenTotal.WithLabelValues(reason).Inc()
}
func (m *Metrics) ObserveCircuitClosed() { m.CircuitClosedTotal.Inc() }
func (m *Metrics) SetActiveRuns(n int)   { m.ActiveRuns.Set(float64(n)) }
func (m *Metrics) SetActiveSlots(n int)  { m.ActiveSlots.Set(float64(n)) }
func (m *Metrics) SetMaxGap(n int64)     { m.MaxGap.Set(float64(n)) }

// ObserveHealthClassification records one health monitor tick's outcome.
func (m *Metrics) ObserveHealthClassification(classification string) {
	m.HealthClassificationsTotal.WithLabelValues(classification).Inc()
}

// ObserveHealthAbort records an abort requested by the health monitor.
func (m *Metrics) ObserveHealthAbort(reason string) {
	m.HealthAbortsTotal.WithLabelValues(reason).Inc()
}

// ObserveGovernorTick records one governor scoring tick and whether it
// produced a strike.
func (m *Metrics) ObserveGovernorTick(score float64, strike bool) {
	m.GovernorScore.Observe(score)
	if strike {
		m.GovernorStrikesTotal.Inc()
	}
}

// ObserveGovernorAbort records an abort issued by the governor for the given
// age band.
func (m *Metrics) ObserveGovernorAbort(band string) {
	m.GovernorAbortsTotal.WithLabelValues(band).Inc()
}

// ObserveRecoveryAttempt records one recovery coordinator decision.
func (m *Metrics) ObserveRecoveryAttempt(reason string) {
	m.RecoveryAttemptsTotal.WithLabelValues(reason).Inc()
}

// ObserveRecoveryDegraded records a degraded-mode completion.
func (m *Metrics) ObserveRecoveryDegraded() { m.RecoveryDegradedTotal.Inc() }

// ObserveRecoveryExhausted records a run that failed after exhausting retries.
func (m *Metrics) ObserveRecoveryExhausted() { m.RecoveryExhaustedTotal.Inc() }

// ObserveQuorumEvaluation records one quorum-agreement evaluation.
func (m *Metrics) ObserveQuorumEvaluation(action string) {
	m.QuorumEvaluationsTotal.WithLabelValues(action).Inc()
}

// ObserveTeamFanout records a completed team execution's duration and its
// member result statuses.
func (m *Metrics) ObserveTeamFanout(d time.Duration, statuses []string) {
	m.TeamFanoutDuration.Observe(d.Seconds())
	for _, s := range statuses {
		m.TeamMemberResultsTotal.WithLabelValues(s).Inc()
	}
}

// ObservePipelineRun records a completed pipeline execution's duration and
// its per-step terminal states.
func (m *Metrics) ObservePipelineRun(d time.Duration, states []string) {
	m.PipelineDuration.Observe(d.Seconds())
	for _, s := range states {
		m.PipelineStepsTotal.WithLabelValues(s).Inc()
	}
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
