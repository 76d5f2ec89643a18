package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	processRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Name:      "process_running",
		Help:      "Whether a supervised process currently has a live child (1=running, 0=not running).",
	}, []string{"process"})

	processReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Name:      "process_ready",
		Help:      "Whether the readiness probe of a supervised process passes (1=ready, 0=not ready).",
	}, []string{"process"})

	probeTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "probe_transitions_total",
		Help:      "Total number of readiness transitions by resulting state.",
	}, []string{"process", "state"})

	limitsExceeded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "limits_exceeded_total",
		Help:      "Total number of children stopped for exceeding a resource limit.",
	}, []string{"process", "resource"})

	childrenSpawned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "children_spawned_total",
		Help:      "Total number of child processes started for each supervised process.",
	}, []string{"process"})

	childDeaths = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "child_deaths_total",
		Help:      "Total number of observed child deaths by wait status.",
	}, []string{"process", "status"})

	processRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "process_restarts_total",
		Help:      "Total number of restarts initiated for each supervised process.",
	}, []string{"process"})

	childLifetime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "procwatch",
		Name:      "child_lifetime_seconds",
		Help:      "Time between spawning a child and observing its death.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"process"})

	signalsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "signals_sent_total",
		Help:      "Total number of signals delivered to children.",
	}, []string{"signal"})

	trackedChildren = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Name:      "tracked_children",
		Help:      "Number of children currently tracked by the death observer.",
	})

	observerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procwatch",
		Name:      "observer_errors_total",
		Help:      "Total number of times the death observer stopped with an error.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procwatch",
		Name:      "build_info",
		Help:      "Build metadata for the running procwatch binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(
		processRunning,
		processReady,
		probeTransitions,
		limitsExceeded,
		childrenSpawned,
		childDeaths,
		processRestarts,
		childLifetime,
		signalsSent,
		trackedChildren,
		observerErrors,
		buildInfo,
	)
}

// Registry returns the Prometheus registry containing all procwatch metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetProcessRunning records whether the process has a live child.
func SetProcessRunning(process string, running bool) {
	if process == "" {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	processRunning.WithLabelValues(process).Set(value)
}

// SetProcessReady records the readiness of the process's current child and
// counts the transition.
func SetProcessReady(process string, ready bool) {
	if process == "" {
		return
	}
	state := "unready"
	value := 0.0
	if ready {
		state = "ready"
		value = 1.0
	}
	processReady.WithLabelValues(process).Set(value)
	probeTransitions.WithLabelValues(process, state).Inc()
}

// ClearProcessReady drops the readiness gauge once the child is gone.
func ClearProcessReady(process string) {
	if process == "" {
		return
	}
	processReady.DeleteLabelValues(process)
}

// IncrementLimitExceeded counts a child stopped for exceeding resource.
func IncrementLimitExceeded(process, resource string) {
	if process == "" {
		return
	}
	limitsExceeded.WithLabelValues(process, resource).Inc()
}

// IncrementSpawned counts a successful spawn.
func IncrementSpawned(process string) {
	if process == "" {
		return
	}
	childrenSpawned.WithLabelValues(process).Inc()
}

// ObserveDeath counts a child death and records how long the child lived.
// status is the wait status name, or "unknown" when it was not available.
func ObserveDeath(process, status string, lifetime time.Duration) {
	if process == "" {
		return
	}
	if status == "" {
		status = "unknown"
	}
	childDeaths.WithLabelValues(process, status).Inc()
	if lifetime > 0 {
		childLifetime.WithLabelValues(process).Observe(lifetime.Seconds())
	}
}

// AddProcessRestarts increments the restart counter for a process.
func AddProcessRestarts(process string, n int) {
	if process == "" || n <= 0 {
		return
	}
	processRestarts.WithLabelValues(process).Add(float64(n))
}

// IncrementProcessRestart increments the restart counter by one.
func IncrementProcessRestart(process string) {
	AddProcessRestarts(process, 1)
}

// IncrementSignal counts a delivered signal.
func IncrementSignal(signal string) {
	if signal == "" {
		return
	}
	signalsSent.WithLabelValues(signal).Inc()
}

// SetTrackedChildren records the death observer's current map size.
func SetTrackedChildren(n int) {
	trackedChildren.Set(float64(n))
}

// IncrementObserverError counts a death observer failure.
func IncrementObserverError() {
	observerErrors.Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetProcess clears the per-process series.
func ResetProcess(process string) {
	if process == "" {
		return
	}
	processRunning.DeleteLabelValues(process)
	processReady.DeleteLabelValues(process)
	probeTransitions.DeletePartialMatch(prometheus.Labels{"process": process})
	limitsExceeded.DeletePartialMatch(prometheus.Labels{"process": process})
	childrenSpawned.DeleteLabelValues(process)
	processRestarts.DeleteLabelValues(process)
	childLifetime.DeleteLabelValues(process)
	childDeaths.DeletePartialMatch(prometheus.Labels{"process": process})
}
