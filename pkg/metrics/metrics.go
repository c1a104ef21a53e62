package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const namespace = "bytecache"

// Pull outcomes.
const (
	OutcomePulled  = "pulled"
	OutcomeCached  = "cached"
	OutcomeFailure = "failure"
)

// Metrics holds the collectors for image manager operations
type Metrics struct {
	StartTime time.Time

	Pulls               *prometheus.CounterVec
	CacheHits           prometheus.Counter
	RegistryFetches     prometheus.Counter
	IntegrityViolations prometheus.Counter
	CommandDuration     *prometheus.HistogramVec

	log *logrus.Entry
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, log *logrus.Entry) *Metrics {
	m := &Metrics{
		StartTime: time.Now(),
		Pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "image_pulls_total",
			Help:      "Pull commands by pull policy and outcome.",
		}, []string{"policy", "outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Pull commands served from the local store.",
		}),
		RegistryFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_fetches_total",
			Help:      "Images fetched from a remote registry.",
		}),
		IntegrityViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Cached layers whose content no longer matched the recorded digest.",
		}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent processing manager commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		log: log.WithField("component", "metrics"),
	}

	reg.MustRegister(m.Pulls, m.CacheHits, m.RegistryFetches, m.IntegrityViolations, m.CommandDuration)
	return m
}

// ObservePull records the outcome of a pull command.
func (m *Metrics) ObservePull(policy, outcome string) {
	m.Pulls.WithLabelValues(policy, outcome).Inc()
	switch outcome {
	case OutcomeCached:
		m.CacheHits.Inc()
	case OutcomePulled:
		m.RegistryFetches.Inc()
	}
}

// LogResourceUsage logs current resource usage
func (m *Metrics) LogResourceUsage() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.log.WithFields(logrus.Fields{
		"uptime":    time.Since(m.StartTime).Round(time.Second).String(),
		"memory_mb": float64(mem.Alloc) / 1024 / 1024,
	}).Info("Resource usage")
}

// LogStartupBanner logs a startup banner with system info
func LogStartupBanner(log *logrus.Entry, version string) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log.WithFields(logrus.Fields{
		"version":    version,
		"go_version": runtime.Version(),
		"arch":       runtime.GOOS + "/" + runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
		"sys_mb":     float64(mem.Sys) / 1024 / 1024,
	}).Info("Starting bytecache")
}

// Timer measures the duration of one command
type Timer struct {
	name     string
	start    time.Time
	log      *logrus.Entry
	observer prometheus.Observer
}

// NewTimer starts a timer for command. The duration is observed in
// CommandDuration when the timer stops.
func (m *Metrics) NewTimer(log *logrus.Entry, command string) *Timer {
	log.Tracef("Starting %s", command)
	return &Timer{
		name:     command,
		start:    time.Now(),
		log:      log,
		observer: m.CommandDuration.WithLabelValues(command),
	}
}

// Stop stops the timer, records and logs the duration
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.start)
	t.observer.Observe(duration.Seconds())

	entry := t.log.WithField("duration", duration.String())
	if duration > 30*time.Second {
		entry.Warnf("%s took longer than expected", t.name)
	} else {
		entry.Debugf("%s completed", t.name)
	}
	return duration
}
