package image

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"bytecache/pkg/metrics"
	"bytecache/pkg/registry"
	"bytecache/pkg/state"
	"bytecache/pkg/verify"
)

// DefaultQueueSize is the command queue capacity used when none is configured.
const DefaultQueueSize = 32

// State is the lifecycle state of a Manager.
type State int32

const (
	StateRunning State = iota
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Options configures a Manager.
type Options struct {
	QueueSize int
	// Metrics defaults to collectors on a private registry.
	Metrics *metrics.Metrics
	Logger  *logrus.Entry
}

// Manager owns the image store and serves Pull and GetBytecode commands one
// at a time, in arrival order, from a single goroutine started with Run.
type Manager struct {
	store    *state.Store
	client   registry.Client
	verifier verify.Verifier
	metrics  *metrics.Metrics
	log      *logrus.Entry

	commands chan Command
	done     chan struct{}
	state    atomic.Int32

	// ctx is passed to registry and verifier calls and cancelled on stop.
	ctx    context.Context
	cancel context.CancelFunc

	fatal func(args ...interface{})
}

// NewManager creates a manager over an opened store. The manager takes
// ownership of store, client and verifier.
func NewManager(store *state.Store, client registry.Client, verifier verify.Verifier, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "image-manager")

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry(), log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		client:   client,
		verifier: verifier,
		metrics:  m,
		log:      log,
		commands: make(chan Command, queueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		fatal:    log.Fatal,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Metrics returns the collectors the manager reports to.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Done is closed once the manager has stopped.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run processes commands until shutdown is closed. Shutdown takes priority
// over queued commands. On shutdown the store is flushed; failing to flush is
// fatal. Commands left in the queue are answered with ErrManagerStopped.
func (m *Manager) Run(shutdown <-chan struct{}) {
	m.log.WithField("queue_size", cap(m.commands)).Info("Image manager started")

	for {
		select {
		case <-shutdown:
			m.stop()
			return
		default:
		}

		select {
		case <-shutdown:
			m.stop()
			return
		case cmd := <-m.commands:
			m.handle(cmd)
		}
	}
}

func (m *Manager) stop() {
	m.state.Store(int32(StateShuttingDown))
	m.log.Info("Shutdown signal received, flushing image store")
	m.cancel()

	if err := m.store.Flush(); err != nil {
		m.fatal("Failed to flush image store: ", err)
	}

	m.state.Store(int32(StateStopped))
	close(m.done)

	if dropped := m.failQueued(); dropped > 0 {
		m.log.WithField("dropped", dropped).Warn("Answered queued commands with manager stopped")
	}
	m.log.Info("Image manager stopped")
}

// failQueued answers every command left in the queue with ErrManagerStopped.
// Each command is received once, so concurrent callers never reply twice.
func (m *Manager) failQueued() int {
	dropped := 0
	for {
		select {
		case cmd := <-m.commands:
			cmd.fail(ErrManagerStopped)
			dropped++
		default:
			return dropped
		}
	}
}
