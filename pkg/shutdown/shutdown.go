// Package shutdown broadcasts a single shutdown event to every long-running
// component by closing a channel.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

type Handler struct {
	done chan struct{}
	once sync.Once
	log  *logrus.Entry
}

func NewHandler(log *logrus.Entry) *Handler {
	return &Handler{
		done: make(chan struct{}),
		log:  log.WithField("component", "shutdown"),
	}
}

// Done is closed when shutdown has been triggered.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Trigger starts the shutdown. Calling it more than once is a no-op.
func (h *Handler) Trigger(reason string) {
	h.once.Do(func() {
		h.log.WithField("reason", reason).Info("Shutting down")
		close(h.done)
	})
}

// Run waits for SIGINT, SIGTERM, the inactivity timeout or the end of ctx,
// whichever comes first, and then triggers the shutdown. A zero timeout
// disables the inactivity timer.
func (h *Handler) Run(ctx context.Context, timeout time.Duration) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	h.Watch(ctx, sigs, timeout)
}

// Watch is Run with the signal source supplied by the caller.
func (h *Handler) Watch(ctx context.Context, sigs <-chan os.Signal, timeout time.Duration) {
	var expired <-chan time.Time
	if timeout > 0 {
		h.log.Infof("Using inactivity timer of %s", timeout)
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	} else {
		h.log.Info("Using no inactivity timer")
	}

	select {
	case sig := <-sigs:
		h.log.Debugf("Received %s", sig)
		h.Trigger(sig.String())
	case <-expired:
		h.Trigger("inactivity timeout")
	case <-ctx.Done():
		h.Trigger("context done")
	case <-h.done:
	}
}
