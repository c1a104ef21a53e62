package shutdown

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() (*Handler, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	return NewHandler(logrus.NewEntry(logger)), hook
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestWatch_Signal(t *testing.T) {
	h, hook := newTestHandler()
	sigs := make(chan os.Signal, 1)
	sigs <- syscall.SIGTERM

	h.Watch(context.Background(), sigs, 0)

	assert.True(t, closed(h.Done()))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, syscall.SIGTERM.String(), hook.LastEntry().Data["reason"])
}

func TestWatch_InactivityTimeout(t *testing.T) {
	h, hook := newTestHandler()

	h.Watch(context.Background(), make(chan os.Signal), 10*time.Millisecond)

	assert.True(t, closed(h.Done()))
	assert.Equal(t, "inactivity timeout", hook.LastEntry().Data["reason"])
}

func TestWatch_Context(t *testing.T) {
	h, _ := newTestHandler()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.Watch(ctx, make(chan os.Signal), 0)
	assert.True(t, closed(h.Done()))
}

func TestTrigger_Idempotent(t *testing.T) {
	h, hook := newTestHandler()
	assert.False(t, closed(h.Done()))

	h.Trigger("first")
	h.Trigger("second")

	assert.True(t, closed(h.Done()))
	assert.Len(t, hook.AllEntries(), 1)

	// Watch returns at once after an external trigger.
	h.Watch(context.Background(), make(chan os.Signal), time.Hour)
}
