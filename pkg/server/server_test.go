package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestParseVsockPort(t *testing.T) {
	port, err := parseVsockPort("vsock://1024")
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), port)

	for _, bad := range []string{"vsock://", "vsock://abc", "vsock://-1", "vsock://4294967296"} {
		_, err := parseVsockPort(bad)
		assert.Error(t, err, bad)
	}
}

func TestListen_UnixReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "h.sock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, nil, 0644))

	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, info.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(socketMode), info.Mode().Perm())
}

func TestHealthServer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h.sock")
	l, err := Listen(path)
	require.NoError(t, err)

	managerDone := make(chan struct{})
	shutdown := make(chan struct{})
	served := make(chan error, 1)
	go func() {
		served <- NewHealthServer(logrus.NewEntry(logrus.New())).Serve(l, managerDone, shutdown)
	}()

	conn, err := grpc.NewClient("unix://"+path, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	status := func() (healthpb.HealthCheckResponse_ServingStatus, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		return resp.GetStatus(), err
	}

	got, err := status()
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, got)

	close(managerDone)
	assert.Eventually(t, func() bool {
		got, err := status()
		return err == nil && got == healthpb.HealthCheckResponse_NOT_SERVING
	}, 5*time.Second, 10*time.Millisecond)

	close(shutdown)
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("health server did not stop")
	}
}
