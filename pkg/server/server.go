// Package server exposes the daemon's health over gRPC and its metrics over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reporting the image manager.
const ServiceName = "bytecache.ImageManager"

const (
	vsockScheme = "vsock://"
	socketMode  = 0660
)

// Listen opens a unix socket at address, or a vsock listener when address
// has the form "vsock://<port>". A stale unix socket file is replaced.
func Listen(address string) (net.Listener, error) {
	if strings.HasPrefix(address, vsockScheme) {
		port, err := parseVsockPort(address)
		if err != nil {
			return nil, err
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on vsock port %d: %w", port, err)
		}
		return l, nil
	}

	if err := os.MkdirAll(filepath.Dir(address), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket %s: %w", address, err)
	}
	l, err := net.Listen("unix", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if err := os.Chmod(address, socketMode); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return l, nil
}

func parseVsockPort(address string) (uint32, error) {
	port, err := strconv.ParseUint(strings.TrimPrefix(address, vsockScheme), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid vsock address %q: %w", address, err)
	}
	return uint32(port), nil
}

// HealthServer serves the gRPC health protocol.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *logrus.Entry
}

func NewHealthServer(log *logrus.Entry) *HealthServer {
	s := &HealthServer{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    log.WithField("component", "health-server"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on l until shutdown is closed. The image manager
// is reported as not serving once managerDone is closed.
func (s *HealthServer) Serve(l net.Listener, managerDone, shutdown <-chan struct{}) error {
	go func() {
		select {
		case <-managerDone:
			s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		case <-shutdown:
		}
	}()
	go func() {
		<-shutdown
		s.log.Debug("Received shutdown signal")
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.WithField("address", l.Addr().String()).Info("Health server listening")
	if err := s.grpc.Serve(l); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	s.log.Info("Health server stopped")
	return nil
}

// ServeMetrics exposes the collectors of gatherer at /metrics on address
// until shutdown is closed.
func ServeMetrics(address string, gatherer prometheus.Gatherer, shutdown <-chan struct{}, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.WithField("address", address).Info("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}
