package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"bytecache/pkg/image"
	"bytecache/pkg/logging"
	"bytecache/pkg/metrics"
	"bytecache/pkg/server"
	"bytecache/pkg/shutdown"
)

var (
	serveTimeout    uint64
	serveSocket     string
	serveMetrics    string
	serveUnsigned   bool
	servePublicKey  string
	resourceLogTick = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the image cache daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("timeout") {
			cfg.InactivityTimeout = time.Duration(serveTimeout) * time.Second
		}
		if cmd.Flags().Changed("socket") {
			cfg.Server.Socket = serveSocket
		}
		if cmd.Flags().Changed("metrics-address") {
			cfg.Server.MetricsAddress = serveMetrics
		}
		if cmd.Flags().Changed("allow-unsigned") {
			cfg.Signing.AllowUnsigned = serveUnsigned
		}
		if cmd.Flags().Changed("public-key") {
			cfg.Signing.PublicKey = servePublicKey
		}
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	log := logging.Component("bytecached")
	metrics.LogStartupBanner(log, version)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	verifier, err := newVerifier(ctx)
	if err != nil {
		return err
	}
	mgr, store, err := newImageManager(reg, verifier)
	if err != nil {
		return err
	}
	defer store.Close()

	sh := shutdown.NewHandler(log)
	go sh.Run(ctx, cfg.InactivityTimeout)

	listener, err := server.Listen(cfg.Server.Socket)
	if err != nil {
		sh.Trigger("listener failure")
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Run(sh.Done())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.NewHealthServer(log).Serve(listener, mgr.Done(), sh.Done()); err != nil {
			errs <- err
			sh.Trigger("health server failure")
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.ServeMetrics(cfg.Server.MetricsAddress, reg, sh.Done(), log); err != nil {
				errs <- err
				sh.Trigger("metrics server failure")
			}
		}()
	}

	go logResourceUsage(mgr, sh.Done())

	wg.Wait()
	select {
	case err := <-errs:
		return fmt.Errorf("daemon stopped with error: %w", err)
	default:
		return nil
	}
}

func logResourceUsage(m *image.Manager, done <-chan struct{}) {
	ticker := time.NewTicker(resourceLogTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Metrics().LogResourceUsage()
		case <-done:
			return
		}
	}
}

func init() {
	serveCmd.Flags().Uint64Var(&serveTimeout, "timeout", 0, "Shut down after this many seconds (0 disables the inactivity timer)")
	serveCmd.Flags().StringVar(&serveSocket, "socket", "", "Health endpoint: unix socket path or vsock://<port>")
	serveCmd.Flags().StringVar(&serveMetrics, "metrics-address", "", "Address for the Prometheus metrics endpoint")
	serveCmd.Flags().BoolVar(&serveUnsigned, "allow-unsigned", true, "Allow images without a signature")
	serveCmd.Flags().StringVar(&servePublicKey, "public-key", "", "Verify signatures with this PEM public key instead of keyless verification")
}
