package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/appmux/appmux/internal/admin"
	"github.com/appmux/appmux/internal/cleanup"
	"github.com/appmux/appmux/internal/config"
	"github.com/appmux/appmux/internal/proxy"
	"github.com/appmux/appmux/internal/registry"
	"github.com/appmux/appmux/internal/supervisor"
	"github.com/appmux/appmux/internal/web"
	"github.com/appmux/appmux/internal/wsbridge"
)

const shutdownGrace = 10 * time.Second

// Run loads the configuration named by opts.ConfigPath, wires every
// component together and runs until a signal, the admin shutdown
// endpoint, or an external shutdown sentinel requests a graceful stop.
func (o *Opts) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	logger := klog.Background()
	ctx, cancel := context.WithCancel(klog.NewContext(sigCtx, logger))
	defer cancel()

	completed, err := loadConfig(o.ConfigPath, o.LogDirFlag)
	if err != nil {
		return err
	}

	reg := registry.New(completed.Apps)
	sup := supervisor.New(reg, completed.LogDir, completed.RestartDelay, completed.HealthCheckInterval)
	site, err := web.New(reg)
	if err != nil {
		return fmt.Errorf("building web site: %w", err)
	}
	bridge := wsbridge.New(reg, sup, sup)
	router := proxy.New(reg, sup, site, site, bridge)
	sweeper := cleanup.New(reg, registry.CleanupInterval, registry.SessionIdleTimeout)
	adminAPI := admin.New(reg, sup, completed.LogDir)

	metricsReg := prometheus.NewRegistry()

	publicAddr := fmt.Sprintf("%s:%d", completed.ProxyHost, completed.ProxyPort)
	publicListener, err := net.Listen("tcp", publicAddr)
	if err != nil {
		return fmt.Errorf("binding public listener %s: %w", publicAddr, err)
	}
	adminAddr := fmt.Sprintf("127.0.0.1:%d", completed.ManagementPort)
	adminListener, err := net.Listen("tcp", adminAddr)
	if err != nil {
		return fmt.Errorf("binding admin listener %s: %w", adminAddr, err)
	}

	publicServer := &http.Server{Handler: router.Handler(metricsReg)}
	adminServer := &http.Server{Handler: adminAPI.Handler()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("public listener started", "addr", publicAddr)
		if err := publicServer.Serve(publicListener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("public listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("admin listener started", "addr", adminAddr)
		if err := adminServer.Serve(adminListener); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin listener: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sup.Run(gctx)
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		return adminAPI.WatchSentinel(gctx)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-adminAPI.Shutdown():
			logger.Info("shutdown requested")
			cancel()
		}
		return nil
	})

	<-gctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	_ = publicServer.Shutdown(shutdownCtx)
	_ = adminServer.Shutdown(shutdownCtx)
	if err := adminAPI.RemoveSentinel(); err != nil {
		logger.Error(err, "failed to remove shutdown sentinel")
	}

	if err := g.Wait(); err != nil {
		logger.Error(err, "component failed")
		klog.Flush()
		return err
	}
	klog.Flush()
	return nil
}

// loadConfig reads path and, if logDirOverride is non-empty, applies it in
// place of the config file's log_dir before validating — the --log-dir flag
// takes precedence over the file.
func loadConfig(path, logDirOverride string) (*config.CompletedConfig, error) {
	raw, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logDirOverride != "" {
		raw.LogDir = logDirOverride
	}
	validated, err := raw.Validate()
	if err != nil {
		return nil, err
	}
	return validated.Complete()
}
