// Package cleanup implements the periodic sweep (C7): it closes idle
// WebSocket sessions and audits the registry's per-app connection
// counters, on a fixed tick.
//
// Dead-process reaping and resident-app respawn already live in
// internal/supervisor's own health loop (Supervisor.Run); duplicating that
// here would race two independent tickers against the same RemoveProcess
// call, so this sweep is scoped to session bookkeeping the health loop
// does not touch.
//
// The ticker-driven Run(ctx) loop mirrors sessiongate/cmd/options.go's
// informer-factory Start(ctx.Done()) resync shape, generalized from a
// one-shot Start call to a recurring time.Ticker since this sweep has no
// shared-informer cache to seed.
package cleanup

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/appmux/appmux/internal/registry"
)

// Scheduler runs the periodic sweep against a Registry.
type Scheduler struct {
	reg         *registry.Registry
	interval    time.Duration
	idleTimeout time.Duration
}

// New builds a Scheduler. interval and idleTimeout default to the
// registry's own tunables when zero.
func New(reg *registry.Registry, interval, idleTimeout time.Duration) *Scheduler {
	if interval <= 0 {
		interval = registry.CleanupInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = registry.SessionIdleTimeout
	}
	return &Scheduler{reg: reg, interval: interval, idleTimeout: idleTimeout}
}

// Run ticks every interval until ctx is cancelled, running one sweep per
// tick. It blocks, matching the other long-running components' Run(ctx)
// shape for wiring into an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	logger := klog.FromContext(ctx)
	now := time.Now()

	s.closeStaleClients(logger, now)
	s.closeStaleBackends(logger, now)
	s.auditCounters(logger)
}

func (s *Scheduler) closeStaleClients(logger klog.Logger, now time.Time) {
	for _, id := range s.reg.StaleClientSessions(now, s.idleTimeout) {
		info, ok := s.reg.GetClientSession(id)
		if !ok {
			continue
		}
		if info.Conn != nil {
			_ = info.Conn.Close()
		}
		s.reg.RemoveClientSession(id)
		logger.V(1).Info("closed idle client session", "session", id, "app", info.AppName)
	}
}

func (s *Scheduler) closeStaleBackends(logger klog.Logger, now time.Time) {
	for _, id := range s.reg.StaleBackendSessions(now, s.idleTimeout) {
		info, ok := s.reg.GetBackendSession(id)
		if !ok {
			continue
		}
		if info.Conn != nil {
			_ = info.Conn.Close()
		}
		s.reg.RemoveBackendSession(id)
		logger.V(1).Info("closed idle backend session", "session", id)
	}
}

func (s *Scheduler) auditCounters(logger klog.Logger) {
	result := s.reg.AuditCounts(true)
	if result.Consistent {
		return
	}
	for _, inc := range result.Inconsistencies {
		logger.Info("repaired connection counter drift",
			"app", inc.App, "cached", inc.Cached, "actual", inc.Actual)
	}
}
