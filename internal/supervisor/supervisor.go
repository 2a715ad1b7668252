package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/appmux/appmux/internal/registry"
)

// probeInterval is the readiness-probe tick from spec.md §4.4.
const probeInterval = 200 * time.Millisecond

// dialFunc abstracts net.Dial so tests can fake backend readiness without
// a real subprocess.
type dialFunc func(network, address string) (net.Conn, error)

// spawnFunc abstracts process creation so tests can substitute a fake
// ProcessHandle without forking anything.
type spawnFunc func(spec registry.AppSpec, logDir string) (registry.ProcessHandle, error)

// Supervisor owns every backend process's lifecycle: spawn, readiness
// probe, restart policy, health loop and idle stop.
type Supervisor struct {
	reg            *registry.Registry
	clock          clock.Clock
	logDir         string
	restartDelay   time.Duration
	healthInterval time.Duration
	dial           dialFunc
	spawn          spawnFunc
}

// New builds a Supervisor. logDir is where per-app stdout/stderr logs are
// written; restartDelay and healthInterval come from the loaded config.
func New(reg *registry.Registry, logDir string, restartDelay, healthInterval time.Duration) *Supervisor {
	s := &Supervisor{
		reg:            reg,
		clock:          clock.RealClock{},
		logDir:         logDir,
		restartDelay:   restartDelay,
		healthInterval: healthInterval,
		dial: func(network, address string) (net.Conn, error) {
			return net.DialTimeout(network, address, 2*time.Second)
		},
	}
	s.spawn = func(spec registry.AppSpec, logDir string) (registry.ProcessHandle, error) {
		return spawnProcess(spec.Path, spec.Port, logDir, spec.Name)
	}
	return s
}

// Spawn starts app's backend process and launches its readiness probe in
// the background. It returns once the process has been forked, without
// waiting for readiness — callers observe readiness via
// registry.GetStartupState.
func (s *Supervisor) Spawn(ctx context.Context, app string) error {
	spec, ok := s.reg.Spec(app)
	if !ok {
		return fmt.Errorf("supervisor: unknown app %q", app)
	}

	logger := klog.FromContext(ctx).WithValues("app", app)
	s.reg.SetStarting(app, s.clock.Now())

	handle, err := s.spawn(spec, s.logDir)
	if err != nil {
		s.reg.ClearStartup(app)
		logger.Error(err, "failed to spawn app")
		return fmt.Errorf("spawning %s: %w", app, err)
	}
	s.reg.AddProcess(app, handle, s.clock.Now())
	logger.V(2).Info("spawned app", "pid", handle.PID())

	go s.probeReadiness(ctx, spec, handle)
	return nil
}

// probeReadiness polls the backend port until it accepts a connection,
// the process dies, or STARTUP_TIMEOUT elapses.
func (s *Supervisor) probeReadiness(ctx context.Context, spec registry.AppSpec, handle registry.ProcessHandle) {
	logger := klog.FromContext(ctx).WithValues("app", spec.Name)
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", spec.Port)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !handle.Alive() {
			logger.Info("backend died during startup")
			s.reg.ClearStartup(spec.Name)
			s.reg.RemoveProcess(spec.Name, registry.StopReasonCrashed)
			return
		}

		phase, exists := s.reg.GetStartupState(spec.Name, s.clock.Now())
		if !exists {
			// cleared by an admin stop racing this probe
			return
		}
		if phase == registry.PhaseTimeout {
			logger.Info("readiness probe timed out")
			s.killHandle(handle)
			s.reg.RemoveProcess(spec.Name, registry.StopReasonCrashed)
			return
		}

		conn, err := s.dial("tcp", addr)
		if err != nil {
			continue
		}
		conn.Close()

		if spec.HealthPath != "" {
			if !s.probeHealthPath(spec) {
				continue
			}
		}

		s.reg.SetReady(spec.Name)
		logger.V(2).Info("app became ready")
		return
	}
}

func (s *Supervisor) probeHealthPath(spec registry.AppSpec) bool {
	// A plain TCP connect can succeed before the backend's HTTP server is
	// actually prepared to serve; an optional HealthPath GET closes that
	// race (see DESIGN.md Open Question).
	conn, err := s.dial("tcp", fmt.Sprintf("127.0.0.1:%d", spec.Port))
	if err != nil {
		return false
	}
	defer conn.Close()
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: 127.0.0.1\r\n\r\n", spec.HealthPath)
	if _, err := conn.Write([]byte(req)); err != nil {
		return false
	}
	buf := make([]byte, 12)
	_ = conn.SetReadDeadline(s.clock.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil || n < 12 {
		return false
	}
	status := string(buf[9:12])
	return status[0] == '2' || status[0] == '3'
}

func (s *Supervisor) killHandle(handle registry.ProcessHandle) {
	if p, ok := handle.(*process); ok {
		p.stop(func() {})
	}
}

// OnDemandStart starts app if it has no live process and is not already
// starting; returns success (nil) if either condition is already
// satisfied by someone else.
func (s *Supervisor) OnDemandStart(ctx context.Context, app string) error {
	if s.reg.IsStarting(app, s.clock.Now()) {
		return nil
	}
	if s.reg.IsAlive(app) {
		return nil
	}
	return s.Spawn(ctx, app)
}

// Stop gracefully stops app's backend, escalating to a forced kill after a
// short grace period, and tears down every session bound to it.
func (s *Supervisor) Stop(ctx context.Context, app string, reason registry.StopReason) error {
	handle, ok := s.reg.GetProcess(app)
	if !ok {
		return nil
	}
	logger := klog.FromContext(ctx).WithValues("app", app)

	if p, ok := handle.(*process); ok {
		p.stop(func() { time.Sleep(3 * time.Second) })
	}
	s.reg.RemoveProcess(app, reason)
	s.closeAppSessions(app)
	logger.V(2).Info("stopped app", "reason", reason)
	return nil
}

// StopIdle is the one-way callback the WebSocket bridge invokes when an
// app's connection count transitions to zero; it never imports supervisor
// back into itself, it only holds this method through an interface it
// declares. Resident apps are refused.
func (s *Supervisor) StopIdle(ctx context.Context, app string) error {
	spec, ok := s.reg.Spec(app)
	if !ok || spec.Resident {
		return nil
	}
	return s.Stop(ctx, app, registry.StopReasonExplicit)
}

// Restart cleans up app's sessions, stops it, waits restartDelay, then
// spawns it again. Restarting a dormant non-resident app is refused.
func (s *Supervisor) Restart(ctx context.Context, app string) error {
	spec, ok := s.reg.Spec(app)
	if !ok {
		return fmt.Errorf("supervisor: unknown app %q", app)
	}
	if !spec.Resident && !s.reg.IsAlive(app) {
		return fmt.Errorf("supervisor: cannot restart dormant app %q", app)
	}

	if err := s.Stop(ctx, app, registry.StopReasonExplicit); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.restartDelay):
	}
	return s.Spawn(ctx, app)
}

func (s *Supervisor) closeAppSessions(app string) {
	for _, conn := range s.reg.Connections(app) {
		if info, ok := s.reg.GetClientSession(conn.SessionID); ok && info.Conn != nil {
			_ = info.Conn.Close()
		}
		if backend, ok := s.reg.GetBackendSession(conn.SessionID); ok && backend.Conn != nil {
			_ = backend.Conn.Close()
		}
		s.reg.RemoveBackendSession(conn.SessionID)
		s.reg.RemoveClientSession(conn.SessionID)
	}
}

// Run drives the resident-app startup pass and the periodic health loop
// until ctx is cancelled, in the shape of an errgroup-managed component.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	for _, spec := range s.reg.Specs() {
		if spec.Resident {
			if err := s.Spawn(ctx, spec.Name); err != nil {
				logger.Error(err, "failed to start resident app at boot", "app", spec.Name)
			}
		}
	}

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdownAll(context.Background())
			return nil
		case <-ticker.C:
			s.healthTick(ctx)
		}
	}
}

// healthTick implements the per-tick behavior of §4.4's health loop: dead
// processes are cleaned up and, for resident apps, respawned after a
// delay; resident apps with no handle at all are spawned immediately.
func (s *Supervisor) healthTick(ctx context.Context) {
	logger := klog.FromContext(ctx)
	respawning := make(map[string]bool)
	for _, app := range s.reg.DeadProcesses() {
		spec, ok := s.reg.Spec(app)
		if !ok {
			continue
		}
		logger.Info("health check found dead process", "app", app)
		s.reg.RemoveProcess(app, registry.StopReasonCrashed)
		s.closeAppSessions(app)
		if spec.Resident {
			respawning[app] = true
			go s.delayedRespawn(ctx, app)
		}
	}

	for _, spec := range s.reg.Specs() {
		if !spec.Resident || respawning[spec.Name] {
			continue
		}
		if _, ok := s.reg.GetProcess(spec.Name); ok {
			continue
		}
		if s.reg.IsStarting(spec.Name, s.clock.Now()) {
			continue
		}
		if err := s.Spawn(ctx, spec.Name); err != nil {
			logger.Error(err, "health loop failed to spawn resident app", "app", spec.Name)
		}
	}
}

func (s *Supervisor) delayedRespawn(ctx context.Context, app string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.restartDelay):
	}
	if err := s.Spawn(ctx, app); err != nil {
		klog.FromContext(ctx).Error(err, "restart after crash failed", "app", app)
	}
}

func (s *Supervisor) shutdownAll(ctx context.Context) {
	for _, spec := range s.reg.Specs() {
		_ = s.Stop(ctx, spec.Name, registry.StopReasonExplicit)
	}
}
