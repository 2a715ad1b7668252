package supervisor

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/appmux/appmux/internal/registry"
)

// fakeHandle is a registry.ProcessHandle the tests control directly,
// standing in for a real subprocess.
type fakeHandle struct {
	pid   int
	alive atomic.Bool
}

func (f *fakeHandle) PID() int    { return f.pid }
func (f *fakeHandle) Alive() bool { return f.alive.Load() }

func newTestSupervisor(t *testing.T, specs []registry.AppSpec) (*Supervisor, *registry.Registry, *clocktesting.FakeClock) {
	t.Helper()
	reg := registry.New(specs)
	fc := clocktesting.NewFakeClock(time.Now())
	reg.WithClock(fc)

	sup := New(reg, t.TempDir(), 10*time.Millisecond, time.Hour)
	sup.clock = fc
	return sup, reg, fc
}

func TestOnDemandStartSpawnsOnlyOnce(t *testing.T) {
	sup, reg, _ := newTestSupervisor(t, []registry.AppSpec{{Name: "reports", Port: 19001}})

	var spawnCount int32
	sup.spawn = func(spec registry.AppSpec, logDir string) (registry.ProcessHandle, error) {
		atomic.AddInt32(&spawnCount, 1)
		h := &fakeHandle{pid: 100}
		h.alive.Store(true)
		return h, nil
	}
	sup.dial = func(network, address string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: errNotReady{}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.OnDemandStart(ctx, "reports"); err != nil {
		t.Fatalf("first OnDemandStart: %v", err)
	}
	if err := sup.OnDemandStart(ctx, "reports"); err != nil {
		t.Fatalf("second OnDemandStart: %v", err)
	}

	if got := atomic.LoadInt32(&spawnCount); got != 1 {
		t.Fatalf("spawn called %d times, want 1", got)
	}
	if !reg.IsStarting("reports", time.Now()) {
		t.Fatal("expected reports to be marked starting")
	}
}

type errNotReady struct{}

func (errNotReady) Error() string { return "not ready" }

func TestSpawnMarksReadyOnSuccessfulProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	sup, reg, _ := newTestSupervisor(t, []registry.AppSpec{{Name: "reports", Port: port}})
	sup.spawn = func(spec registry.AppSpec, logDir string) (registry.ProcessHandle, error) {
		h := &fakeHandle{pid: 1}
		h.alive.Store(true)
		return h, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.Spawn(ctx, "reports"); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !reg.IsStarting("reports", time.Now()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("app never became ready")
}

func TestRestartRefusesDormantApp(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, []registry.AppSpec{{Name: "reports", Port: 19002, Resident: false}})
	if err := sup.Restart(context.Background(), "reports"); err == nil {
		t.Fatal("expected error restarting a dormant non-resident app")
	}
}

func TestStopIdleRefusesResidentApp(t *testing.T) {
	sup, reg, _ := newTestSupervisor(t, []registry.AppSpec{{Name: "sales", Port: 19003, Resident: true}})
	h := &fakeHandle{pid: 1}
	h.alive.Store(true)
	reg.AddProcess("sales", h, time.Now())

	if err := sup.StopIdle(context.Background(), "sales"); err != nil {
		t.Fatalf("StopIdle: %v", err)
	}
	if !reg.IsAlive("sales") {
		t.Fatal("StopIdle must not stop a resident app")
	}
}

func TestHealthTickRespawnsCrashedResidentApp(t *testing.T) {
	sup, reg, _ := newTestSupervisor(t, []registry.AppSpec{{Name: "sales", Port: 19004, Resident: true}})
	dead := &fakeHandle{pid: 1}
	reg.AddProcess("sales", dead, time.Now())

	var spawnCount int32
	sup.spawn = func(spec registry.AppSpec, logDir string) (registry.ProcessHandle, error) {
		atomic.AddInt32(&spawnCount, 1)
		h := &fakeHandle{pid: 2}
		h.alive.Store(true)
		return h, nil
	}

	sup.healthTick(context.Background())

	if reg.Status("sales") == registry.StatusRunning {
		t.Fatal("expected respawn to be delayed, not immediate")
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&spawnCount) != 1 {
		t.Fatalf("expected exactly one respawn, got %d", spawnCount)
	}
}
