package registry_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/appmux/appmux/internal/registry"
)

type fakeConn struct{ closed bool }

func (c *fakeConn) Close() error { c.closed = true; return nil }

type fakeHandle struct {
	pid   int
	alive bool
}

func (h *fakeHandle) PID() int    { return h.pid }
func (h *fakeHandle) Alive() bool { return h.alive }

func newTestRegistry() *registry.Registry {
	return registry.New([]registry.AppSpec{
		{Name: "reports", Path: "/apps/reports", Resident: false, Port: 3003},
		{Name: "sales", Path: "/apps/sales", Resident: true, Port: 3004},
	})
}

func TestAddRemoveClientSessionIdempotence(t *testing.T) {
	r := newTestRegistry()
	info := registry.ClientSessionInfo{AppName: "reports", ClientIP: "127.0.0.1"}

	if !r.AddClientSession("abc", info) {
		t.Fatal("first add should succeed")
	}
	if got := r.GetClientCount("reports"); got != 1 {
		t.Fatalf("count after first add = %d, want 1", got)
	}

	info2 := info
	info2.UserAgent = "curl/8"
	if !r.AddClientSession("abc", info2) {
		t.Fatal("second add with same id should succeed")
	}
	if got := r.GetClientCount("reports"); got != 1 {
		t.Fatalf("count after duplicate add = %d, want unchanged 1", got)
	}
	stored, _ := r.GetClientSession("abc")
	if stored.UserAgent != "curl/8" {
		t.Fatalf("stored info not updated by second add: %+v", stored)
	}

	if !r.RemoveClientSession("abc") {
		t.Fatal("first remove should return true")
	}
	if r.RemoveClientSession("abc") {
		t.Fatal("second remove should be a no-op returning false")
	}
	if got := r.GetClientCount("reports"); got != 0 {
		t.Fatalf("count after remove = %d, want 0", got)
	}
}

func TestGetClientCountNeverNegative(t *testing.T) {
	r := newTestRegistry()
	r.RemoveClientSession("never-added")
	if got := r.GetClientCount("reports"); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}

func TestRejectsEmptyIDOrInfo(t *testing.T) {
	r := newTestRegistry()
	if r.AddClientSession("", registry.ClientSessionInfo{AppName: "reports"}) {
		t.Fatal("empty id should be rejected")
	}
	if r.AddClientSession("abc", registry.ClientSessionInfo{}) {
		t.Fatal("empty info should be rejected")
	}
}

func TestAuditCountsConsistentAfterAddRemoveSequence(t *testing.T) {
	r := newTestRegistry()
	r.AddClientSession("s1", registry.ClientSessionInfo{AppName: "app1"})
	r.AddClientSession("s2", registry.ClientSessionInfo{AppName: "app1"})

	// The public API cannot make the cache drift: every add and remove
	// keeps it in lockstep with the session map. This runs a mixed
	// sequence of adds and removes and checks that the audit finds nothing
	// to repair; the repair path itself is covered by the in-package
	// TestAuditCountsRepairsSeededCorruption.
	r.RemoveClientSession("s2")
	r.AddClientSession("s2", registry.ClientSessionInfo{AppName: "app1"})
	r.AddClientSession("s3", registry.ClientSessionInfo{AppName: "app1"})
	r.RemoveClientSession("s3")
	r.RemoveClientSession("s3") // no-op, proves idempotence under audit too

	result := r.AuditCounts(true)
	if !result.Consistent {
		t.Fatalf("expected consistent state, got inconsistencies: %+v", result.Inconsistencies)
	}
	if got := r.GetClientCount("app1"); got != 2 {
		t.Fatalf("count after audit = %d, want 2", got)
	}
}

func TestStartupStateExpiresExactlyOnce(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fc := clocktesting.NewFakeClock(start)
	r := newTestRegistry().WithClock(fc)

	r.SetStarting("reports", fc.Now())
	if !r.IsStarting("reports", fc.Now()) {
		t.Fatal("expected is_starting true immediately after set_starting")
	}

	fc.SetTime(start.Add(registry.StartupTimeout + time.Millisecond))

	phase, ok := r.GetStartupState("reports", fc.Now())
	if !ok || phase != registry.PhaseTimeout {
		t.Fatalf("first read after timeout = (%v, %v), want (timeout, true)", phase, ok)
	}

	_, ok = r.GetStartupState("reports", fc.Now())
	if ok {
		t.Fatal("startup state should be cleared after being observed as timeout once")
	}
	if r.IsStarting("reports", fc.Now()) {
		t.Fatal("is_starting must be false once startup state is cleared")
	}
}

func TestSetReadyClearsStartupState(t *testing.T) {
	r := newTestRegistry()
	now := time.Now()
	r.SetStarting("reports", now)
	r.SetReady("reports")
	if r.IsStarting("reports", now) {
		t.Fatal("is_starting should be false after set_ready")
	}
}

func TestPendingQueueCapsAtMaxAndDropsOldest(t *testing.T) {
	r := newTestRegistry()
	r.AddBackendSession("sess1", registry.BackendSessionInfo{})

	for i := 0; i < registry.PendingQueueMax+50; i++ {
		r.EnqueuePending("sess1", []byte{byte(i)})
	}

	info, ok := r.GetBackendSession("sess1")
	if !ok {
		t.Fatal("backend session missing")
	}
	if len(info.Pending) != registry.PendingQueueMax {
		t.Fatalf("pending length = %d, want %d", len(info.Pending), registry.PendingQueueMax)
	}
	// the oldest 50 were dropped; the queue must retain the most recent
	// PendingQueueMax frames in original relative order.
	wantFirst := byte(50)
	if info.Pending[0][0] != wantFirst {
		t.Fatalf("oldest retained frame = %d, want %d", info.Pending[0][0], wantFirst)
	}

	drained := r.SetBackendReady("sess1")
	wantDrained := make([][]byte, registry.PendingQueueMax)
	for i := range wantDrained {
		wantDrained[i] = []byte{byte(50 + i)}
	}
	if diff := cmp.Diff(wantDrained, drained); diff != "" {
		t.Fatalf("drained frames mismatch (-want +got):\n%s", diff)
	}

	info, _ = r.GetBackendSession("sess1")
	if !info.Ready {
		t.Fatal("backend session should be ready after set_backend_ready")
	}
	if len(info.Pending) != 0 {
		t.Fatal("pending queue should be empty after drain")
	}
}

// TestAttachBackendConnPreservesPending covers the dial-in-flight race the
// WebSocket bridge relies on: ensureBackend creates a placeholder
// BackendSession before the dial completes, frames queue into it via
// EnqueuePending while the dial is in flight, and AttachBackendConn must
// not lose them when the dial finally completes.
func TestAttachBackendConnPreservesPending(t *testing.T) {
	r := newTestRegistry()
	r.AddBackendSession("sess1", registry.BackendSessionInfo{})

	r.EnqueuePending("sess1", []byte("a"))
	r.EnqueuePending("sess1", []byte("b"))

	conn := &fakeConn{}
	if !r.AttachBackendConn("sess1", conn, time.Now()) {
		t.Fatal("expected AttachBackendConn to find the existing session")
	}

	info, ok := r.GetBackendSession("sess1")
	if !ok {
		t.Fatal("backend session missing after AttachBackendConn")
	}
	if info.Conn != conn {
		t.Fatal("AttachBackendConn did not set Conn")
	}
	if info.Ready {
		t.Fatal("AttachBackendConn must not flip Ready")
	}
	want := [][]byte{[]byte("a"), []byte("b")}
	if diff := cmp.Diff(want, info.Pending); diff != "" {
		t.Fatalf("pending frames lost by AttachBackendConn (-want +got):\n%s", diff)
	}

	drained := r.SetBackendReady("sess1")
	if diff := cmp.Diff(want, drained); diff != "" {
		t.Fatalf("drained frames mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachBackendConnReturnsFalseWhenMissing(t *testing.T) {
	r := newTestRegistry()
	if r.AttachBackendConn("missing", &fakeConn{}, time.Now()) {
		t.Fatal("expected AttachBackendConn to return false for an unknown session")
	}
}

func TestStatusTransitions(t *testing.T) {
	r := newTestRegistry()
	if got := r.Status("reports"); got != registry.StatusDormant {
		t.Fatalf("non-resident app with no process = %v, want dormant", got)
	}
	if got := r.Status("sales"); got != registry.StatusStopped {
		t.Fatalf("resident app with no process, no crash = %v, want stopped", got)
	}

	r.SetStarting("sales", time.Now())
	if got := r.Status("sales"); got != registry.StatusStarting {
		t.Fatalf("status during startup = %v, want starting", got)
	}
	r.SetReady("sales")

	h := &fakeHandle{pid: 42, alive: true}
	r.AddProcess("sales", h, time.Now())
	if got := r.Status("sales"); got != registry.StatusRunning {
		t.Fatalf("status with alive process = %v, want running", got)
	}

	h.alive = false
	r.RemoveProcess("sales", registry.StopReasonCrashed)
	if got := r.Status("sales"); got != registry.StatusCrashed {
		t.Fatalf("status after crash = %v, want crashed", got)
	}
}
