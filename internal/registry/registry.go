package registry

import (
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

type clientEntry struct {
	info ClientSessionInfo
}

type backendEntry struct {
	info BackendSessionInfo
}

type processEntry struct {
	handle    ProcessHandle
	startedAt time.Time
}

type startupEntry struct {
	phase     StartupPhase
	startedAt time.Time
}

// Registry is the single owner of all live proxy state. Every mutation goes
// through a Registry method so that the per-app counter cache can never
// drift from the session map it is derived from without AuditCounts
// catching it; no caller is allowed to poke the cache directly.
type Registry struct {
	mu sync.Mutex

	clock clock.Clock

	specs map[string]AppSpec

	processes map[string]*processEntry
	stopReason map[string]StopReason

	startup map[string]*startupEntry

	clients  map[string]*clientEntry
	backends map[string]*backendEntry

	counts map[string]int
}

// New builds a Registry seeded with the immutable AppSpec table produced by
// config loading. The spec set is never mutated after this call.
func New(specs []AppSpec) *Registry {
	r := &Registry{
		clock:      clock.RealClock{},
		specs:      make(map[string]AppSpec, len(specs)),
		processes:  make(map[string]*processEntry),
		stopReason: make(map[string]StopReason),
		startup:    make(map[string]*startupEntry),
		clients:    make(map[string]*clientEntry),
		backends:   make(map[string]*backendEntry),
		counts:     make(map[string]int),
	}
	for _, s := range specs {
		r.specs[s.Name] = s
	}
	return r
}

// WithClock overrides the registry's stored clock. No Registry method reads
// it: startup-timeout expiry is computed from the now argument callers pass
// to GetStartupState and IsStarting.
func (r *Registry) WithClock(c clock.Clock) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
	return r
}

// Spec returns the immutable AppSpec for name, if configured.
func (r *Registry) Spec(name string) (AppSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.specs[name]
	return s, ok
}

// Specs returns every configured AppSpec, sorted by name.
func (r *Registry) Specs() []AppSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AppSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ---- client sessions ----------------------------------------------------

// AddClientSession inserts a new ClientSession or, if id already exists,
// updates its stored info in place without touching the per-app counter.
// Returns false only when id or info.AppName is empty.
func (r *Registry) AddClientSession(id string, info ClientSessionInfo) bool {
	if id == "" || info.AppName == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[id]; ok {
		existing.info = info
		return true
	}
	r.clients[id] = &clientEntry{info: info}
	r.counts[info.AppName]++
	return true
}

// RemoveClientSession deletes the ClientSession and decrements the per-app
// counter, floored at zero. Returns true only for the call that actually
// removed something; later calls for the same id are a no-op.
func (r *Registry) RemoveClientSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	app := entry.info.AppName
	if r.counts[app] > 0 {
		r.counts[app]--
	}
	return true
}

// GetClientSession returns a copy of the stored ClientSessionInfo.
func (r *Registry) GetClientSession(id string) (ClientSessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return ClientSessionInfo{}, false
	}
	return e.info, true
}

// TouchClientSession updates last_activity for id, if it exists.
func (r *Registry) TouchClientSession(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[id]; ok {
		e.info.LastActivity = now
	}
}

// GetClientCount returns the cached per-app connection count in O(1).
func (r *Registry) GetClientCount(app string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[app]
}

// Connections returns a snapshot of every live ClientSession bound to app,
// or every session when app is empty. Used by the admin API.
func (r *Registry) Connections(app string) []ConnectionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionView, 0, len(r.clients))
	for id, e := range r.clients {
		if app != "" && e.info.AppName != app {
			continue
		}
		out = append(out, ConnectionView{
			SessionID:    id,
			AppName:      e.info.AppName,
			ClientIP:     e.info.ClientIP,
			UserAgent:    e.info.UserAgent,
			CreatedAt:    e.info.CreatedAt,
			LastActivity: e.info.LastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// StaleClientSessions returns the ids of ClientSessions whose last_activity
// is older than idleTimeout as of now.
func (r *Registry) StaleClientSessions(now time.Time, idleTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.clients {
		if now.Sub(e.info.LastActivity) > idleTimeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// ---- backend sessions ----------------------------------------------------

// AddBackendSession creates the supervisor-owned WebSocket record for id,
// or updates it in place if it already exists.
func (r *Registry) AddBackendSession(id string, info BackendSessionInfo) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.backends[id]; ok {
		existing.info = info
		return true
	}
	r.backends[id] = &backendEntry{info: info}
	return true
}

// AttachBackendConn sets id's Conn and LastActivity on an existing
// BackendSession in place, leaving Ready and any queued Pending frames
// untouched. Used once the backend dial completes, after AddBackendSession
// already created the placeholder entry the read loop has been enqueuing
// frames into — replacing the whole entry here would silently drop them.
// Returns false if id has no BackendSession.
func (r *Registry) AttachBackendConn(id string, conn Closer, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return false
	}
	e.info.Conn = conn
	e.info.LastActivity = now
	return true
}

// RemoveBackendSession deletes the BackendSession for id. Returns true only
// on the call that actually removed something.
func (r *Registry) RemoveBackendSession(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; !ok {
		return false
	}
	delete(r.backends, id)
	return true
}

// GetBackendSession returns a copy of the stored BackendSessionInfo.
func (r *Registry) GetBackendSession(id string) (BackendSessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return BackendSessionInfo{}, false
	}
	return e.info, true
}

// SetBackendReady flips a BackendSession to ready and returns the pending
// frames accumulated while it was not, in original insertion order. The
// caller is expected to flush them to the now-open backend connection.
func (r *Registry) SetBackendReady(id string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return nil
	}
	e.info.Ready = true
	pending := e.info.Pending
	e.info.Pending = nil
	return pending
}

// EnqueuePending appends frame to id's pending FIFO, dropping the oldest
// entry first if the queue is already at PendingQueueMax. Returns false if
// the BackendSession does not exist.
func (r *Registry) EnqueuePending(id string, frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.backends[id]
	if !ok {
		return false
	}
	if len(e.info.Pending) >= PendingQueueMax {
		e.info.Pending = e.info.Pending[1:]
	}
	e.info.Pending = append(e.info.Pending, frame)
	return true
}

// TouchBackendSession updates last_activity for id, if it exists.
func (r *Registry) TouchBackendSession(id string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.backends[id]; ok {
		e.info.LastActivity = now
	}
}

// StaleBackendSessions returns the ids of BackendSessions whose
// last_activity is older than idleTimeout as of now.
func (r *Registry) StaleBackendSessions(now time.Time, idleTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, e := range r.backends {
		if now.Sub(e.info.LastActivity) > idleTimeout {
			ids = append(ids, id)
		}
	}
	return ids
}

// ---- processes ------------------------------------------------------------

// AddProcess records the running handle for app. There is at most one
// AppProcess per app name at a time; a second Add before the first is
// removed replaces it (the supervisor never calls Add twice without an
// intervening Remove).
func (r *Registry) AddProcess(app string, handle ProcessHandle, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[app] = &processEntry{handle: handle, startedAt: startedAt}
	delete(r.stopReason, app)
}

// RemoveProcess deletes the AppProcess entry for app and records why, so
// the status view can tell a crash pending restart from an explicit stop.
func (r *Registry) RemoveProcess(app string, reason StopReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, app)
	r.stopReason[app] = reason
}

// GetProcess returns the ProcessHandle for app, if one is recorded.
func (r *Registry) GetProcess(app string) (ProcessHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.processes[app]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// IsAlive reports whether app has a recorded process and that process's
// own liveness predicate is currently true.
func (r *Registry) IsAlive(app string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.processes[app]
	return ok && e.handle.Alive()
}

// DeadProcesses returns the names of every app whose recorded process
// handle reports itself no longer alive.
func (r *Registry) DeadProcesses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for app, e := range r.processes {
		if !e.handle.Alive() {
			names = append(names, app)
		}
	}
	return names
}

// ---- startup state ---------------------------------------------------------

// SetStarting records that app's spawn has begun.
func (r *Registry) SetStarting(app string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startup[app] = &startupEntry{phase: PhaseStarting, startedAt: now}
}

// SetReady clears app's startup state once its readiness probe succeeds.
func (r *Registry) SetReady(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.startup, app)
}

// ClearStartup clears app's startup state unconditionally, used when the
// process dies mid-startup.
func (r *Registry) ClearStartup(app string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.startup, app)
}

// GetStartupState reports app's current startup phase. A phase read after
// started_at + StartupTimeout has elapsed is reported as PhaseTimeout
// exactly once; the entry is cleared as part of producing that one
// observation, so the next call reports "no startup state".
func (r *Registry) GetStartupState(app string, now time.Time) (StartupPhase, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.startup[app]
	if !ok {
		return "", false
	}
	if e.phase == PhaseStarting && now.Sub(e.startedAt) > StartupTimeout {
		delete(r.startup, app)
		return PhaseTimeout, true
	}
	return e.phase, true
}

// IsStarting reports whether app is currently mid-spawn (not yet ready and
// not yet timed out). While true, no HTTP forward or backend WebSocket
// dial may be attempted for app.
func (r *Registry) IsStarting(app string, now time.Time) bool {
	phase, ok := r.GetStartupState(app, now)
	return ok && phase == PhaseStarting
}

// ---- status & audit ---------------------------------------------------------

// Status computes the /api/apps status value for app from its process,
// startup and stop-reason state.
func (r *Registry) Status(app string) AppStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(app)
}

func (r *Registry) statusLocked(app string) AppStatus {
	if st, ok := r.startup[app]; ok && st.phase == PhaseStarting {
		return StatusStarting
	}
	if e, ok := r.processes[app]; ok && e.handle.Alive() {
		return StatusRunning
	}
	spec, known := r.specs[app]
	if !known || !spec.Resident {
		return StatusDormant
	}
	if r.stopReason[app] == StopReasonCrashed {
		return StatusCrashed
	}
	return StatusStopped
}

// Views returns a snapshot of every configured app for GET /api/apps,
// sorted by name.
func (r *Registry) Views() []AppView {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]AppView, 0, len(names))
	for _, name := range names {
		spec := r.specs[name]
		v := AppView{
			Name:        name,
			Status:      r.statusLocked(name),
			Resident:    spec.Resident,
			Port:        spec.Port,
			Path:        spec.Path,
			Connections: r.counts[name],
		}
		if e, ok := r.processes[name]; ok {
			v.PID = e.handle.PID()
			v.HasPID = true
		}
		out = append(out, v)
	}
	return out
}

// AuditCounts recomputes every per-app counter from the ClientSession map
// and reports any cache drift. When fix is true the cache is overwritten
// to match the recomputed value.
func (r *Registry) AuditCounts(fix bool) AuditResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	actual := make(map[string]int)
	for _, e := range r.clients {
		actual[e.info.AppName]++
	}

	seen := make(map[string]bool, len(r.counts))
	var incs []Inconsistency
	for app, cached := range r.counts {
		seen[app] = true
		act := actual[app]
		if cached != act {
			incs = append(incs, Inconsistency{App: app, Cached: cached, Actual: act})
			if fix {
				r.counts[app] = act
			}
		}
	}
	for app, act := range actual {
		if seen[app] {
			continue
		}
		if act != 0 {
			incs = append(incs, Inconsistency{App: app, Cached: 0, Actual: act})
			if fix {
				r.counts[app] = act
			}
		}
	}
	sort.Slice(incs, func(i, j int) bool { return incs[i].App < incs[j].App })

	return AuditResult{Consistent: len(incs) == 0, Inconsistencies: incs}
}
