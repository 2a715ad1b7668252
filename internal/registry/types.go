// Package registry holds the in-memory authoritative state of the proxy:
// app specs, live backend processes, client and backend WebSocket sessions,
// and the per-app connection counter derived from them.
package registry

import "time"

// Tunables shared by the supervisor, the router/proxy and the WebSocket
// bridge. They are fixed package constants; the Registry has no per-instance
// override for them.
const (
	PendingQueueMax     = 100
	SessionIdleTimeout  = 30 * time.Minute
	CleanupInterval     = 5 * time.Minute
	StartupTimeout      = 30 * time.Second
	MaxPath             = 1000
	MaxQuery            = 2048
	MaxWSFrame          = 1 << 20 // 1 MiB
)

// AppKind tags what an app's directory contains. It is decided once, when
// the config is completed, from a directory probe, never sniffed per
// request. It is stored on AppSpec; neither the supervisor's start command
// nor the landing page reads it.
type AppKind string

const (
	AppKindPlain     AppKind = "plain"
	AppKindMarkdown  AppKind = "markdown"
	AppKindDashboard AppKind = "dashboard"
)

// AppSpec is declared by configuration and immutable after load.
type AppSpec struct {
	Name     string
	Path     string
	Resident bool
	Port     int
	// HealthPath, when non-empty, is an additional HTTP GET the readiness
	// probe issues after a bare TCP connect succeeds (see DESIGN.md).
	HealthPath string
	Kind       AppKind
}

// AppStatus is the status value surfaced on GET /api/apps.
type AppStatus string

const (
	StatusRunning  AppStatus = "running"
	StatusDormant  AppStatus = "dormant"
	StatusStopped  AppStatus = "stopped"
	StatusCrashed  AppStatus = "crashed"
	StatusStarting AppStatus = "starting"
)

// ProcessHandle is the liveness/identity surface the supervisor exposes for
// a spawned backend; the registry depends only on this narrow interface so
// it never needs to import os/exec.
type ProcessHandle interface {
	PID() int
	Alive() bool
}

// StopReason records why an AppProcess entry was last removed, so the
// status view can tell an explicit admin stop apart from a crash pending
// restart. Both a resident app that crashed and one that was stopped show
// "no process" to the registry; this is the only thing that distinguishes
// them in /api/apps.
type StopReason string

const (
	StopReasonNone     StopReason = ""
	StopReasonExplicit StopReason = "stopped"
	StopReasonCrashed  StopReason = "crashed"
)

// StartupPhase is the value of an AppStartupState entry.
type StartupPhase string

const (
	PhaseStarting StartupPhase = "starting"
	PhaseTimeout  StartupPhase = "timeout"
)

// ClientSessionInfo is one live public WebSocket's metadata.
type ClientSessionInfo struct {
	AppName      string
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
	Conn         Closer
}

// BackendSessionInfo is the supervisor-owned WebSocket to a backend,
// paired 1:1 with a ClientSession of the same session id.
type BackendSessionInfo struct {
	Ready        bool
	Pending      [][]byte
	LastActivity time.Time
	Conn         Closer
}

// Closer abstracts a WebSocket handle so the registry does not need to
// import gorilla/websocket.
type Closer interface {
	Close() error
}

// Inconsistency describes one app whose cached counter disagreed with the
// observed number of ClientSessions at audit time.
type Inconsistency struct {
	App    string
	Cached int
	Actual int
}

// AuditResult is the outcome of Registry.AuditCounts.
type AuditResult struct {
	Consistent      bool
	Inconsistencies []Inconsistency
}

// ConnectionView is a read-only snapshot of one ClientSession, used by the
// admin API's /api/connections view.
type ConnectionView struct {
	SessionID    string
	AppName      string
	ClientIP     string
	UserAgent    string
	CreatedAt    time.Time
	LastActivity time.Time
}

// AppView is a read-only snapshot of one app's status, used by GET /api/apps.
type AppView struct {
	Name        string
	Status      AppStatus
	Resident    bool
	Port        int
	Path        string
	Connections int
	PID         int
	HasPID      bool
}
