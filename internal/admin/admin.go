// Package admin implements the loopback-only management surface (C8):
// read-only status/connections views plus the restart and shutdown
// commands.
//
// Route registration follows sessiongate/pkg/server/server.go's
// mux.Handle(path, http.HandlerFunc(...)) style (its healthzHandler/
// readyzHandler pair); the shutdown sentinel is watched with
// github.com/fsnotify/fsnotify rather than the literal poll loop a
// direct transliteration would use, for the same observable contract
// at lower cost (see DESIGN.md).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	"github.com/appmux/appmux/internal/registry"
	"github.com/appmux/appmux/internal/validate"
)

const shutdownSentinel = "shutdown.flag"

// Restarter is the narrow supervisor surface the admin API needs.
type Restarter interface {
	Restart(ctx context.Context, app string) error
}

// API is the admin HTTP surface, bound to 127.0.0.1:management_port by
// the caller.
type API struct {
	reg    *registry.Registry
	sup    Restarter
	logDir string

	shutdown chan struct{}
}

// New builds an API. logDir is where the shutdown sentinel file is
// written and watched.
func New(reg *registry.Registry, sup Restarter, logDir string) *API {
	return &API{reg: reg, sup: sup, logDir: logDir, shutdown: make(chan struct{})}
}

// Shutdown returns a channel that closes once a shutdown has been
// requested, either through POST /api/shutdown or an externally-written
// sentinel file picked up by WatchSentinel.
func (a *API) Shutdown() <-chan struct{} {
	return a.shutdown
}

func (a *API) requestShutdown() {
	select {
	case <-a.shutdown:
	default:
		close(a.shutdown)
	}
}

// Handler builds the http.Handler for the management listener.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", a.handleStatus)
	mux.HandleFunc("GET /api/apps", a.handleApps)
	mux.HandleFunc("GET /api/connections", a.handleConnections)
	mux.HandleFunc("POST /api/apps/{app}/restart", a.handleRestart)
	mux.HandleFunc("POST /api/shutdown", a.handleShutdown)
	return mux
}

type statusView struct {
	AppCount  int `json:"app_count"`
	Running   int `json:"running"`
	Dormant   int `json:"dormant"`
	Starting  int `json:"starting"`
	Crashed   int `json:"crashed"`
	Stopped   int `json:"stopped"`
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	views := a.reg.Views()
	sv := statusView{AppCount: len(views)}
	for _, v := range views {
		switch v.Status {
		case registry.StatusRunning:
			sv.Running++
		case registry.StatusDormant:
			sv.Dormant++
		case registry.StatusStarting:
			sv.Starting++
		case registry.StatusCrashed:
			sv.Crashed++
		case registry.StatusStopped:
			sv.Stopped++
		}
	}
	writeJSON(w, http.StatusOK, sv)
}

type appView struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Resident    bool   `json:"resident"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	Connections int    `json:"connections"`
	PID         int    `json:"pid,omitempty"`
}

func (a *API) handleApps(w http.ResponseWriter, r *http.Request) {
	views := a.reg.Views()
	out := make(map[string]appView, len(views))
	for _, v := range views {
		av := appView{
			Name: v.Name, Status: string(v.Status), Resident: v.Resident,
			Port: v.Port, Path: v.Path, Connections: v.Connections,
		}
		if v.HasPID {
			av.PID = v.PID
		}
		out[v.Name] = av
	}
	writeJSON(w, http.StatusOK, out)
}

type connectionView struct {
	SessionID string `json:"session_id"`
	AppName   string `json:"app_name"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent"`
	CreatedAt string `json:"created_at"`
	IdleFor   string `json:"idle_for"`
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	app := r.URL.Query().Get("app")
	conns := a.reg.Connections(app)
	out := make([]connectionView, 0, len(conns))
	now := time.Now()
	for _, c := range conns {
		out = append(out, connectionView{
			SessionID: c.SessionID,
			AppName:   c.AppName,
			ClientIP:  c.ClientIP,
			UserAgent: c.UserAgent,
			CreatedAt: c.CreatedAt.Format(timeFormat),
			IdleFor:   now.Sub(c.LastActivity).Round(time.Second).String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

type restartResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	app := r.PathValue("app")
	if !validate.AppName(app) {
		writeJSON(w, http.StatusNotFound, restartResult{Success: false, Message: "unknown app"})
		return
	}
	if _, ok := a.reg.Spec(app); !ok {
		writeJSON(w, http.StatusNotFound, restartResult{Success: false, Message: "unknown app"})
		return
	}

	if err := a.sup.Restart(r.Context(), app); err != nil {
		klog.FromContext(r.Context()).Info("restart refused", "app", app, "err", err.Error())
		writeJSON(w, http.StatusOK, restartResult{Success: false, Message: "Cannot restart dormant app"})
		return
	}
	writeJSON(w, http.StatusOK, restartResult{Success: true})
}

// handleShutdown writes the sentinel file and signals Shutdown(); the
// main loop observes either and begins graceful stop.
func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := a.writeSentinel(); err != nil {
		klog.FromContext(r.Context()).Error(err, "failed to write shutdown sentinel")
		writeJSON(w, http.StatusInternalServerError, restartResult{Success: false, Message: "failed to write shutdown sentinel"})
		return
	}
	a.requestShutdown()
	writeJSON(w, http.StatusOK, restartResult{Success: true})
}

func (a *API) sentinelPath() string {
	return filepath.Join(a.logDir, shutdownSentinel)
}

func (a *API) writeSentinel() error {
	if err := os.MkdirAll(a.logDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(a.sentinelPath(), []byte{}, 0o644)
}

// RemoveSentinel deletes the shutdown sentinel, called once graceful stop
// has finished per spec.md §6's "removed on completion" contract.
func (a *API) RemoveSentinel() error {
	err := os.Remove(a.sentinelPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// WatchSentinel watches logDir for the shutdown sentinel's creation and
// calls Shutdown's close when it appears, so an externally-written
// shutdown.flag (not just POST /api/shutdown) triggers graceful stop.
// Blocks until ctx is cancelled.
func (a *API) WatchSentinel(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	if err := os.MkdirAll(a.logDir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(a.sentinelPath()); err == nil {
		a.requestShutdown()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(a.logDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) == shutdownSentinel && event.Has(fsnotify.Create) {
				a.requestShutdown()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error(err, "sentinel watch error")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
