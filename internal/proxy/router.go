// Package proxy implements the public HTTP router and reverse proxy
// (C5): landing, health, status API, static assets, and
// /proxy/<app>/<rest> forwarding per spec.md §4.5.
//
// Route registration follows sessiongate/pkg/server/server.go's
// http.ServeMux + {path...} wildcard pattern; the reverse-proxy body
// itself is new (sessiongate forwards to a Kubernetes API server through
// k8s.io/apimachinery/pkg/util/proxy's upgrade-aware handler, which this
// system has no use for since its backends are never API servers).
// Status capture for metrics comes from httpsnoop in
// middleware.WithMetrics, not from a wrapper in this package.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/appmux/appmux/internal/apperror"
	"github.com/appmux/appmux/internal/proxy/middleware"
	"github.com/appmux/appmux/internal/registry"
	"github.com/appmux/appmux/internal/validate"
)

const (
	forwardTotalTimeout   = 30 * time.Second
	forwardConnectTimeout = 10 * time.Second
)

// Starter is the narrow on-demand-start surface the router needs from the
// supervisor; declared here rather than imported as a concrete type so
// the router never reaches into supervisor internals.
type Starter interface {
	OnDemandStart(ctx context.Context, app string) error
}

// Landing and Static are satisfied by *internal/web.Site; declared here so
// the router doesn't import internal/web's concrete type either.
type Landing interface {
	Landing(w http.ResponseWriter, r *http.Request)
}

type Static interface {
	StaticHandler() http.Handler
}

// Upgrader is the narrow WebSocket-bridge surface the router delegates to
// when a /proxy/<app>/... request asks for a protocol upgrade, so the
// same route serves both plain HTTP forwarding and WS without importing
// internal/wsbridge's concrete type.
type Upgrader interface {
	HandleUpgrade(w http.ResponseWriter, r *http.Request)
}

// Router is the public HTTP surface of the proxy.
type Router struct {
	reg      *registry.Registry
	sup      Starter
	landing  Landing
	static   Static
	upgrader Upgrader
	client   *http.Client
}

// New builds a Router. The metrics registry is passed later, to Handler.
func New(reg *registry.Registry, sup Starter, landing Landing, static Static, upgrader Upgrader) *Router {
	return &Router{
		reg:      reg,
		sup:      sup,
		landing:  landing,
		static:   static,
		upgrader: upgrader,
		client: &http.Client{
			Timeout: forwardTotalTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: forwardConnectTimeout}).DialContext,
			},
		},
	}
}

// Handler builds the http.Handler for the public listener, with metrics
// and panic recovery applied to every route. metricsReg receives the
// request counter/duration metrics.
func (rt *Router) Handler(metricsReg prometheus.Registerer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", rt.landing.Landing)
	mux.HandleFunc("GET /health", rt.handleHealth)
	mux.HandleFunc("GET /api/apps", rt.handleAPIApps)
	mux.Handle("/templates/", rt.static.StaticHandler())
	mux.HandleFunc("/proxy/{app}/{rest...}", rt.handleProxy)

	guarded := middleware.WithPathGuard(mux)
	wrapped := middleware.WithRecover(guarded)
	return middleware.WithMetrics("appmux_http_requests_total", "appmux_http_request_duration_seconds", metricsReg, wrapped)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"healthy"}`))
}

type appsAPIView struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	Resident    bool   `json:"resident"`
	Port        int    `json:"port"`
	Path        string `json:"path"`
	Connections int    `json:"connections"`
	PID         int    `json:"pid,omitempty"`
}

func (rt *Router) handleAPIApps(w http.ResponseWriter, r *http.Request) {
	views := rt.reg.Views()
	out := make(map[string]appsAPIView, len(views))
	for _, v := range views {
		av := appsAPIView{
			Name:        v.Name,
			Status:      string(v.Status),
			Resident:    v.Resident,
			Port:        v.Port,
			Path:        v.Path,
			Connections: v.Connections,
		}
		if v.HasPID {
			av.PID = v.PID
		}
		out[v.Name] = av
	}
	writeJSON(w, http.StatusOK, out)
}

// handleProxy implements the reverse-proxy algorithm of spec.md §4.5.
func (rt *Router) handleProxy(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		rt.upgrader.HandleUpgrade(w, r)
		return
	}

	logger := klog.FromContext(r.Context())

	app := r.PathValue("app")
	if !validate.AppName(app) {
		apperror.WriteJSON(w, apperror.New(apperror.KindNotFound, "not_found", "unknown app"))
		return
	}
	spec, ok := rt.reg.Spec(app)
	if !ok {
		apperror.WriteJSON(w, apperror.New(apperror.KindNotFound, "not_found", "unknown app %q", app))
		return
	}

	if _, err := validate.Path("/" + r.PathValue("rest")); err != nil {
		apperror.WriteJSON(w, apperror.New(apperror.KindValidation, "invalid_path", "Invalid path"))
		return
	}
	if _, err := validate.Method(r.Method); err != nil {
		apperror.WriteJSON(w, apperror.New(apperror.KindMethodNotAllowed, "method_not_allowed", "method %s not allowed", r.Method))
		return
	}
	if _, err := validate.Query(r.URL.RawQuery); err != nil {
		apperror.WriteJSON(w, apperror.New(apperror.KindValidation, "invalid_query", "Invalid query string"))
		return
	}

	if !spec.Resident && !rt.reg.IsAlive(app) {
		if err := rt.sup.OnDemandStart(r.Context(), app); err != nil {
			logger.Error(err, "on-demand start failed", "app", app)
			apperror.WriteJSON(w, apperror.Wrap(apperror.KindBadGateway, "start_failed", err, "failed to start app"))
			return
		}
	}

	if rt.reg.IsStarting(app, time.Now()) {
		apperror.WriteJSON(w, apperror.Starting(app, 3))
		return
	}
	if phase, exists := rt.reg.GetStartupState(app, time.Now()); exists && phase == registry.PhaseTimeout {
		apperror.WriteJSON(w, apperror.New(apperror.KindStartupFailed, "startup_timeout", "startup timed out"))
		return
	}

	rt.forward(w, r, spec)
}

func (rt *Router) forward(w http.ResponseWriter, r *http.Request, spec registry.AppSpec) {
	logger := klog.FromContext(r.Context()).WithValues("app", spec.Name)

	rest := r.PathValue("rest")
	target := url.URL{
		Scheme:   "http",
		Host:     "127.0.0.1:" + strconv.Itoa(spec.Port),
		Path:     "/" + rest,
		RawQuery: r.URL.RawQuery,
	}

	ctx, cancel := context.WithTimeout(r.Context(), forwardTotalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		apperror.WriteJSON(w, apperror.Wrap(apperror.KindInternal, "internal_error", err, "failed to build request"))
		return
	}
	req.Header = r.Header.Clone()

	resp, err := rt.client.Do(req)
	if err != nil {
		logger.Info("upstream forward failed", "err", err.Error())
		apperror.WriteJSON(w, apperror.Wrap(apperror.KindBadGateway, "bad_gateway", err, "%v", err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
