// Package wsbridge implements the WebSocket bridge (C6): it accepts a
// public client WebSocket, lazily dials a matching backend WebSocket,
// shovels frames in both directions, and tears everything down when
// either end closes.
//
// The per-session struct holding explicit Registry/supervisor references
// (rather than closures over shared mutable state) follows spec.md §9's
// guidance directly; github.com/gorilla/websocket is sourced from
// gravitational-teleport's go.mod (see DESIGN.md) since nothing in the
// chosen teacher repo frames WebSocket traffic itself.
package wsbridge

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/appmux/appmux/internal/registry"
	"github.com/appmux/appmux/internal/validate"
)

// OnDemandStarter is the narrow supervisor surface the bridge needs to
// start a non-resident app on first connection.
type OnDemandStarter interface {
	OnDemandStart(ctx context.Context, app string) error
}

// IdleStopper is the one-way callback into the supervisor spec.md §9 asks
// for instead of a back-edge import: the bridge calls it, the supervisor
// implements it, and wsbridge never imports internal/supervisor's
// concrete type.
type IdleStopper interface {
	StopIdle(ctx context.Context, app string) error
}

// Bridge accepts and pairs public and backend WebSocket connections.
type Bridge struct {
	reg      *registry.Registry
	sup      OnDemandStarter
	idle     IdleStopper
	clock    clock.Clock
	upgrader websocket.Upgrader
	dial     func(url string) (*websocket.Conn, error)
}

// New builds a Bridge.
func New(reg *registry.Registry, sup OnDemandStarter, idle IdleStopper) *Bridge {
	b := &Bridge{
		reg:   reg,
		sup:   sup,
		idle:  idle,
		clock: clock.RealClock{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	b.dial = func(url string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		return conn, err
	}
	return b
}

// HandleUpgrade accepts a public WebSocket for /proxy/<app>/... per
// spec.md §4.6.
func (b *Bridge) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	logger := klog.FromContext(r.Context())

	app := r.PathValue("app")
	if !validate.AppName(app) {
		http.Error(w, "unknown app", http.StatusNotFound)
		return
	}
	spec, ok := b.reg.Spec(app)
	if !ok {
		http.Error(w, "unknown app", http.StatusNotFound)
		return
	}

	if !spec.Resident && !b.reg.IsAlive(app) {
		if err := b.sup.OnDemandStart(r.Context(), app); err != nil {
			logger.Error(err, "on-demand start failed for websocket", "app", app)
			http.Error(w, "failed to start app", http.StatusBadGateway)
			return
		}
	}
	if b.reg.IsStarting(app, b.clock.Now()) {
		http.Error(w, "app is starting up", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error(err, "websocket upgrade failed", "app", app)
		return
	}

	clientIP := clientIP(r)
	userAgent := r.UserAgent()
	now := b.clock.Now()
	sessionID := newSessionID(clientIP, userAgent, now)

	b.reg.AddClientSession(sessionID, registry.ClientSessionInfo{
		AppName:      app,
		ClientIP:     clientIP,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		Conn:         conn,
	})

	sess := &session{
		id:       sessionID,
		app:      app,
		port:     spec.Port,
		resident: spec.Resident,
		client:   conn,
		reg:      b.reg,
		idle:     b.idle,
		clock:    b.clock,
		dial:     b.dial,
	}
	go sess.run(context.WithoutCancel(r.Context()))
}

// clientIP follows spec.md §4.6: prefer X-Forwarded-For's leftmost entry,
// then X-Real-IP, then the request's remote address, else "unknown".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		ip := strings.TrimSpace(xff)
		if ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// session owns one public↔backend WebSocket pairing. It holds explicit
// references rather than capturing ambient globals so each session's
// lifecycle is independent of every other.
type session struct {
	id       string
	app      string
	port     int
	resident bool

	client *websocket.Conn
	reg    *registry.Registry
	idle   IdleStopper
	clock  clock.Clock
	dial   func(url string) (*websocket.Conn, error)

	mu        sync.Mutex
	backend   *websocket.Conn
	backendWr sync.Mutex // gorilla/websocket forbids concurrent writers on one Conn
}

// writeBackend serializes every write to the backend connection: the
// pending-queue drain (from dialBackend) and live forwarding (from run)
// both reach this, and gorilla/websocket requires a single writer.
func (s *session) writeBackend(conn *websocket.Conn, messageType int, payload []byte) error {
	s.backendWr.Lock()
	defer s.backendWr.Unlock()
	return conn.WriteMessage(messageType, payload)
}

func (s *session) run(ctx context.Context) {
	logger := klog.FromContext(ctx).WithValues("session", s.id, "app", s.app)
	defer s.teardown(ctx, logger)

	for {
		msgType, payload, err := s.client.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if verr := validate.Frame(payload); verr != nil {
			_ = s.client.WriteJSON(map[string]string{"error": "Invalid message"})
			return
		}

		now := s.clock.Now()
		s.reg.TouchClientSession(s.id, now)

		s.ensureBackend(ctx, logger)

		info, ok := s.reg.GetBackendSession(s.id)
		if !ok {
			continue
		}
		if info.Ready {
			s.mu.Lock()
			backend := s.backend
			s.mu.Unlock()
			if backend != nil {
				if err := s.writeBackend(backend, websocket.TextMessage, payload); err != nil {
					logger.Error(err, "failed to forward frame to backend")
					continue
				}
			}
			s.reg.TouchBackendSession(s.id, now)
		} else {
			if !s.reg.EnqueuePending(s.id, payload) {
				logger.Info("dropped frame, no backend session", "bytes", len(payload))
			}
		}
	}
}

// ensureBackend lazily dials the backend WebSocket the first time this
// session needs one, wiring onOpen/onMessage/onClose handling per
// spec.md §4.6.
func (s *session) ensureBackend(ctx context.Context, logger klog.Logger) {
	if _, ok := s.reg.GetBackendSession(s.id); ok {
		return
	}

	s.reg.AddBackendSession(s.id, registry.BackendSessionInfo{Ready: false, LastActivity: s.clock.Now()})

	// Dial off the read loop: the client read loop must keep draining
	// incoming frames into the pending FIFO while the backend dial is in
	// flight, not block behind it.
	go s.dialBackend(ctx, logger)
}

func (s *session) dialBackend(ctx context.Context, logger klog.Logger) {
	conn, err := s.dial(backendWSURL(s.port))
	if err != nil {
		logger.Error(err, "failed to dial backend websocket")
		s.reg.RemoveBackendSession(s.id)
		return
	}

	s.mu.Lock()
	s.backend = conn
	s.mu.Unlock()
	// Attach the conn to the existing BackendSession in place: the read loop
	// may have been enqueuing frames into it via EnqueuePending since
	// ensureBackend created the placeholder, and replacing the whole entry
	// here would wipe that Pending queue before SetBackendReady ever reads it.
	s.reg.AttachBackendConn(s.id, conn, s.clock.Now())

	pending := s.reg.SetBackendReady(s.id)
	for _, frame := range pending {
		if err := s.writeBackend(conn, websocket.TextMessage, frame); err != nil {
			logger.Error(err, "failed to flush pending frame")
			break
		}
	}

	s.pumpBackend(ctx, conn, logger)
}

// pumpBackend forwards every backend frame to the client unchanged until
// the backend closes or errors, then removes the BackendSession.
func (s *session) pumpBackend(ctx context.Context, conn *websocket.Conn, logger klog.Logger) {
	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			s.reg.RemoveBackendSession(s.id)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := s.client.WriteMessage(msgType, payload); err != nil {
			logger.Error(err, "failed to forward frame to client")
			s.reg.RemoveBackendSession(s.id)
			return
		}
		s.reg.TouchBackendSession(s.id, s.clock.Now())
	}
}

func (s *session) teardown(ctx context.Context, logger klog.Logger) {
	s.client.Close()
	s.reg.RemoveClientSession(s.id)

	s.mu.Lock()
	backend := s.backend
	s.mu.Unlock()
	if backend != nil {
		backend.Close()
	}
	s.reg.RemoveBackendSession(s.id)

	if !s.resident && s.reg.GetClientCount(s.app) == 0 {
		if err := s.idle.StopIdle(ctx, s.app); err != nil {
			logger.Error(err, "idle stop failed", "app", s.app)
		}
	}
}

func backendWSURL(port int) string {
	return "ws://127.0.0.1:" + strconv.Itoa(port) + "/websocket/"
}
