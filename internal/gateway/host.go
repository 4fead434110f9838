package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/popper/internal/tunnel"
)

var hostUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HostStatus describes the currently attached popper host.
type HostStatus struct {
	Connected bool      `json:"connected"`
	Remote    string    `json:"remote,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

type hostConn struct {
	session *yamux.Session
	remote  string
	since   time.Time
}

// Host holds the single popper host attached through /tunnel. The gateway
// is the yamux client: every proxied request opens a stream to the host.
type Host struct {
	secret string
	log    *zap.Logger

	mu      sync.RWMutex
	current *hostConn
}

func NewHost(secret string, log *zap.Logger) *Host {
	if log == nil {
		log = zap.NewNop()
	}
	return &Host{secret: secret, log: log}
}

// ServeHTTP accepts a host connection. A newer host replaces the old one.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(tunnel.SecretHeader) != h.secret {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := hostUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("host upgrade failed", zap.Error(err))
		return
	}
	session, err := yamux.Client(tunnel.NewWSConn(ws), yamux.DefaultConfig())
	if err != nil {
		h.log.Warn("host yamux setup failed", zap.Error(err))
		ws.Close()
		return
	}

	conn := &hostConn{session: session, remote: r.RemoteAddr, since: time.Now()}
	h.swap(nil, conn)
	h.log.Info("host attached", zap.String("remote", conn.remote))

	<-session.CloseChan()

	h.swap(conn, nil)
	h.log.Info("host detached", zap.String("remote", conn.remote),
		zap.Duration("uptime", time.Since(conn.since)))
}

// swap installs next. With old set, it only clears the slot if old is
// still current; with old nil, any existing host is closed.
func (h *Host) swap(old, next *hostConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old != nil {
		if h.current == old {
			h.current = nil
		}
		return
	}
	if h.current != nil {
		h.log.Info("host replaced", zap.String("remote", h.current.remote))
		h.current.session.Close()
	}
	h.current = next
}

// Dial opens a stream to the host.
func (h *Host) Dial() (net.Conn, error) {
	h.mu.RLock()
	conn := h.current
	h.mu.RUnlock()
	if conn == nil {
		return nil, errNoHost
	}
	return conn.session.Open()
}

func (h *Host) Connected() bool {
	return h.Status().Connected
}

func (h *Host) Status() HostStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.current == nil || h.current.session.IsClosed() {
		return HostStatus{}
	}
	return HostStatus{Connected: true, Remote: h.current.remote, Since: h.current.since}
}
