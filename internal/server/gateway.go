package server

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/a-essam23/go-chatroom/internal/server/middleware"
	"github.com/a-essam23/go-chatroom/pkg/transport"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const upstreamDialTimeout = 5 * time.Second

// gatewaySessions tracks live gateway sessions per client IP, oldest first.
type gatewaySessions struct {
	mu     sync.Mutex
	byIP   map[string][]*transport.Connection
	closed bool
}

func newGatewaySessions() *gatewaySessions {
	return &gatewaySessions{byIP: make(map[string][]*transport.Connection)}
}

// start records conn and runs it. It refuses once closeAll has run so that
// no session starts behind the shutdown.
func (g *gatewaySessions) start(ip string, conn *transport.Connection) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.byIP[ip] = append(g.byIP[ip], conn)
	conn.Run()
	return true
}

func (g *gatewaySessions) remove(ip string, id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns := g.byIP[ip]
	for i, c := range conns {
		if c.ID() == id {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(g.byIP, ip)
		return
	}
	g.byIP[ip] = conns
}

func (g *gatewaySessions) count(ip string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.byIP[ip])
}

func (g *gatewaySessions) oldest(ip string) (*transport.Connection, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	conns := g.byIP[ip]
	if len(conns) == 0 {
		return nil, false
	}
	return conns[0], true
}

func (g *gatewaySessions) closeAll(reason error) {
	g.mu.Lock()
	g.closed = true
	var all []*transport.Connection
	for _, conns := range g.byIP {
		all = append(all, conns...)
	}
	g.mu.Unlock()

	// Close calls back into remove, so the lock must be released first.
	for _, c := range all {
		c.Close(reason)
	}
}

// upgradeHandler opens a chat connection for the browser and bridges the two
// until either side leaves.
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.UserID),
	)

	dialer := net.Dialer{Timeout: upstreamDialTimeout}
	upstream, err := dialer.DialContext(r.Context(), "tcp", a.upstream)
	if err != nil {
		connLogger.Error("Failed to reach chat listener", slog.String("upstream", a.upstream), slog.Any("error", err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		_ = upstream.Close()
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		upstream,
		transport.ConnectionConfig{
			ReadTimeout:   a.config.Gateway.ReadTimeout,
			MaxFrameBytes: a.config.Server.MaxFrameBytes,
		},
		connLogger,
	)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.gateway.remove(reqMeta.IP, id)
		a.metrics.GatewaySessionClosed()
	})

	a.metrics.GatewaySessionOpened()
	if !a.gateway.start(reqMeta.IP, conn) {
		a.metrics.GatewaySessionClosed()
		wsConn.Close(websocket.StatusGoingAway, "server shutting down")
		_ = upstream.Close()
		return
	}
	<-conn.Done()
}
