package gateway

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/classmesh/signaling/internal/call"
	"github.com/classmesh/signaling/internal/events"
	"github.com/classmesh/signaling/internal/presence"
	"github.com/classmesh/signaling/internal/registry"
	"github.com/classmesh/signaling/internal/upstream"
	"github.com/classmesh/signaling/internal/videoroom"
	appErrors "github.com/classmesh/signaling/pkg/errors"
	"github.com/classmesh/signaling/pkg/logger"
	"github.com/classmesh/signaling/pkg/metrics"
)

// DefaultAuthTimeout bounds how long an upgraded connection may sit idle
// before presenting its auth frame.
const DefaultAuthTimeout = 10 * time.Second

// Config carries gateway tunables.
type Config struct {
	// AllowedOrigins lists origins accepted for the WebSocket upgrade.
	// Empty means same-origin plus loopback, which suits development.
	AllowedOrigins []string
	AuthTimeout    time.Duration
}

// Gateway owns the WebSocket endpoint: the upgrade, the auth handshake, event
// dispatch into the coordinators, and disconnect reconciliation.
type Gateway struct {
	reg   *registry.Registry
	up    upstream.API
	calls *call.Coordinator
	rooms *videoroom.Coordinator
	pres  *presence.Broker

	upgrader    websocket.Upgrader
	authTimeout time.Duration
	newID       func() string
	log         *zap.Logger
}

// New constructs the gateway.
func New(cfg Config, reg *registry.Registry, up upstream.API, calls *call.Coordinator, rooms *videoroom.Coordinator, pres *presence.Broker) *Gateway {
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultAuthTimeout
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[strings.ToLower(strings.TrimSpace(origin))] = struct{}{}
	}

	return &Gateway{
		reg:   reg,
		up:    up,
		calls: calls,
		rooms: rooms,
		pres:  pres,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowed),
		},
		authTimeout: cfg.AuthTimeout,
		newID:       uuid.NewString,
		log:         logger.WithModule("gateway"),
	}
}

// HandleWS is the gin handler for the /ws route.
func (g *Gateway) HandleWS(c *gin.Context) {
	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	identity, ok := g.handshake(c.Request.Context(), conn)
	if !ok {
		_ = conn.Close()
		return
	}

	sess := &session{
		id:     g.newID(),
		userID: identity.UserID,
		conn:   conn,
		send:   make(chan events.Envelope, sendBufferSize),
		done:   make(chan struct{}),
		gw:     g,
	}
	sess.log = logger.WithSession("gateway", sess.id, sess.userID)

	first := g.reg.Add(sess)
	sess.Send(events.Authenticated, events.AuthenticatedPayload{
		UserID:      identity.UserID,
		SessionID:   sess.id,
		DisplayName: identity.DisplayName,
	})
	g.pres.OnConnect(c.Request.Context(), sess, first)

	sess.log.Info("session connected", zap.Bool("first_session", first))

	go sess.writeLoop()
	sess.readLoop()
}

// handshake reads the first frame, which must be an auth event carrying a
// token the upstream accepts. Anything else ends the connection.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) (upstream.Identity, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(g.authTimeout))

	var env events.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return upstream.Identity{}, false
	}
	if env.Name != events.Auth {
		g.authReject(conn, appErrors.ErrUnauthorized.Code, "first frame must be auth")
		return upstream.Identity{}, false
	}

	var payload events.AuthPayload
	if err := unmarshalPayload(env.Payload, &payload); err != nil {
		g.authReject(conn, appErrors.ErrBadRequest.Code, "invalid auth payload")
		return upstream.Identity{}, false
	}

	identity, err := g.up.ValidateToken(ctx, payload.Token)
	if err != nil {
		appErr := appErrors.FromError(err)
		g.authReject(conn, appErr.Code, appErr.Message)
		return upstream.Identity{}, false
	}

	_ = conn.SetReadDeadline(time.Time{})
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	return identity, true
}

func (g *Gateway) authReject(conn *websocket.Conn, code, message string) {
	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(envelopeFor(events.AuthError, events.ErrorPayload{Code: code, Message: message}))
}

// teardown reconciles shared state after a session's read loop exits. The
// registry entry goes first so the coordinators observe post-disconnect
// presence when they decide what to tear down.
func (g *Gateway) teardown(s *session) {
	removed, last := g.reg.Remove(s)
	if !removed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.calls.OnDisconnect(s)
	g.rooms.OnDisconnect(s)
	g.pres.OnDisconnect(ctx, s, last)

	s.log.Info("session disconnected", zap.Bool("last_session", last))
}

func originChecker(allowed map[string]struct{}) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(allowed) > 0 {
			_, ok := allowed[strings.ToLower(strings.TrimSpace(origin))]
			return ok
		}
		originHost := hostWithoutPort(origin)
		return originHost == hostWithoutPort(r.Host) || isLoopback(originHost)
	}
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if strings.Contains(host, "://") {
		if parsed, err := url.Parse(host); err == nil {
			host = parsed.Host
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
