package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/example/sync-vector-engine/internal/ast"
	"github.com/example/sync-vector-engine/internal/verr"
	"github.com/example/sync-vector-engine/internal/version"
)

const (
	defaultHeartbeatInterval  = 15 * time.Second
	defaultHeartbeatTolerance = 3
	defaultSendBufferSize     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UpstreamPatch is one entry of a client's desiredQueriesPatch: a
// put/del/clear operation against its desired-query set.
type UpstreamPatch struct {
	Op   string     `json:"op"`
	Hash string     `json:"hash,omitempty"`
	AST  *ast.Query `json:"ast,omitempty"`
}

type upstreamMessage struct {
	Type                string          `json:"type"`
	BaseCookie          string          `json:"baseCookie,omitempty"`
	DesiredQueriesPatch []UpstreamPatch `json:"desiredQueriesPatch,omitempty"`
}

// Service is what the gateway needs from the core: enough to hand it
// a freshly upgraded connection and forward later desired-query
// changes for its lifetime. internal/viewsyncer.Manager implements it.
type Service interface {
	InitConnection(ctx context.Context, conn *Connection, baseVersion version.Version, desired []UpstreamPatch) error
	ChangeDesiredQueries(ctx context.Context, groupID, clientID string, epoch ConnEpoch, desired []UpstreamPatch) error
	Disconnect(groupID, clientID string, epoch ConnEpoch)
}

// Gateway is the WebSocket/JSON transport shim: it authenticates and
// upgrades an HTTP request, then hands the resulting Connection to
// Service and relays further client messages to it for the
// connection's lifetime. It is deliberately thin — everything this
// repository tests lives below Service.
type Gateway struct {
	registry *Registry
	auth     Authenticator
	service  Service
	logger   zerolog.Logger
}

// NewGateway builds a Gateway ready to be mounted as an http.Handler.
func NewGateway(registry *Registry, auth Authenticator, service Service, logger zerolog.Logger) *Gateway {
	return &Gateway{registry: registry, auth: auth, service: service, logger: logger}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := g.auth.Authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	var initMsg upstreamMessage
	if err := wsConn.ReadJSON(&initMsg); err != nil {
		_ = wsConn.Close()
		return
	}

	baseVersion := version.Zero
	if initMsg.BaseCookie != "" {
		v, err := version.FromCookie(initMsg.BaseCookie)
		if err != nil {
			_ = wsConn.Close()
			return
		}
		baseVersion = v
	}

	if prior, ok := g.registry.ByClientID(string(identity.GroupID), identity.ClientID); ok {
		prior.Close()
	}

	epoch := ConnEpoch(ulid.Make().String())
	logger := g.logger.With().Str("client", identity.ClientID).Str("group", string(identity.GroupID)).Logger()
	opts := connectionOptions{
		heartbeatInterval:  defaultHeartbeatInterval,
		heartbeatTolerance: defaultHeartbeatTolerance,
		sendBufferSize:     defaultSendBufferSize,
	}

	var conn *Connection
	conn = newConnection(identity, epoch, &wsTransport{conn: wsConn}, g.registry, logger, baseVersion, opts, func() {
		g.registry.Unregister(conn)
		g.service.Disconnect(string(identity.GroupID), identity.ClientID, epoch)
	})
	g.registry.Register(conn)

	ctx := conn.Context()
	if err := g.service.InitConnection(ctx, conn, baseVersion, initMsg.DesiredQueriesPatch); err != nil {
		logger.Warn().Err(err).Msg("initConnection failed")
		conn.Close()
		return
	}

	go conn.Run()
	g.readLoop(ctx, conn, wsConn, string(identity.GroupID), identity.ClientID, epoch)
}

func (g *Gateway) readLoop(ctx context.Context, conn *Connection, wsConn *websocket.Conn, groupID, clientID string, epoch ConnEpoch) {
	defer conn.Close()
	for {
		var msg upstreamMessage
		if err := wsConn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "changeDesiredQueries":
			if err := g.service.ChangeDesiredQueries(ctx, groupID, clientID, epoch, msg.DesiredQueriesPatch); err != nil {
				if verr.Is(err, verr.StaleConnection) {
					continue
				}
				g.logger.Warn().Err(err).Msg("changeDesiredQueries failed")
				if verr.KindOf(err) != verr.BadRequest && verr.KindOf(err) != verr.BadQuery {
					return
				}
			}
		case "pong":
			conn.NotePong()
		}
	}
}

// wsTransport adapts a gorilla/websocket connection to the Transport
// interface Connection depends on. Writes are serialized: gorilla's
// Conn forbids concurrent writers, and Connection's single writer
// goroutine is the only caller in practice, but Close can race it
// from the read loop.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteDownstream(msg Downstream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
