package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/lectio/internal/auth"
	"github.com/MarcoPoloResearchLab/lectio/internal/metrics"
	"github.com/MarcoPoloResearchLab/lectio/internal/rooms"
	"github.com/MarcoPoloResearchLab/lectio/internal/studyroom"
	"github.com/MarcoPoloResearchLab/lectio/internal/users"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer      = 64
	defaultWriteWait       = 10 * time.Second
	defaultPongWait        = 60 * time.Second
	defaultMaxMessageBytes = 64 << 10
)

var (
	errMissingAuthenticator = errors.New("gateway: authenticator required")
	errMissingDirectory     = errors.New("gateway: participant directory required")
	errMissingSessions      = errors.New("gateway: session handler required")
)

// Authenticator validates the bearer token presented with the handshake.
type Authenticator interface {
	ValidateRequest(r *http.Request) (auth.ParticipantClaims, error)
}

// Directory resolves claims to a participant and records the participant as active.
type Directory interface {
	ResolveParticipant(ctx context.Context, claims auth.ParticipantClaims) (users.Participant, error)
}

// SessionHandler receives the lifecycle and frames of admitted connections.
type SessionHandler interface {
	Connect(member rooms.Member, conn rooms.Connection) *studyroom.Session
	Handle(ctx context.Context, session *studyroom.Session, frame []byte)
	Disconnect(ctx context.Context, session *studyroom.Session)
}

type Config struct {
	Authenticator   Authenticator
	Directory       Directory
	Sessions        SessionHandler
	SendBuffer      int
	WriteWait       time.Duration
	PongWait        time.Duration
	MaxMessageBytes int64
	// CheckOrigin overrides the upgrader origin policy; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
}

// Gateway authenticates websocket handshakes and runs the pumps of admitted connections.
type Gateway struct {
	authenticator   Authenticator
	directory       Directory
	sessions        SessionHandler
	upgrader        websocket.Upgrader
	sendBuffer      int
	writeWait       time.Duration
	pongWait        time.Duration
	maxMessageBytes int64
	logger          *zap.Logger
	metrics         *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Sessions == nil {
		return nil, errMissingSessions
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		authenticator: cfg.Authenticator,
		directory:     cfg.Directory,
		sessions:      cfg.Sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		sendBuffer:      sendBuffer,
		writeWait:       writeWait,
		pongWait:        pongWait,
		maxMessageBytes: maxMessageBytes,
		logger:          logger.Named("gateway"),
		metrics:         cfg.Metrics,
		conns:           make(map[string]*Connection),
	}, nil
}

// ServeHTTP refuses unauthenticated handshakes before upgrading, then serves the
// connection until the transport closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := g.authenticator.ValidateRequest(r)
	if err != nil {
		g.metrics.AuthFailed()
		g.logger.Info("handshake refused", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	participant, err := g.directory.ResolveParticipant(r.Context(), claims)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			g.metrics.AuthFailed()
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		g.logger.Error("participant resolution failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "participant_resolution_failed")
		return
	}
	connectionID, err := uuid.NewV7()
	if err != nil {
		g.logger.Error("connection id generation failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "connection_id_failed")
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.String("participant_id", participant.ID), zap.Error(err))
		return
	}
	g.serve(newConnection(connectionID.String(), ws, g.sendBuffer, g.logger), participant)
}

func (g *Gateway) serve(conn *Connection, participant users.Participant) {
	g.track(conn)
	defer g.untrack(conn)
	g.metrics.ConnectionOpened()
	defer g.metrics.ConnectionClosed()

	logger := g.logger.With(
		zap.String("connection_id", conn.ID()),
		zap.String("participant_id", participant.ID))
	logger.Info("connection admitted")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-conn.Done()
		cancel()
	}()

	session := g.sessions.Connect(rooms.Member{
		ParticipantID: participant.ID,
		DisplayName:   participant.DisplayName,
	}, conn)

	go conn.writePump(g.writeWait, g.pongWait*9/10)
	conn.readPump(g.maxMessageBytes, g.pongWait, func(frame []byte) {
		g.sessions.Handle(ctx, session, frame)
	})

	g.sessions.Disconnect(context.Background(), session)
	logger.Info("connection closed")
}

// CloseAll revokes every live connection. Hijacked connections are not closed by
// http.Server.Shutdown, so the server registers this as a shutdown hook.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	live := make([]*Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		live = append(live, conn)
	}
	g.mu.Unlock()
	for _, conn := range live {
		conn.Close()
	}
}

// Len reports the number of live connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) track(conn *Connection) {
	g.mu.Lock()
	g.conns[conn.ID()] = conn
	g.mu.Unlock()
}

func (g *Gateway) untrack(conn *Connection) {
	g.mu.Lock()
	delete(g.conns, conn.ID())
	g.mu.Unlock()
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
