// Package ws implements the connection handler and the server shell's
// WebSocket upgrade endpoint: the same Upgrader/http.Server/Run
// lifecycle shape as a plain HTTP server, except the per-connection
// state machine runs query-param validation, token verification, and
// room admission in-process (there is no separate REST "join" step in
// this hub).
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nullbridge/signalhub/backend/model"
	"github.com/nullbridge/signalhub/backend/ratelimit"
	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultConnDrainTimeout = 5 * time.Second // bounded cancellation on shutdown

	defaultWebsocketReadBufferSize   = 4096
	defaultWebsocketWriteBufferSize  = 4096
	defaultWebSocketHandshakeTimeout = 3 * time.Second

	// DefaultMaxFrameSize is the recommended peer-frame size cap.
	DefaultMaxFrameSize = 64 * 1024

	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval is how long we give a
	// client to respond before treating it as dead.
	defaultPingInterval = 20 * time.Second
	defaultPongWait     = 30 * time.Second

	maxRoomLen     = 64
	maxClientIDLen = 128
)

// Close codes for application-level rejections, mirroring the reference
// implementation's non-standard (4000-4999) private-use range codes.
const (
	closeIdleExpired  = 4000
	closeBadRequest   = 4001
	closeRoomFull     = 4002
	closeAuthFailed   = 4003
	closeSlowConsumer = 4004
)

var ErrUnexpected = errors.New("unexpected server error")

// SignalingService is the orchestration interface the handler consumes,
// implemented by backend/service.Service.
type SignalingService interface {
	VerifyToken(ctx context.Context, token string) (subject string, err error)
	Admit(code, clientID, subject string, closeFn func()) (*registry.Member, error)
	Remove(code, clientID string)
	Relay(code, clientID string, frame []byte)
	NewLimiter() *ratelimit.Limiter
}

// Counters is the subset of metrics the handler increments.
type Counters interface {
	IncRateLimited()
	IncRoomsFull()
	IncAuthFailed()
}

type Config struct {
	Logger           zerolog.Logger
	SignalingService SignalingService
	ListenAddr       string
	MaxFrameSize     int64
	Metrics          Counters
}

type Server struct {
	svc          SignalingService
	ws           *websocket.Upgrader
	maxFrameSize int64
	metrics      Counters
	*http.Server

	logger  zerolog.Logger
	rootCtx context.Context
	connWG  sync.WaitGroup

	connsMu sync.Mutex
	conns   map[*websocket.Conn]struct{}
}

func NewServer(cfg Config) *Server {
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	srv := &Server{
		logger:       cfg.Logger.With().Str("component", "ws-server").Logger(),
		svc:          cfg.SignalingService,
		maxFrameSize: maxFrame,
		metrics:      cfg.Metrics,
		rootCtx:      context.Background(),
		conns:        make(map[*websocket.Conn]struct{}),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// Run starts the upgrade endpoint and blocks until ctx is cancelled or
// an unrecoverable error occurs. Every accepted connection derives
// its own context from ctx, so cancelling ctx (graceful shutdown)
// stops every live connection's write loop and the between-reads check
// of its read loop; a reader still blocked in ReadMessage after the
// drain window is unblocked by force-closing its tracked connection.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	srv.rootCtx = ctx
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error, 1)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		srv.logger.Warn().Msg("shutting down, draining connections")
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		srv.drainConnections()
	}
}

func (srv *Server) drainConnections() {
	done := make(chan struct{})
	go func() {
		srv.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaultConnDrainTimeout):
		srv.logger.Warn().Msg("timed out waiting for connections to drain, forcing close")
		srv.forceCloseConns()
	}
}

// forceCloseConns hard-closes every still-tracked connection, unblocking
// any reader stuck in a syscall past the drain deadline.
func (srv *Server) forceCloseConns() {
	srv.connsMu.Lock()
	defer srv.connsMu.Unlock()
	for conn := range srv.conns {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.Close()
	}
}

func (srv *Server) trackConn(conn *websocket.Conn) {
	srv.connsMu.Lock()
	srv.conns[conn] = struct{}{}
	srv.connsMu.Unlock()
}

func (srv *Server) untrackConn(conn *websocket.Conn) {
	srv.connsMu.Lock()
	delete(srv.conns, conn)
	srv.connsMu.Unlock()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	logger := srv.logger.With().Str("connId", connID).Logger()

	room, clientID, token, ok := parseQuery(r)
	if !ok {
		logger.Warn().Msg("rejecting connection: bad_request")
		sendAndClose(conn, model.NewError(model.AllTarget, model.ErrBadRequest,
			"room and clientId are required and must be valid"), closeBadRequest, &logger)
		return
	}

	ctx, cancel := context.WithCancel(srv.rootCtx)

	subject, err := srv.svc.VerifyToken(ctx, token)
	if err != nil {
		if srv.metrics != nil {
			srv.metrics.IncAuthFailed()
		}
		logger.Warn().Str("room", room).Str("clientId", clientID).Msg("rejecting connection: auth_failed")
		sendAndClose(conn, model.NewError(model.AllTarget, model.ErrAuthFailed,
			"invalid or expired token"), closeAuthFailed, &logger)
		cancel()
		return
	}

	// closeFn is invoked at most once by Member.Close/CloseWithReason, from
	// the router (slow consumer) or the sweeper (idle eviction). Cancelling
	// ctx alone only stops the write loop and the between-reads check in
	// the read loop; conn.ReadMessage is a blocking syscall that ignores
	// ctx, so the read deadline is forced to unblock it within the same
	// call.
	closeFn := func() {
		cancel()
		_ = conn.SetReadDeadline(time.Now())
	}

	member, err := srv.svc.Admit(room, clientID, subject, closeFn)
	if err != nil {
		logger.Warn().Err(err).Str("room", room).Str("clientId", clientID).Msg("rejecting connection: admission failed")
		switch {
		case errors.Is(err, registry.ErrRoomFull):
			if srv.metrics != nil {
				srv.metrics.IncRoomsFull()
			}
			sendAndClose(conn, model.NewError(clientID, model.ErrRoomFull,
				"room has reached max capacity"), closeRoomFull, &logger)
		case errors.Is(err, registry.ErrDuplicateID):
			sendAndClose(conn, model.NewError(clientID, model.ErrBadRequest,
				"clientId already present in room"), closeBadRequest, &logger)
		default:
			sendAndClose(conn, model.NewError(clientID, model.ErrInternal,
				"unable to join room"), websocket.CloseInternalServerErr, &logger)
		}
		cancel()
		return
	}

	logger = logger.With().Str("room", room).Str("clientId", clientID).Logger()
	logger.Info().Msg("connection admitted")

	srv.trackConn(conn)
	srv.connWG.Add(1)
	go srv.handleConn(ctx, cancel, conn, room, clientID, member, &logger)
}

func (srv *Server) handleConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	room, clientID string,
	member *registry.Member,
	logger *zerolog.Logger,
) {
	defer func() {
		srv.untrackConn(conn)
		srv.connWG.Done()
	}()

	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		srv.readLoop(ctx, wg, conn, room, clientID, member, logger)
		cancel()
	}()
	go func() {
		writeLoop(ctx, wg, conn, member.Outbox, logger)
		cancel()
	}()

	wg.Wait()
	closeSocket(conn, closeCodeForReason(member.Reason()), logger)
	srv.svc.Remove(room, clientID)
}

// closeCodeForReason maps a registry.Member's recorded close reason to
// the wire close code closeSocket sends, defaulting to a normal closure
// for connections that ended on their own (peer disconnect, read error
// already reported inline).
func closeCodeForReason(reason string) int {
	switch reason {
	case registry.ReasonSlowConsumer:
		return closeSlowConsumer
	case registry.ReasonIdleExpired:
		return closeIdleExpired
	case registry.ReasonBadRequest:
		return closeBadRequest
	default:
		return websocket.CloseNormalClosure
	}
}

func (srv *Server) readLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	room, clientID string,
	member *registry.Member,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	outbox := member.Outbox

	conn.SetReadLimit(srv.maxFrameSize)
	setReadDeadline := func(d time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(d))
	}
	conn.SetPongHandler(func(string) error {
		return setReadDeadline(defaultPongWait)
	})
	if err := setReadDeadline(defaultPongWait); err != nil {
		logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	limiter := srv.svc.NewLimiter()

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Debug().Err(err).Msg("connection closed by peer")
			case errors.Is(err, websocket.ErrReadLimit):
				logger.Warn().Msg("frame exceeds maximum size, closing connection")
				enqueueErrorNotice(outbox, clientID, model.ErrBadRequest, "frame exceeds maximum size")
				member.CloseWithReason(registry.ReasonBadRequest)
			case !errors.Is(err, net.ErrClosed):
				logger.Warn().Err(err).Msg("read error, closing connection")
			}
			break RecvLoop
		}

		if !limiter.TryAdmit(time.Now()) {
			if srv.metrics != nil {
				srv.metrics.IncRateLimited()
			}
			logger.Warn().Msg("rate limit exceeded, frame dropped")
			enqueueErrorNotice(outbox, clientID, model.ErrRateLimited, "rate limit exceeded, frame dropped")
			continue
		}

		srv.svc.Relay(room, clientID, frame)
	}
}

// enqueueErrorNotice queues an error envelope addressed at the offending
// client itself. It goes through the same outbox the writer goroutine
// drains — a connection has exactly one concurrent writer in
// gorilla/websocket, so the reader must never write to the socket
// directly. A full outbox here means the client is also a slow consumer
// of its own error notices; the notice is dropped rather than blocking
// the read loop.
func enqueueErrorNotice(outbox chan<- []byte, clientID, code, message string) {
	env := model.NewError(clientID, code, message)
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case outbox <- b:
	default:
	}
}

func writeLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	outbox <-chan []byte,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()

SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				logger.Debug().Err(err).Msg("failed to send ping")
			}
		case frame, ok := <-outbox:
			if !ok {
				break SendLoop
			}
			if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
				logger.Error().Err(err).Msg("failed to set write deadline")
				break SendLoop
			}
			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				logger.Error().Err(err).Msg("failed to get websocket writer")
				break SendLoop
			}
			if _, err = w.Write(frame); err != nil {
				logger.Error().Err(err).Msg("failed to write outbound frame")
				break SendLoop
			}
			if err = w.Close(); err != nil {
				logger.Error().Err(err).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func sendAndClose(conn *websocket.Conn, env model.Envelope, code int, logger *zerolog.Logger) {
	b, err := json.Marshal(env)
	if err == nil {
		if dlErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); dlErr == nil {
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	}
	payload, _ := env.Payload.(model.ErrorPayload)
	closeMsg := websocket.FormatCloseMessage(code, payload.Code)
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
	if closeErr := conn.Close(); closeErr != nil {
		logger.Debug().Err(closeErr).Msg("error closing rejected connection")
	}
}

func closeSocket(conn *websocket.Conn, code int, logger *zerolog.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline)); err != nil {
		logger.Debug().Err(err).Msg("failed to set write deadline during close")
	} else if err = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, "")); err != nil {
		logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err := conn.Close(); err != nil {
		logger.Debug().Err(err).Msg("failed to close underlying connection")
	}
}

func parseQuery(r *http.Request) (room, clientID, token string, ok bool) {
	q := r.URL.Query()
	room = strings.TrimSpace(q.Get("room"))
	clientID = strings.TrimSpace(q.Get("clientId"))
	token = q.Get("token")

	if !validID(room, maxRoomLen) || !validID(clientID, maxClientIDLen) {
		return "", "", "", false
	}
	return room, clientID, token, true
}

// validID enforces the room/client identifier length bounds and rejects
// control characters and whitespace: every byte must be a non-space
// printable ASCII character.
func validID(s string, maxLen int) bool {
	if len(s) == 0 || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
