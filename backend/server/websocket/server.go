package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/roomchat/backend/metrics"
	"github.com/adwski/roomchat/backend/model"
	sw "github.com/adwski/roomchat/backend/switch"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second

	defaultWebsocketReadBufferSize     = 4096
	defaultWebsocketWriteBufferSize    = 4096
	defaultWebSocketMaxMessageSize     = 4096
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	replyQueueSize = 16

	// room name and json framing on top of message body
	envelopeOverhead = 512
	// longest json encoding of one character is an escaped surrogate pair
	maxEncodedCharSize = len(`\ud83d\ude00`)
)

// Reasons of rejected inbound events.
const (
	reasonMalformed   = "malformed"
	reasonRateLimited = "rate_limited"
	reasonInvalid     = "invalid"
	reasonInvalidRoom = "invalid_room"
	reasonNotAMember  = "not_member"
	reasonUnavailable = "unavailable"
)

var (
	ErrUnexpected   = errors.New("unexpected server error")
	ErrUnauthorized = errors.New("unauthorized")
)

type (
	Broadcaster interface {
		Join(conn *sw.Conn, room string) error
		Leave(conn *sw.Conn, room string) error
		Publish(conn *sw.Conn, room, body string) error
		Disconnect(conn *sw.Conn)
	}

	Identifier interface {
		Identify(token string) (string, error)
	}

	SessionReader interface {
		Username(r *http.Request) (string, bool)
	}

	Config struct {
		Logger      *zerolog.Logger
		Broadcaster Broadcaster
		Identifier  Identifier
		Sessions    SessionReader
		Metrics     *metrics.Metrics
		ListenAddr  string

		// AllowedOrigins is checked against Origin header, "*" allows any.
		AllowedOrigins []string
		MaxMessageSize int64
		MailboxSize    int
		RateLimit      float64
		RateBurst      int
	}

	Server struct {
		bc         Broadcaster
		identifier Identifier
		sessions   SessionReader
		metrics    *metrics.Metrics
		ws         *websocket.Upgrader
		validate   *validator.Validate
		*http.Server

		maxMessageSize int64
		msgRule        string
		mailboxSize    int
		rateLimit      rate.Limit
		rateBurst      int

		// sessions live past handler return, so they hang off server context
		ctx     context.Context
		cancel  context.CancelFunc
		mx      sync.Mutex
		closing bool
		active  sync.WaitGroup

		logger zerolog.Logger
	}

	// session is one upgraded websocket connection bound to a broadcaster handle.
	session struct {
		conn    *websocket.Conn
		handle  *sw.Conn
		limiter *rate.Limiter
		replies chan model.Outbound
		logger  zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	maxMessageSize := cfg.MaxMessageSize
	if maxMessageSize <= 0 {
		maxMessageSize = defaultWebSocketMaxMessageSize
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:         cfg.Logger.With().Str("component", "websocket-server").Logger(),
		bc:             cfg.Broadcaster,
		identifier:     cfg.Identifier,
		sessions:       cfg.Sessions,
		metrics:        cfg.Metrics,
		validate:       validator.New(),
		maxMessageSize: maxMessageSize,
		msgRule:        "max=" + strconv.FormatInt(maxMessageSize, 10),
		mailboxSize:    cfg.MailboxSize,
		rateLimit:      limit,
		rateBurst:      burst,
		ctx:            ctx,
		cancel:         cancel,
	}
	srv.ws = &websocket.Upgrader{
		HandshakeTimeout: defaultWebSocketHandshakeTimeout,
		ReadBufferSize:   defaultWebsocketReadBufferSize,
		WriteBufferSize:  defaultWebsocketWriteBufferSize,
		CheckOrigin:      originChecker(cfg.AllowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.serveWS)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || lo.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non-browser clients do not send origin
		return origin == "" || lo.Contains(allowed, origin)
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
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
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	srv.CloseSessions()
}

// CloseSessions terminates all hijacked connections and waits until
// each of them is disconnected from broadcaster.
func (srv *Server) CloseSessions() {
	srv.mx.Lock()
	srv.closing = true
	srv.mx.Unlock()

	srv.cancel()
	srv.active.Wait()
}

// identify resolves identity label of the request. Explicit token has priority
// over session cookie; no credentials at all means anonymous.
func (srv *Server) identify(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		bearer, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", ErrUnauthorized
		}
		token = bearer
	}
	if token != "" {
		if srv.identifier == nil {
			return "", ErrUnauthorized
		}
		username, err := srv.identifier.Identify(token)
		if err != nil {
			return "", errors.Join(ErrUnauthorized, err)
		}
		return username, nil
	}
	if srv.sessions != nil {
		if username, ok := srv.sessions.Username(r); ok {
			return username, nil
		}
	}
	return "", nil
}

func (srv *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	label, err := srv.identify(r)
	if err != nil {
		srv.logger.Debug().Err(err).Msg("handshake rejected")
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	srv.mx.Lock()
	if srv.closing {
		srv.mx.Unlock()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	srv.active.Add(1)
	srv.mx.Unlock()

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		srv.active.Done()
		return
	}

	handle := sw.NewConn(label, srv.mailboxSize)
	s := &session{
		conn:    conn,
		handle:  handle,
		limiter: rate.NewLimiter(srv.rateLimit, srv.rateBurst),
		replies: make(chan model.Outbound, replyQueueSize),
		logger: srv.logger.With().
			Str("conn", handle.ID()).
			Str("user", label).
			Logger(),
	}
	s.logger.Debug().Msg("session started")
	srv.metrics.ConnectionOpened()

	go srv.handleWSConn(s)
}

func (srv *Server) handleWSConn(s *session) {
	defer srv.active.Done()

	ctx, cancel := context.WithCancel(srv.ctx)
	wg := &sync.WaitGroup{}

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, s)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, s)
		cancel()
		// unblocks receiver
		webSocketCloser(s.conn, &s.logger)
	}()

	wg.Wait()
	s.handle.Close()
	srv.bc.Disconnect(s.handle)
	srv.metrics.ConnectionClosed()
	s.logger.Debug().Msg("session ended")
}

// reply queues a direct response to this session only. It never blocks receiver.
func (s *session) reply(out model.Outbound) {
	select {
	case s.replies <- out:
	default:
		s.logger.Warn().Str("msg", out.Msg).Msg("reply queue is full, dropping")
	}
}

func (srv *Server) reject(s *session, room, reason, text string) {
	srv.metrics.EventRejected(reason)
	s.reply(model.ErrorNotice(room, text))
}

// dispatch applies one inbound event to broadcaster.
func (srv *Server) dispatch(s *session, raw []byte) {
	if !s.limiter.Allow() {
		srv.reject(s, "", reasonRateLimited, "rate limit exceeded")
		return
	}
	var in model.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		srv.reject(s, "", reasonMalformed, "malformed event")
		return
	}
	if err := srv.validate.Struct(in); err != nil {
		srv.reject(s, in.Room, reasonInvalid, "invalid event")
		return
	}
	if err := srv.validate.Var(in.Msg, srv.msgRule); err != nil {
		srv.reject(s, in.Room, reasonInvalid, "message is too long")
		return
	}

	var err error
	switch in.Event {
	case model.EventJoin:
		err = srv.bc.Join(s.handle, in.Room)
	case model.EventLeave:
		err = srv.bc.Leave(s.handle, in.Room)
	case model.EventMessage:
		err = srv.bc.Publish(s.handle, in.Room, in.Msg)
	}

	switch {
	case err == nil:
	case errors.Is(err, sw.ErrInvalidRoomName):
		srv.reject(s, in.Room, reasonInvalidRoom, err.Error())
	case errors.Is(err, sw.ErrNotAMember):
		srv.reject(s, in.Room, reasonNotAMember, err.Error())
	case errors.Is(err, sw.ErrClosed), errors.Is(err, sw.ErrConnectionClosed):
		srv.reject(s, in.Room, reasonUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Str("event", in.Event).Msg("event failed")
		srv.reject(s, in.Room, reasonUnavailable, ErrUnexpected.Error())
	}
}

func webSocketSender(ctx context.Context, wg *sync.WaitGroup, s *session) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		var out model.Outbound
		select {
		case <-ctx.Done():
			break SendLoop
		case <-s.handle.Done():
			s.logger.Warn().Msg("dropped by broadcaster")
			break SendLoop
		case <-pingTicker.C:
			wsErr := s.conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = s.conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				s.logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			s.logger.Trace().Msg("ping sent")
			continue
		case out = <-s.handle.TX():
		case out = <-s.replies:
		}

		if err := writeOutbound(s.conn, &out); err != nil {
			s.logger.Error().Err(err).Msg("failed to write outgoing message")
			break SendLoop
		}
	}
}

func writeOutbound(conn *websocket.Conn, out *model.Outbound) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	wsW, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = wsW.Write(b); err != nil {
		return err
	}
	return wsW.Close()
}

func (srv *Server) webSocketReceiver(ctx context.Context, wg *sync.WaitGroup, s *session) {
	defer wg.Done()

	// message length is validated in characters after decoding,
	// frame limit must fit the longest encoding of an acceptable message
	s.conn.SetReadLimit(srv.maxMessageSize*maxEncodedCharSize + envelopeOverhead)
	readDeadLineFunc := func(deadline time.Duration) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	}
	s.conn.SetPongHandler(func(string) error {
		s.logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	for {
		_, msg, wsErr := s.conn.ReadMessage()
		if wsErr != nil {
			switch {
			case ctx.Err() != nil:
				s.logger.Trace().Err(wsErr).Msg("receive interrupted")
			case websocket.IsCloseError(wsErr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway):
				s.logger.Debug().Err(wsErr).Msg("connection closed")
			default:
				s.logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		// any inbound frame proves the peer is alive
		if err = readDeadLineFunc(defaultPongWait); err != nil {
			s.logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
		srv.dispatch(s, msg)
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
