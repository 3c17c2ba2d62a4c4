package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/roomchat/backend/model"
	"github.com/adwski/roomchat/backend/service"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 5 * time.Second

	maxRequestBodySize = 1 << 16
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	AccountService interface {
		Register(ctx context.Context, username, password string) error
		Login(ctx context.Context, username, password string) (string, error)
	}

	RoomLister interface {
		Rooms() []model.RoomInfo
	}

	SessionStore interface {
		Save(w http.ResponseWriter, r *http.Request, username string) error
		Clear(w http.ResponseWriter, r *http.Request) error
	}

	CredentialsRequest struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	TokenResponse struct {
		Token string `json:"token"`
	}

	GenericResponse struct {
		Message string      `json:"message,omitempty"`
		Error   string      `json:"error,omitempty"`
		Data    interface{} `json:"data,omitempty"`
	}

	Server struct {
		logger   zerolog.Logger
		accounts AccountService
		rooms    RoomLister
		sessions SessionStore
		*http.Server
	}

	Config struct {
		Logger         *zerolog.Logger
		AccountService AccountService
		RoomLister     RoomLister
		Sessions       SessionStore
		MetricsHandler http.Handler
		ListenAddr     string
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		accounts: cfg.AccountService,
		rooms:    cfg.RoomLister,
		sessions: cfg.Sessions,
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/register", srv.register)
	r.HandleFunc("POST /api/login", srv.login)
	r.HandleFunc("POST /api/logout", srv.logout)
	r.HandleFunc("GET /api/rooms", srv.listRooms)
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("OPTIONS /", corsHandler)
	if cfg.MetricsHandler != nil {
		r.Handle("GET /metrics", cfg.MetricsHandler)
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) readCredentials(w http.ResponseWriter, r *http.Request) (*CredentialsRequest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "cannot read request body"})
		return nil, false
	}
	var creds CredentialsRequest
	if err = json.Unmarshal(body, &creds); err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "malformed request body"})
		return nil, false
	}
	return &creds, true
}

func (srv *Server) register(w http.ResponseWriter, r *http.Request) {
	creds, ok := srv.readCredentials(w, r)
	if !ok {
		return
	}

	err := srv.accounts.Register(r.Context(), creds.Username, creds.Password)
	switch {
	case err == nil:
		srv.writeJSON(w, http.StatusCreated, &GenericResponse{Message: "OK"})
	case errors.Is(err, service.ErrInvalidInput):
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: service.ErrInvalidInput.Error()})
	case errors.Is(err, service.ErrUserExists):
		srv.writeJSON(w, http.StatusConflict, &GenericResponse{Error: err.Error()})
	default:
		srv.logger.Error().Err(err).Msg("registration failed")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
	}
}

func (srv *Server) login(w http.ResponseWriter, r *http.Request) {
	creds, ok := srv.readCredentials(w, r)
	if !ok {
		return
	}

	token, err := srv.accounts.Login(r.Context(), creds.Username, creds.Password)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidCredentials):
		srv.writeJSON(w, http.StatusUnauthorized, &GenericResponse{Error: err.Error()})
		return
	default:
		srv.logger.Error().Err(err).Msg("login failed")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
		return
	}

	if err = srv.sessions.Save(w, r, creds.Username); err != nil {
		srv.logger.Error().Err(err).Msg("failed to save session")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    TokenResponse{Token: token},
	})
}

func (srv *Server) logout(w http.ResponseWriter, r *http.Request) {
	if err := srv.sessions.Clear(w, r); err != nil {
		srv.logger.Error().Err(err).Msg("failed to clear session")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
		return
	}
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.rooms.Rooms()})
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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
}
