package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/roomchat/backend/auth"
	"github.com/adwski/roomchat/backend/config"
	"github.com/adwski/roomchat/backend/metrics"
	httpServer "github.com/adwski/roomchat/backend/server/http"
	websocketServer "github.com/adwski/roomchat/backend/server/websocket"
	"github.com/adwski/roomchat/backend/service"
	"github.com/adwski/roomchat/backend/storage/memory"
	"github.com/adwski/roomchat/backend/storage/sqlite"
	sw "github.com/adwski/roomchat/backend/switch"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

type userStore interface {
	service.UserStore
	Close() error
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	generated, err := cfg.EnsureSecrets()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to generate secrets")
	}
	if generated {
		logger.Warn().Msg("token secret or session key is not set, using random one; " +
			"tokens and sessions will not survive restart")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, cfg, &logger); err != nil {
		logger.Error().Err(err).Msg("shutting down")
		cancel()
		os.Exit(1)
	}
}

// run wires components together and serves until ctx is done or a server fails.
func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		store userStore
		err   error
	)
	if cfg.DatabasePath != "" {
		store, err = sqlite.Open(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		logger.Info().Str("path", cfg.DatabasePath).Msg("using sqlite user store")
	} else {
		store = memory.NewMemStore()
		logger.Info().Msg("using in-memory user store")
	}
	defer func() {
		if errClose := store.Close(); errClose != nil {
			logger.Error().Err(errClose).Msg("failed to close user store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	clock := clockwork.NewRealClock()
	sessions := auth.NewSessions(cfg.SessionKey, cfg.TokenTTL)
	svc, err := service.NewService(service.Config{
		UserStore: store,
		Tokens:    auth.NewTokens(cfg.TokenSecret, cfg.TokenTTL, clock),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create account service: %w", err)
	}

	switcher := sw.NewSwitch(sw.Config{
		Logger:          logger,
		Clock:           clock,
		Metrics:         m,
		DeliveryTimeout: cfg.DeliveryTimeout,
	})
	defer switcher.Close()

	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:         logger,
		AccountService: svc,
		RoomLister:     switcher,
		Sessions:       sessions,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ListenAddr:     cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:         logger,
		Broadcaster:    switcher,
		Identifier:     svc,
		Sessions:       sessions,
		Metrics:        m,
		ListenAddr:     cfg.WSListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxMessageSize: cfg.MaxMessageSize,
		MailboxSize:    cfg.MailboxSize,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
	return err
}
