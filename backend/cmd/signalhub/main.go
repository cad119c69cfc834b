package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nullbridge/signalhub/backend/auth"
	"github.com/nullbridge/signalhub/backend/metrics"
	"github.com/nullbridge/signalhub/backend/registry"
	"github.com/nullbridge/signalhub/backend/router"
	adminServer "github.com/nullbridge/signalhub/backend/server/admin"
	wsServer "github.com/nullbridge/signalhub/backend/server/ws"
	"github.com/nullbridge/signalhub/backend/service"
	"github.com/nullbridge/signalhub/backend/sweeper"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		host = fs.String("host", envOr("SIGNALHUB_HOST", "127.0.0.1"), "listen host for the websocket signaling endpoint")
		port = fs.String("port", envOr("SIGNALHUB_PORT", "8080"), "listen port for the websocket signaling endpoint")

		adminListenAddr = fs.String("admin-addr", envOr("SIGNALHUB_ADMIN_ADDR", ":8081"), "admin/health listen address")
		logLevel        = fs.StringP("log-level", "l", envOr("SIGNALHUB_LOG_LEVEL", "debug"), "log level")

		authMode     = fs.String("auth-mode", envOr("SIGNALHUB_AUTH_MODE", "jwt"), "token verification mode: jwt|static-open|static-secrets")
		publicKeyURL = fs.String("public-key-url", envOr("SIGNALHUB_AUTH_PUBKEY_URL", ""), "URL serving {\"public_key\": \"<PEM>\"} for jwt auth mode")
		staticTokens = fs.StringToString("static-tokens", nil, "token=subject pairs for static-secrets auth mode")

		roomCapacity  = fs.Int("room-capacity", registry.DefaultCapacity, "maximum members per room")
		outboxSize    = fs.Int("outbox-size", registry.DefaultOutboxSize, "per-member outbound queue depth")
		rateLimitN    = fs.Int("rate-limit-n", 10, "frames admitted per rate limit window")
		rateLimitW    = fs.Duration("rate-limit-window", time.Second, "rate limit window duration")
		maxFrameBytes = fs.Int64("max-frame-bytes", wsServer.DefaultMaxFrameSize, "maximum accepted peer frame size, in bytes")

		sweepPeriod = fs.Duration("sweep-period", sweeper.DefaultPeriod, "idle room sweep interval")
		roomTTL     = fs.Duration("room-ttl", sweeper.DefaultTTL, "idle room time-to-live before eviction")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	verifier, err := buildVerifier(*authMode, *publicKeyURL, *staticTokens)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure token verifier")
	}

	reg := registry.New(registry.Config{Capacity: *roomCapacity})
	m := metrics.New()
	rt := router.New(reg, logger, m)

	svc := service.New(service.Config{
		Verifier:   verifier,
		Registry:   reg,
		Router:     rt,
		Logger:     logger,
		RateLimitN: *rateLimitN,
		RateLimitW: *rateLimitW,
		OutboxSize: *outboxSize,
	})

	wsSrv := wsServer.NewServer(wsServer.Config{
		Logger:           logger,
		SignalingService: svc,
		ListenAddr:       net.JoinHostPort(*host, *port),
		MaxFrameSize:     *maxFrameBytes,
		Metrics:          m,
	})
	adminSrv := adminServer.NewServer(adminServer.Config{
		Logger:     logger,
		Service:    svc,
		Metrics:    m,
		ListenAddr: *adminListenAddr,
	})
	sweep := sweeper.New(reg, sweeper.Config{
		Period:  *sweepPeriod,
		TTL:     *roomTTL,
		Logger:  logger,
		Metrics: m,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(3)
	go wsSrv.Run(ctx, wg, errc)
	go adminSrv.Run(ctx, wg, errc)
	go sweep.Run(ctx, wg)

	var failed bool
	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
		failed = true
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()

	if failed {
		os.Exit(1)
	}
}

// envOr returns the named environment variable's value, or fallback if
// unset, so flags can be overridden by the environment without pulling
// in a separate config-file layer.
func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

// buildVerifier selects the auth.Verifier implementation named by mode.
// static-open accepts any non-empty token; static-secrets requires a
// non-empty tokens map; jwt requires a public key URL to fetch from.
func buildVerifier(mode, publicKeyURL string, tokens map[string]string) (auth.Verifier, error) {
	switch strings.ToLower(mode) {
	case "jwt":
		if publicKeyURL == "" {
			return nil, errors.New("--public-key-url is required for auth-mode=jwt")
		}
		return auth.NewJWTVerifier(auth.JWTVerifierConfig{PublicKeyURL: publicKeyURL}), nil
	case "static-open":
		return &auth.StaticVerifier{}, nil
	case "static-secrets":
		if len(tokens) == 0 {
			return nil, errors.New("--static-tokens is required for auth-mode=static-secrets")
		}
		return &auth.StaticVerifier{Secrets: tokens}, nil
	default:
		return nil, fmt.Errorf("unknown auth-mode %q", mode)
	}
}
