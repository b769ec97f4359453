package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promptctf/webapi/internal/auth"
	"promptctf/webapi/internal/challenge"
	"promptctf/webapi/internal/chat"
	"promptctf/webapi/internal/config"
	"promptctf/webapi/internal/ctfd"
	"promptctf/webapi/internal/httputil"
	"promptctf/webapi/internal/itsdangerous"
	"promptctf/webapi/internal/metrics"
	"promptctf/webapi/internal/relay"
	"promptctf/webapi/internal/scoring"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides PROMPTCTF_CONFIG env var)")
	flag.Parse()

	// Config path: CLI flag > env var > default
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("PROMPTCTF_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Msg("server configuration")
	log.Info().
		Int("challenge_id", cfg.Challenge.ID).
		Str("challenge_name", cfg.Challenge.Name).
		Str("auth_type", string(cfg.Challenge.AuthType)).
		Msg("challenge configuration")
	log.Info().
		Bool("auto_scorer", cfg.Challenge.Scorer != nil).
		Bool("human_scorer", cfg.Challenge.HumanScorer != nil).
		Bool("flag_submission", cfg.Challenge.Ctfd != nil).
		Bool("rag_input", cfg.Challenge.RagInput != nil).
		Bool("xss_vulnerable", cfg.Challenge.XssVulnerable).
		Msg("feature flags")

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)
	tracker := metrics.NewSessionTracker()

	// Mode-specific auth plumbing. The signer salt differs per mode; the
	// identity cache and Redis store exist only in CTFd mode.
	var (
		signer       *itsdangerous.Signer
		identities   *auth.IdentityCache
		sessionStore auth.SessionStore
		redisStore   *auth.RedisSessionStore
	)
	switch cfg.Challenge.AuthType {
	case config.AuthCtfd:
		signer, err = itsdangerous.New(itsdangerous.CtfdSalt, cfg.Challenge.Ctfd.SecretKey)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create ctfd cookie signer")
		}
		identities = auth.NewIdentityCache(0, 0)
		redisStore = auth.NewRedisSessionStore(cfg.Challenge.Ctfd.Redis)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			cancel()
			log.Fatal().Err(err).Str("addr", cfg.Challenge.Ctfd.Redis.Addr).Msg("session store is unreachable")
		}
		cancel()
		sessionStore = redisStore
		log.Info().Str("redis_addr", cfg.Challenge.Ctfd.Redis.Addr).Msg("ctfd session store connected")
	case config.AuthChallengeHome:
		signer, err = itsdangerous.New(itsdangerous.ChallengeHomeSalt, cfg.Challenge.ChallengeHome.SecretKey)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create challenge home cookie signer")
		}
	}

	hub := relay.NewHub(tracker, log.Logger)
	flags := ctfd.NewClient(cfg.Challenge.Ctfd, hub, log.Logger)
	completer := scoring.NewHTTPCompleter(cfg.Service.CompletionEndpoint)
	scorer := scoring.NewEngine(cfg.Challenge.Scorer, completer, flags, log.Logger)
	responder := chat.NewCompletionResponder(completer)

	store := chat.NewMemoryStore()
	chatHandler := chat.NewHandler(cfg, store, store, store, hub, hub, responder, scorer, flags)
	challengeHandler := challenge.NewHandler(cfg, store, store, store, hub, flags)
	resolver := auth.NewResolver(cfg, signer, identities, sessionStore, tracker, log.Logger)

	// Authenticated surface behind the resolver.
	authed := http.NewServeMux()
	chatHandler.Register(authed)
	challengeHandler.Register(authed)

	// Public surface: health, metrics, and the scorer callback (the
	// human scorer has no user session; the scoring key guards it).
	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.Handler())
	root.HandleFunc("GET /healthz", handleHealth)
	root.HandleFunc("GET /readyz", handleHealth)
	root.HandleFunc("POST /chats/{chatId}/scoring/receive", challengeHandler.ReceiveVerdict)
	root.Handle("/", resolver.Middleware(authed))

	handler := httputil.RequestIDMiddleware(log.Logger)(root)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("promptctf webapi listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}
		if redisStore != nil {
			redisStore.Close()
		}
		log.Info().Msg("shutdown complete")
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
