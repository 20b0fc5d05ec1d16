package main

import (
	"context"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cartoon/internal/adapter/repo"
	"cartoon/internal/domain"
	"cartoon/internal/generation"
	"cartoon/internal/history"
	"cartoon/internal/http/handlers"
	httpapi "cartoon/internal/http/httpapi"
	"cartoon/internal/identity"
	"cartoon/internal/imagegen"
	"cartoon/internal/infra"
	"cartoon/internal/infra/geoip"
	"cartoon/internal/middleware"
	"cartoon/internal/presets"
	"cartoon/internal/sessions"
	"cartoon/internal/storage"
)

const sweepInterval = time.Minute

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.SetLevel(infra.NewLogger(cfg.AppEnv), cfg.LogLevel)
	if err := cfg.ValidateAPI(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	users, closeUsers, err := openUserStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open user store")
	}
	defer closeUsers()

	var countryLookup middleware.CountryLookup
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver != nil {
		countryLookup = resolver.CountryCode
		if closer, ok := resolver.(io.Closer); ok {
			defer closer.Close()
		}
	}

	apiLogger := logger.With().Str("component", "imagegen").Logger()
	api := imagegen.NewClient(imagegen.Options{
		BaseURL: cfg.GenerationAPIBaseURL,
		Timeout: cfg.GenerationAPITimeout,
		Logger:  &apiLogger,
	})

	catalog, err := presets.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load presets")
	}

	hist, err := history.NewService(api, cfg.HistoryCacheTTL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build history cache")
	}
	defer hist.Close()

	store, err := storage.NewFileStore(cfg.DownloadDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare download dir")
	}
	downloadClient := &http.Client{Timeout: cfg.GenerationAPITimeout}

	ctrlLogger := logger.With().Str("component", "generation").Logger()
	registry := sessions.NewRegistry(func(googleID string) *generation.Controller {
		l := ctrlLogger.With().Str("google_id", googleID).Logger()
		return generation.New(generation.Options{
			API:          api,
			Entitlements: api,
			Identity:     identity.ContextIdentity{},
			Presets:      catalog,
			Downloader:   generation.NewDownloader(downloadClient, store),
			Results:      hist,
			Logger:       &l,
			PollInterval: cfg.PollInterval,
			ProgressSpan: cfg.ProgressSpan,
			OnSuccess: func(string, string) {
				hist.Invalidate(googleID)
			},
		})
	}, cfg.SessionIdleTTL, logger)

	verifier, err := identity.NewVerifier(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build token verifier")
	}

	var google handlers.GoogleSignIn
	if cfg.GoogleClientID != "" {
		gv, err := identity.NewGoogleVerifier(identity.GoogleOptions{ClientID: cfg.GoogleClientID})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build google verifier")
		}
		google = gv
	} else {
		logger.Warn().Msg("GOOGLE_CLIENT_ID not set, Google sign-in disabled")
	}

	app := &handlers.App{
		Logger:       logger,
		Google:       google,
		Tokens:       verifier,
		Presets:      catalog,
		Sessions:     registry,
		Sync:         identity.NewSyncTracker(users),
		Entitlements: api,
		History:      hist,
		Locales:      middleware.NewLocales(cfg.SupportedLocales, cfg.DefaultLocale),
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		Verifier:        verifier,
		CountryLookup:   countryLookup,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr()).Int("presets", catalog.Len()).Msg("API listening")
		return server.Start()
	})
	g.Go(func() error {
		return registry.Run(gctx, sweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return
	}
	logger.Info().Msg("server stopped")
}

// openUserStore connects to Postgres when DATABASE_URL is set and falls back
// to an in-process store otherwise.
func openUserStore(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (domain.UserRepository, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, users are kept in memory")
		return repo.NewUserRepositoryMemory(), func() {}, nil
	}
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	users := repo.NewUserRepository(infra.NewSQLRunner(pool, logger))
	if err := users.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return users, pool.Close, nil
}
