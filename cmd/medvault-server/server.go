package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/ledger"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/websocket"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// store is an opened substrate plus what the server needs around it.
type store struct {
	repo   ledger.Repository
	pinger db.Pinger
	close  func()
}

// events returns the queryable event stream, when the backend keeps one.
func (s *store) events() (ledger.EventLog, bool) {
	el, ok := s.repo.(ledger.EventLog)
	return el, ok
}

func repoPinger(repo ledger.Repository) db.Pinger {
	return db.PingFunc(func(ctx context.Context) error {
		return repo.View(ctx, func(ledger.Reader) error { return nil })
	})
}

func openStore(ctx context.Context, cfg *config.Config) (*store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		repo := ledger.NewMemoryRepository()
		return &store{repo: repo, pinger: repoPinger(repo), close: func() {}}, nil

	case config.BackendLevelDB:
		repo, err := ledger.OpenLevelDBRepository(cfg.LevelDBPath)
		if err != nil {
			return nil, err
		}
		return &store{repo: repo, pinger: repoPinger(repo), close: func() { repo.Close() }}, nil

	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
			Schema:   cfg.DBSchema,
		})
		if err != nil {
			return nil, err
		}
		return &store{repo: ledger.NewPostgresRepository(pool), pinger: pool, close: pool.Close}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(auth.DefaultPrincipalHeader)
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

// newServer assembles the HTTP surface around an already-built Ledger.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *ledger.Ledger, st *store, feed *websocket.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(middleware.SecurityConfig{HSTS: cfg.IsProduction()}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader, auth.DefaultPrincipalHeader},
	}))
	e.Use(echomw.BodyLimit("64K"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StoreBackend, st.pinger))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 || rateLimitCfg.BurstSize <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		middleware.RateLimit(rateLimitCfg),
		middleware.Audit(logger),
	)
	ledger.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewHandler(feed, cfg.CORSOrigins).RegisterRoutes(apiV1)

	return e
}
