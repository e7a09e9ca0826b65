package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/vulntrack/internal/advisor"
	"github.com/example/vulntrack/internal/cache"
	cfg "github.com/example/vulntrack/internal/config"
	"github.com/example/vulntrack/internal/engine"
	"github.com/example/vulntrack/internal/index"
	"github.com/example/vulntrack/internal/osv"
	"github.com/example/vulntrack/internal/ratelimit"
	"github.com/example/vulntrack/internal/registry"
	"github.com/example/vulntrack/internal/tracker"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"
)

type App struct {
	DB       DB
	Tracker  *tracker.Tracker
	throttle *RateLimiter
	log      *slog.Logger

	jwtSecret []byte
	tokenTTL  time.Duration
	validate  *validator.Validate
}

// sweeper is a cache whose expired entries are collected in the background.
type sweeper interface {
	cache.Cache
	Run(ctx context.Context, interval time.Duration)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func openDB(c *cfg.Config, log *slog.Logger) (DB, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteDB(c.SQLiteFile)
	case "postgres":
		log.Info("applying database migrations")
		if err := ApplyMigrations("./migrations", c.PostgresDSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := NewPostgresDB(c.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("connected to PostgreSQL")
		return p, nil
	case "memory":
		log.Warn("using in-memory user store, accounts are lost on restart")
		return NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}
}

func openCache(c *cfg.Config, log *slog.Logger) (sweeper, error) {
	if c.CacheBackend == "badger" {
		return cache.OpenBadger(cache.BadgerConfig{Path: c.CachePath, Logger: log.With("component", "badger")})
	}
	return cache.NewMemory(), nil
}

func newRouter(app *App) *mux.Router {
	r := mux.NewRouter()
	r.Use(SecurityHeaders)
	r.Use(app.Logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if p, ok := app.DB.(interface{ ping() bool }); ok && !p.ping() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Use(app.Throttle)
	auth.HandleFunc("/login", app.HandleLogin).Methods("POST")
	auth.HandleFunc("/logout", app.HandleLogout).Methods("POST")
	auth.Handle("/me", app.Authenticate(http.HandlerFunc(app.HandleMe))).Methods("GET")

	apps := r.PathPrefix("/applications").Subrouter()
	apps.Use(app.Throttle)
	apps.Use(app.Authenticate)
	for _, root := range []string{"", "/"} {
		apps.HandleFunc(root, app.HandleListApplications).Methods("GET")
		apps.HandleFunc(root, app.HandleCreateApplication).Methods("POST")
	}
	apps.HandleFunc("/{id}", app.HandleGetApplication).Methods("GET")
	apps.HandleFunc("/{id}", app.HandleUpdateApplication).Methods("PUT")
	apps.HandleFunc("/{id}", app.HandleDeleteApplication).Methods("DELETE")
	apps.HandleFunc("/{id}/dep", app.HandleGetApplicationDependencies).Methods("GET")

	deps := r.PathPrefix("/dependencies").Subrouter()
	deps.Use(app.Throttle)
	deps.Use(app.Authenticate)
	for _, root := range []string{"", "/"} {
		deps.HandleFunc(root, app.HandleListDependencies).Methods("GET")
	}
	// registered before /{package} so the literal segments win
	deps.HandleFunc("/vulns/{id}", app.HandleGetVulnerability).Methods("GET")
	deps.HandleFunc("/alternate/{package}", app.HandleSuggestAlternatives).Methods("GET")
	deps.HandleFunc("/{package}", app.HandleGetDependency).Methods("GET")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	log := newLogger(c.LogLevel)
	slog.SetDefault(log)

	db, err := openDB(c, log)
	if err != nil {
		log.Error("database init", "adapter", c.DBAdapter, "error", err)
		os.Exit(1)
	}

	store, err := openCache(c, log)
	if err != nil {
		log.Error("cache init", "backend", c.CacheBackend, "error", err)
		os.Exit(1)
	}

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go store.Run(bg, time.Minute)

	limiter := ratelimit.New(c.RateLimitMaxRequests, c.RateLimitWindow)
	go limiter.Run(bg, c.RateLimitWindow)

	authority := osv.NewClient(osv.Config{
		OSVBaseURL:        c.OSVBaseURL,
		PyPIBaseURL:       c.PyPIBaseURL,
		Timeout:           c.UpstreamTimeout,
		RequestsPerSecond: c.UpstreamRPS,
	})

	ix := index.New()
	reg := registry.New()
	sched := engine.NewScheduler(c.ReconcileWorkers, log)
	eng := engine.New(ix, reg, authority, sched, log)

	deps := tracker.Deps{
		Registry:  reg,
		Index:     ix,
		Engine:    eng,
		Cache:     cache.NewLoader(store, c.CacheExpire, log),
		Limiter:   limiter,
		Authority: authority,
		Logger:    log,
	}
	if c.OpenAIAPIKey != "" {
		adv, err := advisor.NewOpenAI(advisor.Config{
			APIKey:  c.OpenAIAPIKey,
			BaseURL: c.OpenAIBaseURL,
			Model:   c.OpenAIModel,
		}, log)
		if err != nil {
			log.Error("advisor init", "error", err)
			os.Exit(1)
		}
		deps.Advisor = adv
	} else {
		log.Info("OPENAI_API_KEY not set, alternatives are disabled")
	}

	throttle := NewRateLimiter(c.RequestsPerMinute)
	go throttle.run(bg, time.Minute)

	app := &App{
		DB:        db,
		Tracker:   tracker.New(deps),
		throttle:  throttle,
		log:       log,
		jwtSecret: []byte(c.JwtSecret),
		tokenTTL:  c.AccessTokenTTL,
		validate:  validator.New(),
	}

	srv := &http.Server{
		Handler:      newRouter(app),
		Addr:         ":" + c.Port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("starting server", "port", c.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	// pending reconciliations finish before the stores go away
	if err := sched.Shutdown(ctx); err != nil {
		log.Warn("reconciliation jobs abandoned", "error", err)
	}
	stopBackground()
	if err := store.Close(); err != nil {
		log.Warn("cache close", "error", err)
	}
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	log.Info("server exited properly")
}
