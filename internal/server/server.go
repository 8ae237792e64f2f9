package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/robfig/cron/v3"

	"projectshelf/internal/config"
	"projectshelf/internal/database"
	"projectshelf/internal/docker"
	"projectshelf/internal/logging"
	"projectshelf/internal/progress"
	"projectshelf/internal/systemcheck"
	"projectshelf/internal/update"
	"projectshelf/internal/version"
)

const sessionName = "projectshelf-session"

// HistoryReader lists recent update runs.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]database.UpdateHistory, error)
}

// Components are the collaborators the server exposes over HTTP.
type Components struct {
	Tracker  *progress.Tracker
	Resolver *update.Resolver
	Executor *update.Executor
	History  HistoryReader
	// DockerPing reports whether the Docker daemon answers. Optional.
	DockerPing func(ctx context.Context) error
	// Checks verifies host prerequisites for deployment info. Optional.
	Checks *systemcheck.Runner
}

// Server represents the HTTP server
type Server struct {
	config       *config.Config
	sessionStore *sessions.CookieStore

	tracker  *progress.Tracker
	resolver *update.Resolver
	executor *update.Executor
	history  HistoryReader
	ping     func(ctx context.Context) error
	checks   *systemcheck.Runner

	db           *sql.DB
	dockerClient *docker.Client
	scheduler    *cron.Cron
	httpServer   *http.Server
}

// New wires the updater from cfg: database, restart confirmation, release
// lookup and the executor.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	history := database.NewHistoryStore(db)

	current := version.Current()
	tracker := progress.NewTracker()
	if run, err := update.ConfirmRestart(ctx, history, tracker, current); err != nil {
		logging.Warnf("Failed to confirm previous update: %v", err)
	} else if run != nil {
		logging.Infof("Previous update %s settled as %s", run.RunID, run.Status)
	}

	var engine docker.Engine
	dockerClient, err := docker.NewClient(ctx)
	if err != nil {
		logging.Warnf("Docker is not available: %v", err)
		dockerClient = nil
	} else {
		engine = dockerClient
	}

	source := update.NewGitHubSource(cfg.Update.Owner, cfg.Update.Repo)
	if cfg.Update.APIBaseURL != "" {
		source.BaseURL = cfg.Update.APIBaseURL
	}
	resolver := update.NewResolver(source, current, cfg.Update.CacheTTL)

	signals := func(ctx context.Context) update.Signals {
		return update.DetectSignals(ctx, update.SignalInputs{
			DockerEnv:  cfg.DockerEnv,
			Production: cfg.Production(),
		})
	}

	executor := update.NewExecutor(tracker,
		update.NewStrategyFactory(cfg.Update, engine),
		current,
		update.NewExecutorConfig(cfg.Update),
		update.WithHistory(history),
		update.WithSignals(signals),
		update.WithLatestVersion(resolver.LatestVersion),
		update.WithPreflight(update.DiskPreflight(cfg.Update.BackupDir, cfg.Update.MinFreeBytes)),
	)

	c := Components{
		Tracker:  tracker,
		Resolver: resolver,
		Executor: executor,
		History:  history,
		Checks:   systemcheck.NewRunner(cfg.Update),
	}
	if dockerClient != nil {
		c.DockerPing = dockerClient.Ping
	}

	s := NewWithComponents(cfg, c)
	s.db = db
	s.dockerClient = dockerClient

	if err := s.startScheduler(cfg.Update.CheckSchedule); err != nil {
		s.Shutdown(ctx)
		return nil, err
	}
	return s, nil
}

// NewWithComponents creates a server around existing components.
func NewWithComponents(cfg *config.Config, c Components) *Server {
	s := &Server{
		config:       cfg,
		sessionStore: sessions.NewCookieStore(sessionKey(cfg.SessionSecret)),
		tracker:      c.Tracker,
		resolver:     c.Resolver,
		executor:     c.Executor,
		history:      c.History,
		ping:         c.DockerPing,
		checks:       c.Checks,
	}
	s.sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 7,
		HttpOnly: true,
		Secure:   cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	}

	addr := cfg.ListenAddr
	if addr == "" {
		addr = config.DefaultListenAddr
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func sessionKey(secret string) []byte {
	if secret != "" {
		return []byte(secret)
	}
	logging.Warnf("SESSION_SECRET is not set; sessions will not survive a restart")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("failed to generate session key: %v", err))
	}
	return key
}

// Handler returns the routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/admin/login", s.handleAdminLogin)
	mux.HandleFunc("/api/admin/logout", s.handleAdminLogout)

	mux.HandleFunc("/api/admin/version", s.AdminRequiredMiddleware(s.handleVersion))
	mux.HandleFunc("/api/admin/version/progress", s.AdminRequiredMiddleware(s.handleProgress))
	mux.HandleFunc("/api/admin/version/cancel", s.AdminRequiredMiddleware(s.handleCancel))
	mux.HandleFunc("/api/admin/version/deployment-info", s.AdminRequiredMiddleware(s.handleDeploymentInfo))
	mux.HandleFunc("/api/admin/version/history", s.AdminRequiredMiddleware(s.handleHistory))

	return s.RequestLoggingMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	logging.Infof("Starting server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and releases resources. An in-flight update
// keeps running until the process exits.
func (s *Server) Shutdown(ctx context.Context) {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Errorf("HTTP shutdown failed: %v", err)
	}
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
	}
	if s.resolver != nil {
		s.resolver.Close()
	}
	if s.dockerClient != nil {
		s.dockerClient.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}
