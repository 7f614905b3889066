package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/wiggle/appconfig"
	"github.com/stevecastle/wiggle/auth"
	"github.com/stevecastle/wiggle/capability"
	depspkg "github.com/stevecastle/wiggle/deps"
	"github.com/stevecastle/wiggle/depthsource"
	"github.com/stevecastle/wiggle/jobqueue"
	"github.com/stevecastle/wiggle/middleware"
	"github.com/stevecastle/wiggle/platform"
	"github.com/stevecastle/wiggle/preview"
	"github.com/stevecastle/wiggle/runners"
	"github.com/stevecastle/wiggle/session"
	"github.com/stevecastle/wiggle/share"
	"github.com/stevecastle/wiggle/stream"
	"github.com/stevecastle/wiggle/tasks"
)

func initDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}
	log.Printf("Connected to SQLite database at: %s", dbPath)
	return db, nil
}

// newSessionManager builds the session manager from the render settings.
func newSessionManager(cfg appconfig.Config) (*session.Manager, error) {
	sampler, err := cfg.Sampler()
	if err != nil {
		return nil, err
	}
	prep, err := cfg.PrepareOptions()
	if err != nil {
		return nil, err
	}
	return session.NewManager(session.Options{
		Sampler: sampler,
		Prepare: prep,
		Config:  cfg.Parallax(),
		Cycle:   cfg.Cycle(),
	}), nil
}

// applyLaneLimits overrides the queue's per-lane concurrency. Negative
// limits are ignored.
func applyLaneLimits(q *jobqueue.Queue, limits map[string]int) {
	for lane, limit := range limits {
		if limit < 0 {
			log.Printf("Ignoring negative limit %d for lane %q", limit, lane)
			continue
		}
		q.SetLaneLimit(lane, limit)
	}
}

// newEnv resolves the encoding runtime and the optional remote services.
func newEnv(ctx context.Context, cfg appconfig.Config, sessions *session.Manager) tasks.Env {
	desc, err := capability.Detect(ctx)
	if err != nil {
		log.Printf("ffmpeg detection failed, video export disabled: %v", err)
		desc = capability.Static("", nil, nil)
	}
	desc.Share = cfg.ShareEnabled()
	env := tasks.Env{Sessions: sessions, Capability: desc}

	if cfg.DepthService.APIKey != "" {
		client, err := depthsource.New(cfg.DepthOptions(), nil)
		if err != nil {
			log.Printf("depth service disabled: %v", err)
		} else {
			env.Depth = client
		}
	} else {
		log.Println("No depth service key configured; uploads need a depth map")
	}

	if cfg.ShareEnabled() {
		target, err := share.NewS3Target(ctx, cfg.S3Options())
		if err != nil {
			log.Printf("share target disabled: %v", err)
			env.Capability.Share = false
		} else {
			env.Sharer = target
		}
	}
	return env
}

// routes wires every handler. Only /login, /stream and /health are public.
func routes(deps *Dependencies, previewOpts preview.Options) *http.ServeMux {
	user := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.ApplyMiddlewares(h, middleware.RoleUser)
	}
	public := func(h http.HandlerFunc) http.HandlerFunc {
		return middleware.ApplyMiddlewares(h, middleware.RolePublic)
	}

	mux := http.NewServeMux()
	if deps.Auth != nil {
		mux.HandleFunc("/login", public(deps.Auth.LoginHandler()))
	}
	mux.HandleFunc("/session", user(createSessionHandler(deps)))
	mux.HandleFunc("/sessions", user(listSessionsHandler(deps)))
	mux.HandleFunc("/session/{id}", user(sessionHandler(deps)))
	mux.HandleFunc("/session/{id}/reset", user(resetSessionHandler(deps)))
	mux.HandleFunc("/session/{id}/config", user(sessionConfigHandler(deps)))
	mux.HandleFunc("/session/{id}/frame", user(preview.FrameHandler(deps.Sessions)))
	mux.HandleFunc("/session/{id}/depth", user(preview.DepthHandler(deps.Sessions)))
	mux.HandleFunc("/session/{id}/preview", user(preview.MJPEGHandler(deps.Sessions, previewOpts)))
	mux.HandleFunc("/session/{id}/export", user(exportHandler(deps)))
	mux.HandleFunc("/jobs", user(jobsHandler(deps)))
	mux.HandleFunc("/jobs/clear", user(clearNonRunningJobsHandler(deps)))
	mux.HandleFunc("/job/{id}", user(jobHandler(deps)))
	mux.HandleFunc("/job/{id}/cancel", user(cancelHandler(deps)))
	mux.HandleFunc("/job/{id}/copy", user(copyHandler(deps)))
	mux.HandleFunc("/job/{id}/remove", user(removeHandler(deps)))
	mux.HandleFunc("/job/{id}/artifact", user(artifactHandler(deps)))
	mux.HandleFunc("/tasks", user(tasksHandler()))
	mux.HandleFunc("/config", user(configHandler()))
	mux.HandleFunc("/dependencies/{id}/download", user(downloadDependencyHandler(deps)))
	mux.HandleFunc("/stream", public(deps.Hub.Handler()))
	mux.HandleFunc("/health", public(healthHandler(deps)))
	return mux
}

func main() {
	configDir := flag.String("config-dir", "", "directory holding config.json (default: platform data dir)")
	addr := flag.String("addr", "", "listen address (overrides config listenAddr)")
	open := flag.Bool("open", false, "open the health page in the browser once listening")
	flag.Parse()

	if *configDir != "" {
		appconfig.SetConfigDir(*configDir)
	}
	cfg, cfgPath, err := appconfig.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Using config %s", cfgPath)
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	depspkg.SetOverride("ffmpeg", cfg.FFmpegPath)

	// ––– database, queue and runners –––
	db, err := initDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	queue := jobqueue.NewQueueWithDB(db)
	applyLaneLimits(queue, cfg.Jobs.LaneLimits)
	log.Printf("Job queue initialized. Current jobs: %d", len(queue.GetJobs()))

	sessions, err := newSessionManager(cfg)
	if err != nil {
		log.Fatalf("Invalid render settings: %v", err)
	}

	detectCtx, cancelDetect := context.WithTimeout(context.Background(), 15*time.Second)
	env := newEnv(detectCtx, cfg, sessions)
	cancelDetect()
	tasks.SetEnv(env)
	if env.Capability.CanEncodeVideo() {
		log.Printf("Video export via %s", env.Capability.FFmpegPath)
	}

	currentRunners := runners.New(queue)

	// ––– auth –––
	authSvc := auth.NewAuthService(db, cfg.JWTSecret)
	if err := authSvc.EnsureSchema(); err != nil {
		log.Fatalf("Failed to create users table: %v", err)
	}
	if pw, err := authSvc.CreateDefaultUser(""); err != nil {
		log.Fatalf("Failed to create default user: %v", err)
	} else if pw != "" {
		log.Printf("Created user \"admin\" with password %s (shown once)", pw)
	}
	middleware.AuthMiddleware = func(h http.Handler, role middleware.AuthRole) http.Handler {
		return authSvc.Middleware(h)
	}

	deps := &Dependencies{
		Queue:    queue,
		DB:       db,
		Sessions: sessions,
		Auth:     authSvc,
		Hub:      stream.Default,
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: routes(deps, preview.Options{}),
	}
	go func() {
		log.Printf("Listening on http://%s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("wiggle-server: %v", err)
		}
	}()
	if *open {
		if err := platform.OpenURL("http://" + cfg.ListenAddr + "/health"); err != nil {
			log.Printf("open browser: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	shutdown(srv, deps, currentRunners)
}

// shutdown stops the server in the order that loses the least work: running
// jobs are cancelled, runners drained, streams closed, the queue saved and
// finally the HTTP server stopped.
func shutdown(srv *http.Server, deps *Dependencies, r *runners.Runners) {
	log.Println("Shutting down wiggle server...")

	for _, job := range deps.Queue.GetJobs() {
		if job.State == jobqueue.StateInProgress {
			_ = deps.Queue.CancelJob(job.ID)
		}
	}
	log.Println("Shutting down job runners...")
	r.Shutdown()

	log.Println("Shutting down stream connections...")
	deps.Hub.Close()

	log.Println("Saving job queue to database...")
	if err := deps.Queue.SaveAllJobsToDB(); err != nil {
		log.Printf("Error saving jobs to database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Wiggle server shutdown complete")
}
