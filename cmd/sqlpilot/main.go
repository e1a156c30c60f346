package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/term"

	"sqlpilot/internal/api"
	"sqlpilot/internal/audit"
	"sqlpilot/internal/config"
	"sqlpilot/internal/data"
	"sqlpilot/internal/guard"
	"sqlpilot/internal/llm"
	"sqlpilot/internal/logger"
	"sqlpilot/internal/metrics"
	"sqlpilot/internal/ratelimit"
	"sqlpilot/internal/service"
	"sqlpilot/internal/tunnel"
)

func main() {
	// Check for CLI subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "reset-password":
			handleResetPassword(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Printf("Unknown command: %s\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	if err := startServer(); err != nil {
		fmt.Fprintf(os.Stderr, "sqlpilot: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Println("SQLPilot - natural language queries over your databases")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sqlpilot                         Start the server")
	fmt.Println("  sqlpilot reset-password -u <user>  Reset user password (interactive)")
	fmt.Println("  sqlpilot help                    Show this help")
}

func handleResetPassword(args []string) {
	fs := flag.NewFlagSet("reset-password", flag.ExitOnError)
	username := fs.String("u", "", "Username to reset")
	fs.Parse(args)

	if *username == "" {
		fmt.Println("Usage: sqlpilot reset-password -u <username>")
		os.Exit(1)
	}

	fmt.Print("New password: ")
	passBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Failed to read password: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Printf("Failed to read password: %v\n", err)
		os.Exit(1)
	}
	if string(passBytes) != string(confirmBytes) {
		fmt.Println("Passwords do not match.")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := data.InitDB(ctx, cfg.DataPath)
	if err != nil {
		fmt.Printf("Failed to init database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	authSvc := service.NewAuthService(data.NewUserRepo(db))
	if err := authSvc.ResetPassword(ctx, *username, string(passBytes)); err != nil {
		fmt.Printf("Failed to reset password: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Password for user '%s' has been reset successfully.\n", *username)
}

func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w\nCheck .env file or SQLPILOT_KEY environment variable", err)
	}

	log, flush, err := logger.New(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer flush()
	log.Info("Starting SQLPilot...", zap.Int("port", cfg.Port), zap.String("llm_provider", cfg.LLM.Provider))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx := context.Background()
	db, err := data.InitDB(ctx, cfg.DataPath)
	if err != nil {
		return fmt.Errorf("failed to init database: %w", err)
	}
	defer db.Close()

	codec, err := service.NewEncryptionService(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("failed to init crypto service: %w", err)
	}

	userRepo := data.NewUserRepo(db)
	targetRepo := data.NewTargetRepo(db)
	attemptRepo := data.NewQueryAttemptRepo(db)

	sink := audit.NewSink(log, data.NewSecurityEventRepo(db), m, 256)

	tunnels, err := tunnel.NewManager(cfg.SSH, codec, log, m)
	if err != nil {
		return err
	}

	provider, err := llm.New(cfg.LLM, log, m)
	if err != nil {
		return err
	}

	limiters, err := newLimiterFactory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer limiters.Close()

	testWindow := limiters.window(cfg.Limits.TestWindow)
	exec := service.NewQueryExecutor(codec, tunnels, cfg.Limits, log, m)
	generator := service.NewGenerator(provider, exec, sink, cfg.Security.MaxPolicy, log)
	pipeline := service.NewPipeline(targetRepo, attemptRepo, guard.New(sink), generator, exec,
		service.NewShaper(provider, log),
		ratelimit.Gate{Scope: "ask", Limiter: limiters.window(cfg.Limits.AskWindow), Limit: cfg.Limits.AskPerWindow},
		service.Quota{Limit: cfg.Limits.AskPerWindow, Window: cfg.Limits.AskWindow},
		log, m)
	targets := service.NewTargetService(targetRepo, codec, exec, tunnels,
		ratelimit.Gate{Scope: "test-connection", Limiter: testWindow, Limit: cfg.Limits.TestPerWindow},
		ratelimit.Gate{Scope: "test-ssh", Limiter: testWindow, Limit: cfg.Limits.TestPerWindow},
		cfg.Security.MaxPolicy, log, m)

	authSvc := service.NewAuthService(userRepo)
	if ok, err := authSvc.HasUsers(ctx); err == nil && !ok {
		log.Info("No users yet. Create the first account with POST /api/auth/signup")
	}

	handler := api.NewHandler(api.Deps{
		Pipeline:    pipeline,
		Targets:     targets,
		Auth:        api.NewAuthHandler(authSvc, cfg.MasterKey, cfg.CookieSecure, log),
		LoginGate:   ratelimit.Gate{Scope: "login", Limiter: limiters.window(time.Minute), Limit: cfg.Limits.LoginPerWindow},
		Metrics:     m,
		Gatherer:    reg,
		CORSOrigins: splitOrigins(cfg.CORSOrigins),
		Logger:      log,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown channel
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		log.Error("Server startup failed", zap.Error(err))
		return err
	}
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	tunnels.CloseAll(shutdownCtx)
	if err := sink.Close(shutdownCtx); err != nil {
		log.Warn("Security events may have been lost", zap.Error(err))
	}
	log.Info("Server stopped")
	return nil
}

// limiterFactory hands out one limiter per window length, backed by Redis when configured.
type limiterFactory struct {
	client *redis.Client
	log    *zap.Logger
	max    int
	byWin  map[time.Duration]ratelimit.Limiter
}

func newLimiterFactory(ctx context.Context, cfg *config.Config, log *zap.Logger) (*limiterFactory, error) {
	f := &limiterFactory{log: log, max: cfg.Limits.MaxTrackedIdentities, byWin: make(map[time.Duration]ratelimit.Limiter)}
	if cfg.RedisURL == "" {
		return f, nil
	}

	client, err := ratelimit.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	log.Info("Using Redis rate limiter", zap.String("addr", client.Options().Addr))
	f.client = client
	return f, nil
}

func (f *limiterFactory) window(win time.Duration) ratelimit.Limiter {
	if l, ok := f.byWin[win]; ok {
		return l
	}
	var l ratelimit.Limiter
	if f.client != nil {
		l = ratelimit.NewRedisWindowWithClient(f.client, win, nil, f.log)
	} else {
		l = ratelimit.NewSlidingWindow(win, f.max, nil)
	}
	f.byWin[win] = l
	return l
}

func (f *limiterFactory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
