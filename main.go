package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"hashpass/internal/audit"
	"hashpass/internal/blacklist"
	"hashpass/internal/config"
	"hashpass/internal/httpapi"
	"hashpass/internal/hub"
	"hashpass/internal/logger"
	"hashpass/internal/puzzle"
	"hashpass/internal/session"
	"hashpass/internal/turnstile"
	"hashpass/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defaults := config.Defaults()

	app := &cli.App{
		Name:  "hashpass",
		Usage: "proof-of-work invite code distribution server",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", EnvVars: []string{"HASHPASS_PORT"}, Value: defaults.Server.Port, Usage: "HTTP listen port"},
			&cli.StringFlag{Name: "admin-token", EnvVars: []string{"HASHPASS_ADMIN_TOKEN"}, Usage: "bearer token for the admin surface (unset disables it)"},

			&cli.IntFlag{Name: "difficulty", EnvVars: []string{"HASHPASS_DIFFICULTY"}, Value: defaults.Puzzle.Difficulty, Usage: "starting difficulty in leading zero bits"},
			&cli.IntFlag{Name: "min-difficulty", EnvVars: []string{"HASHPASS_MIN_DIFFICULTY"}, Value: defaults.Puzzle.MinDifficulty},
			&cli.IntFlag{Name: "max-difficulty", EnvVars: []string{"HASHPASS_MAX_DIFFICULTY"}, Value: defaults.Puzzle.MaxDifficulty},
			&cli.IntFlag{Name: "target-time-min", EnvVars: []string{"HASHPASS_TARGET_TIME_MIN"}, Value: defaults.Puzzle.TargetTimeMin, Usage: "lower edge of the solve-time window (s)"},
			&cli.IntFlag{Name: "target-time-max", EnvVars: []string{"HASHPASS_TARGET_TIME_MAX"}, Value: defaults.Puzzle.TargetTimeMax, Usage: "upper edge of the solve-time window and puzzle timeout (s)"},

			&cli.IntFlag{Name: "argon2-time-cost", EnvVars: []string{"HASHPASS_ARGON2_TIME_COST"}, Value: defaults.Puzzle.Argon2TimeCost},
			&cli.IntFlag{Name: "argon2-memory-cost", EnvVars: []string{"HASHPASS_ARGON2_MEMORY_COST"}, Value: defaults.Puzzle.Argon2MemoryCost, Usage: "argon2 memory cost in KiB"},
			&cli.IntFlag{Name: "argon2-parallelism", EnvVars: []string{"HASHPASS_ARGON2_PARALLELISM"}, Value: defaults.Puzzle.Argon2Parallelism},

			&cli.IntFlag{Name: "worker-count", EnvVars: []string{"HASHPASS_WORKER_COUNT"}, Value: defaults.Puzzle.WorkerCount, Usage: "recommended client worker count"},
			&cli.Float64Flag{Name: "max-nonce-speed", EnvVars: []string{"HASHPASS_MAX_NONCE_SPEED"}, Value: defaults.Puzzle.MaxNonceSpeed, Usage: "nonce/s plausibility ceiling, 0 disables"},
			&cli.StringFlag{Name: "hmac-secret", EnvVars: []string{"HASHPASS_HMAC_SECRET"}, Usage: "hex invite-code key, empty generates one at startup"},
			&cli.BoolFlag{Name: "timeout-consolation", EnvVars: []string{"HASHPASS_TIMEOUT_CONSOLATION"}, Usage: "mint a consolation code for the best submitter on timeout"},

			&cli.StringFlag{Name: "turnstile-site-key", EnvVars: []string{"TURNSTILE_SITE_KEY"}},
			&cli.StringFlag{Name: "turnstile-secret-key", EnvVars: []string{"TURNSTILE_SECRET_KEY"}},
			&cli.BoolFlag{Name: "turnstile-test-mode", EnvVars: []string{"TURNSTILE_TEST_MODE"}, Usage: "use Cloudflare's always-pass test keys"},

			&cli.StringFlag{Name: "webhook-url", EnvVars: []string{"WEBHOOK_URL"}, Usage: "win notification endpoint, empty disables"},
			&cli.StringFlag{Name: "webhook-token", EnvVars: []string{"WEBHOOK_TOKEN"}},

			&cli.StringFlag{Name: "log-level", EnvVars: []string{"HASHPASS_LOG_LEVEL"}, Value: defaults.App.LogLevel},
			&cli.StringFlag{Name: "data-dir", EnvVars: []string{"HASHPASS_DATA_DIR"}, Value: defaults.App.DataDir, Usage: "directory for logs, audit journal, and blacklist"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:       c.Int("port"),
			AdminToken: c.String("admin-token"),
		},
		Puzzle: config.PuzzleConfig{
			Difficulty:         c.Int("difficulty"),
			MinDifficulty:      c.Int("min-difficulty"),
			MaxDifficulty:      c.Int("max-difficulty"),
			TargetTimeMin:      c.Int("target-time-min"),
			TargetTimeMax:      c.Int("target-time-max"),
			Argon2TimeCost:     c.Int("argon2-time-cost"),
			Argon2MemoryCost:   c.Int("argon2-memory-cost"),
			Argon2Parallelism:  c.Int("argon2-parallelism"),
			WorkerCount:        c.Int("worker-count"),
			MaxNonceSpeed:      c.Float64("max-nonce-speed"),
			HMACSecret:         c.String("hmac-secret"),
			TimeoutConsolation: c.Bool("timeout-consolation"),
		},
		Turnstile: config.TurnstileConfig{
			SiteKey:   c.String("turnstile-site-key"),
			SecretKey: c.String("turnstile-secret-key"),
			TestMode:  c.Bool("turnstile-test-mode"),
		},
		Webhook: config.WebhookConfig{
			URL:   c.String("webhook-url"),
			Token: c.String("webhook-token"),
		},
		App: config.AppConfig{
			LogLevel: c.String("log-level"),
			DataDir:  c.String("data-dir"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.LogDir(), cfg.App.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Close()

	log.Infof("main", "starting hashpass on port %d (difficulty %d, window %d-%ds)",
		cfg.Server.Port, cfg.Puzzle.Difficulty, cfg.Puzzle.TargetTimeMin, cfg.Puzzle.TargetTimeMax)
	if cfg.Server.AdminToken == "" {
		log.Warn("main", "admin token not set, admin surface disabled")
	}

	state := puzzle.NewState(&cfg.Puzzle, log)
	verifier := puzzle.NewVerifier(log)
	minter := puzzle.NewMinter(cfg.HMACKey())

	sessions := session.NewRegistry(log)
	bans := blacklist.New(cfg.BlacklistPath(), log)
	if err := bans.Load(); err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}

	auditLog := audit.New(cfg.AuditPath(), log)
	state.SeedEMA(auditLog.RecentSolveTimes(20))

	ts := turnstile.New(&cfg.Turnstile, log)
	notifier := webhook.New(&cfg.Webhook, log)
	rates := hub.NewAggregator(log)
	h := hub.New(state, sessions, bans, ts, rates, cfg.Server.AdminToken, log)

	srv := httpapi.NewServer(cfg, state, verifier, minter, sessions, bans, ts, h, rates, auditLog, notifier, log)

	watcher := puzzle.NewWatcher(state, time.Second, srv.HandleTimeout, log)
	srv.AttachWatcher(watcher)
	watcher.Restart()

	stop := make(chan struct{})
	go sessions.RunSweeper(stop)
	go rates.Run(h, stop)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		close(stop)
		watcher.Stop()
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Infof("main", "received %s, shutting down", sig)
	}

	watcher.Stop()
	close(stop)
	h.KickAll("Server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Errorf("main", "shutdown: %v", err)
	}
	log.Info("main", "goodbye")
	return nil
}
