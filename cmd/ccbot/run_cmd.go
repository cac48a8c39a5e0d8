package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/sjoeboo/ccbot/internal/access"
	"github.com/sjoeboo/ccbot/internal/bot"
	"github.com/sjoeboo/ccbot/internal/config"
	"github.com/sjoeboo/ccbot/internal/hookserver"
	"github.com/sjoeboo/ccbot/internal/logging"
	"github.com/sjoeboo/ccbot/internal/monitor"
	"github.com/sjoeboo/ccbot/internal/session"
	"github.com/sjoeboo/ccbot/internal/store"
	"github.com/sjoeboo/ccbot/internal/tmux"
)

// pollTimeout is the Telegram long-poll timeout in seconds.
const pollTimeout = 60

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Log at debug level")
	fs.Usage = func() {
		fmt.Println("Usage: ccbot run [options]")
		fmt.Println()
		fmt.Println("Start the Telegram bot, the transcript monitor and the hook receiver.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	requireTmux()

	initLogging(cfg, true)
	defer logging.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runBot(ctx, cfg); err != nil {
		logging.Logger().Error("bot_exited", slog.String("error", err.Error()))
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

// runBot wires every component and blocks until ctx is cancelled or one of
// them fails.
func runBot(ctx context.Context, cfg *config.Config) error {
	log := logging.Logger()

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return err
	}
	defer st.Close()

	client := tmux.NewClient(cfg.Tmux.SessionName, cfg.Tmux.MainWindow)
	reg := session.NewRegistry(client, st, session.Options{
		Command:         cfg.Claude.Command,
		MainWindow:      cfg.Tmux.MainWindow,
		ClaudeConfigDir: cfg.Claude.ConfigDir,
	})
	if err := reg.Reconcile(ctx); err != nil {
		log.Warn("initial_reconcile_failed", slog.String("error", err.Error()))
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("connect to telegram: %w", err)
	}
	log.Info("telegram_connected", slog.String("bot", api.Self.UserName))

	b := bot.New(api, reg, access.NewAllowList(cfg.Telegram.AllowedUsers), bot.Options{
		SendRate:  cfg.Telegram.SendRate,
		SendBurst: cfg.Telegram.SendBurst,
	})
	if err := b.RegisterCommands(ctx); err != nil {
		log.Warn("register_commands_failed", slog.String("error", err.Error()))
	}

	mon := monitor.New(st, monitor.Options{
		PollInterval: time.Duration(cfg.Monitor.PollIntervalMs) * time.Millisecond,
	})

	reconciler, err := newReconciler(ctx, cfg.Monitor.ReconcileSpec, reg.Reconcile)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := api.GetUpdatesChan(u)
	g.Go(func() error {
		<-gctx.Done()
		api.StopReceivingUpdates()
		return nil
	})
	g.Go(func() error { return b.Run(gctx, updates) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return b.Deliver(gctx, mon.Messages()) })
	g.Go(func() error { return runScheduler(gctx, reconciler) })

	if cfg.HooksEnabled() {
		if _, err := hookserver.InstallHooks(cfg.Claude.ConfigDir, cfg.Hooks.Port); err != nil {
			log.Warn("hooks_install_failed", slog.String("error", err.Error()))
		}
		srv := hookserver.New(cfg.Hooks.Port, reg, mon)
		g.Go(func() error { return serveHooks(gctx, srv.Start) })
	}

	return g.Wait()
}

// serveHooks runs the hook receiver. When it fails, for example because the
// port is taken, the bot keeps running and the monitor's polling covers for
// the missing hooks.
func serveHooks(ctx context.Context, start func(context.Context) error) error {
	if err := start(ctx); err != nil && ctx.Err() == nil {
		logging.Logger().Warn("hookserver_failed", slog.String("error", err.Error()))
	}
	return nil
}

var cronLog = logging.ForComponent(logging.CompCron)

// newReconciler schedules job on a cron spec such as "@every 1m".
func newReconciler(ctx context.Context, spec string, job func(context.Context) error) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := job(ctx); err != nil {
			cronLog.Warn("reconcile_failed", slog.String("error", err.Error()))
			return
		}
		cronLog.Debug("reconciled")
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule %q: %w", spec, err)
	}
	return c, nil
}

// runScheduler runs c until ctx is cancelled and waits for running jobs.
func runScheduler(ctx context.Context, c *cron.Cron) error {
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
