// Package app wires the session manager service together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/narayane88/whatsapp-management-system-sub002/internal/accounts"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/api"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/config"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/eventbus"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/store"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/telegram"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/webhook"
	"github.com/narayane88/whatsapp-management-system-sub002/internal/whatsapp"
)

const (
	Version = "1.0.0"

	shutdownTimeout = 15 * time.Second
	restoreTimeout  = 5 * time.Minute
)

type App struct {
	cfg      *config.Config
	sessions *store.Sessions
	manager  *accounts.Manager
	bus      *eventbus.Bus
	webhooks *webhook.Dispatcher
	alerts   *telegram.Notifier
	sched    *cron.Cron
	server   *http.Server
}

func New(cfg *config.Config) (*App, error) {
	sessions, err := store.NewSessions(cfg.SessionsDir)
	if err != nil {
		return nil, err
	}
	dispatcher, err := webhook.New(webhook.Config{
		Timeout: cfg.Webhook.Timeout,
		Workers: cfg.Webhook.Workers,
		Retries: 2,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		sessions: sessions,
		bus:      eventbus.New(cfg.EventBuffer),
		webhooks: dispatcher,
	}

	deps := accounts.Deps{
		Sockets: whatsapp.NewFactory(whatsapp.FactoryConfig{
			DeviceSeed:   cfg.DeviceSeed,
			ProxyCountry: cfg.ProxyCountry,
			Proxies:      cfg.Proxies,
		}),
		Sessions: sessions,
		History:  store.OpenHistory(filepath.Join(cfg.SessionsDir, store.HistoryFile), store.MaxHistoryEntries),
		Webhooks: dispatcher,
		Events:   a.bus,
	}
	if cfg.Telegram.Enabled() {
		a.alerts = telegram.NewNotifier(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			Instance: instanceName(),
		})
		deps.Alerts = a.alerts
	}
	a.manager = accounts.New(deps, ManagerOptions(cfg))

	handler := api.New(api.Options{
		Manager:       a.manager,
		Bus:           a.bus,
		Webhooks:      dispatcher,
		SessionMaxAge: cfg.SessionMaxAge,
		AllowOrigins:  cfg.AllowOrigins,
		Version:       Version,
	}).Handler()
	a.server = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a, nil
}

// ManagerOptions maps the service configuration onto manager options.
func ManagerOptions(cfg *config.Config) accounts.Options {
	opts := accounts.DefaultOptions()
	opts.DefaultCountryCode = cfg.DefaultCountryCode
	opts.CreateCooldown = cfg.CreateCooldown
	opts.PendingQRTimeout = cfg.PendingQRTimeout
	opts.ScanTimeout = cfg.ScanTimeout
	opts.LogoutFlushDelay = cfg.LogoutFlushDelay
	opts.Backoff = accounts.BackoffPolicy{
		Default:       cfg.Reconnect.Default,
		RateLimitBase: cfg.Reconnect.RateLimitBase,
		RateLimitMax:  cfg.Reconnect.RateLimitMax,
		Network:       cfg.Reconnect.Network,
	}
	return opts
}

func (a *App) Manager() *accounts.Manager { return a.manager }

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// everything down. Saved sessions are restored in the background.
func (a *App) Run(ctx context.Context) error {
	if err := a.startScheduler(); err != nil {
		return err
	}
	go a.restore(ctx)

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("app: listening", zap.String("addr", a.server.Addr), zap.String("version", Version))
		errCh <- a.server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		zap.L().Info("app: shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)
	return runErr
}

func (a *App) startScheduler() error {
	log := cronLogger{zap.S().Named("cron")}
	a.sched = cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)
	if a.cfg.CleanupSchedule != "" {
		if _, err := a.sched.AddFunc(a.cfg.CleanupSchedule, a.cleanup); err != nil {
			return fmt.Errorf("schedule session cleanup: %w", err)
		}
	}
	a.sched.Start()
	return nil
}

func (a *App) cleanup() {
	deleted, err := a.manager.CleanupOldSessions(a.cfg.SessionMaxAge)
	if err != nil {
		zap.L().Error("app: session cleanup failed", zap.Error(err))
		return
	}
	if deleted > 0 {
		zap.L().Info("app: session cleanup", zap.Int("deleted", deleted))
	}
}

func (a *App) restore(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()

	restored, err := a.manager.RestoreExistingSessions(ctx)
	if err != nil {
		zap.L().Error("app: restore sessions failed", zap.Error(err))
		return
	}
	if a.alerts != nil {
		if total := a.savedSessions(); total > 0 {
			a.alerts.SessionsRestored(restored, total)
		}
	}
	a.cleanup()
}

func (a *App) savedSessions() int {
	dirs, err := a.sessions.List()
	if err != nil {
		return 0
	}
	n := 0
	for _, d := range dirs {
		if d.HasCreds {
			n++
		}
	}
	return n
}

// shutdown keeps credentials on disk so the next start restores every account.
func (a *App) shutdown(ctx context.Context) {
	<-a.sched.Stop().Done()

	// Closing the bus ends open event streams so the server can drain.
	a.bus.Close()
	if err := a.server.Shutdown(ctx); err != nil {
		zap.L().Warn("app: http shutdown", zap.Error(err))
	}
	a.manager.Shutdown(ctx)
	if err := a.webhooks.Close(5 * time.Second); err != nil {
		zap.L().Warn("app: webhook pool shutdown", zap.Error(err))
	}
	zap.L().Info("app: stopped")
}

func instanceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "wamanager"
}

// cronLogger routes scheduler logs through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
