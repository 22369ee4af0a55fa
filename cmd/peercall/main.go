package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/capture"
	"github.com/dkeye/peercall/internal/adapters/directory"
	"github.com/dkeye/peercall/internal/adapters/httpapi"
	"github.com/dkeye/peercall/internal/adapters/relay"
	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/app"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	dialer := rtc.NewDialer(cfg.ICEServers)
	device := capture.NewListener(cfg.CaptureAddr)
	defer device.Close()

	dialDir := func(ctx context.Context, sid domain.SessionID) (core.Directory, error) {
		return directory.Connect(ctx, cfg.Redis, sid)
	}

	uid := domain.NewUserID()
	orch := app.New(cfg, uid, cfg.DisplayName, dialer, device, relay.Connect, dialDir)
	go orch.Run(ctx)
	go drainEvents(orch)

	r := httpapi.SetupRouter(cfg, orch)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("user", string(uid)).Msg("peercall started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// drainEvents keeps the notification channel flowing; headless deployments
// only need them in the log.
func drainEvents(orch *app.Orchestrator) {
	for ev := range orch.Events() {
		e := log.Info()
		if ev.Err != nil {
			e = log.Warn().Err(ev.Err)
		}
		e.Str("module", "main").
			Str("kind", string(ev.Kind)).
			Str("session", string(ev.Session)).
			Str("participant", string(ev.Participant)).
			Msg("call event")
	}
}
