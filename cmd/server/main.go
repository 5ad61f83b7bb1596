package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	router "github.com/dkeye/presence/internal/adapters/http"
	"github.com/dkeye/presence/internal/app"
	"github.com/dkeye/presence/internal/app/orch"
	"github.com/dkeye/presence/internal/config"
	"github.com/dkeye/presence/internal/observability"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("server", pflag.ExitOnError)
	flags.Int("port", 8080, "listen port")
	flags.String("log-level", "info", "log level")
	flags.Bool("echo", false, "deliver publishes back to their sender")
	_ = flags.Parse(os.Args[1:])

	cfg, v, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg)
	config.Watch(v, config.ApplyLogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, "presence")

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.PolicyByName(cfg.Relay.Policy),
		Metrics:  metrics,
		Echo:     cfg.Relay.Echo,
	}

	r := router.SetupRouter(ctx, cfg, o, reg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("presence relay started")
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
