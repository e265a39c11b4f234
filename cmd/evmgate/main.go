package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evmgate/evmgate/common"
	"github.com/evmgate/evmgate/gateway"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:    "evmgate",
		Usage:   "caching, coalescing reverse proxy for EVM JSON-RPC nodes",
		Version: common.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "evmgate.yaml",
				Usage:   "path to the YAML configuration file",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return run(ctx, afero.NewOsFs(), cmd.String("config"))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("evmgate failed to start")
	}
}

func run(ctx context.Context, fs afero.Fs, configPath string) error {
	// A .env in the working directory feeds $VAR interpolation in upstream URLs.
	_ = godotenv.Load()

	cfg, err := common.LoadConfig(fs, configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Msgf("invalid log level %q, defaulting to info", cfg.LogLevel)
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gw, err := gateway.NewGateway(ctx, &logger, cfg)
	if err != nil {
		return err
	}

	// The first probe round runs synchronously so readiness is meaningful
	// the moment the listeners come up.
	gw.StartHealthChecks(ctx)

	srv := gateway.NewHttpServer(&logger, &cfg.Server, gw)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	var metricsSrv *gateway.MetricsServer
	if cfg.Metrics.Enabled {
		metricsSrv = gateway.NewMetricsServer(&logger, &cfg.Metrics)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal().Err(err).Msg("metrics server failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case recvSig := <-sig:
		logger.Warn().Str("signal", recvSig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info().Msg("stopped")
	return nil
}
