package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"chainreader/internal/adapter"
	"chainreader/internal/config"
	"chainreader/internal/metrics"
	"chainreader/internal/reader"
	"chainreader/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "chainreader",
		Usage: "cached, deduplicated and batched reads against an Ethereum JSON-RPC node",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a JSON or YAML config file; environment only when empty",
				EnvVars: []string{"CHAINREADER_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "optional .env file loaded before the config",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides logLevel from the config",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API",
				Action: serve,
			},
			{
				Name:   "block",
				Usage:  "print the latest block number",
				Action: block,
			},
			{
				Name:      "balance",
				Usage:     "print native and configured token balances of a wallet",
				ArgsUsage: "<wallet>",
				Action:    balance,
			},
			{
				Name:  "pools",
				Usage: "print the pools of a factory",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "factory",
						Usage: "factory address; defaults to adapters.factoryAddress",
					},
				},
				Action: pools,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("chainreader failed")
	}
}

// loadConfig reads the config file, or the environment when no file is given
func loadConfig(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	if err := config.LoadEnvFile(c.String("env-file")); err != nil {
		return nil, zerolog.Logger{}, err
	}

	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, zerolog.Logger{}, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.LogLevel
	if l := c.String("log-level"); l != "" {
		level = l
	}
	return cfg, setupLogger(level), nil
}

// newAdapters builds the read facade and every adapter on top of it
func newAdapters(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (*adapter.Set, error) {
	r, err := reader.New(cfg, m, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	set, err := adapter.NewSet(r, adapter.OptionsFromConfig(cfg, logger))
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}
	return set, nil
}

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	set, err := newAdapters(cfg, metrics.New(reg), logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("batchMode", string(cfg.Batch.Mode)).
		Int("tokens", len(cfg.Adapters.Tokens)).
		Msg("starting chainreader")

	ctx, stop := context.WithCancel(c.Context)
	defer stop()

	srv := server.New(cfg, set, reg, logger)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	stop()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	return nil
}

func block(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	set, err := newAdapters(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer set.Reader().Close()

	return printResult(set.Reader().BlockNumber(c.Context))
}

func balance(c *cli.Context) error {
	if c.NArg() != 1 || !common.IsHexAddress(c.Args().First()) {
		return fmt.Errorf("expected one wallet address")
	}
	wallet := common.HexToAddress(c.Args().First())

	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	set, err := newAdapters(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer set.Reader().Close()

	tokens := make([]common.Address, 0, len(cfg.Adapters.Tokens))
	for _, t := range cfg.Adapters.Tokens {
		tokens = append(tokens, common.HexToAddress(t))
	}

	out := server.BalancesResponse{
		Wallet: wallet,
		Native: set.Balances.Native(c.Context, wallet),
		Tokens: []reader.Result[adapter.TokenBalance]{},
	}
	if len(tokens) > 0 {
		out.Tokens = set.Balances.Tokens(c.Context, wallet, tokens)
	}
	return printJSON(out)
}

func pools(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	factory := c.String("factory")
	if factory == "" {
		factory = cfg.Adapters.FactoryAddress
	}
	if !common.IsHexAddress(factory) {
		return fmt.Errorf("a factory address is required")
	}

	set, err := newAdapters(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer set.Reader().Close()

	return printResult(set.Pools.List(c.Context, common.HexToAddress(factory)))
}

// printResult prints res and fails when no value could be produced
func printResult[T any](res reader.Result[T]) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Found {
		return fmt.Errorf("no value: %s", res.Error)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	// Logs go to stderr so command output stays parseable
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
