package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/gorelay/internal/observability"
	"github.com/Tyrowin/gorelay/internal/server"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		configPath string
		addr       string
		apiKey     string
		logLevel   string
		logFormat  string
	)
	flag.StringVarP(&configPath, "config", "c", "", "path to a TOML or YAML config file")
	flag.StringVar(&addr, "addr", "", "listen address (overrides SERVER_PORT)")
	flag.StringVar(&apiKey, "api-key", "", "API key required to fetch tokens (overrides API_KEY)")
	flag.StringVar(&logLevel, "log-level", "", "log level: trace, debug, info, warn, error")
	flag.StringVar(&logFormat, "log-format", "", "log format: console or json")
	flag.Parse()

	config := server.NewConfig()
	if configPath != "" {
		if err := server.LoadConfigFile(configPath, config); err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
	}
	server.ApplyEnv(config, os.Getenv)
	if addr != "" {
		config.Port = addr
	}
	if apiKey != "" {
		config.APIKey = apiKey
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}
	if logFormat != "" {
		config.LogFormat = logFormat
	}

	logger, err := observability.NewLogger(os.Stdout, "relay", config.LogFormat, config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuring logger: %v\n", err)
		os.Exit(1)
	}

	relay, err := server.New(*config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	relay.Start()

	httpServer := server.CreateServer(relay.Config().Port, relay.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signals:
		logger.Info().Stringer("signal", sig).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped unexpectedly")
		}
	}

	timeout := relay.Config().ShutdownTimeout
	if err := server.ShutdownServer(httpServer, timeout, logger); err != nil {
		logger.Warn().Err(err).Msg("http server did not shut down cleanly")
	}
	if err := relay.Shutdown(timeout); err != nil {
		logger.Warn().Err(err).Msg("relay did not shut down cleanly")
		os.Exit(1)
	}
	logger.Info().Msg("relay stopped")
}
