// scorefollow runs the real-time Online Time Warping score-following
// engine behind the thin position-streaming API stub.
//
// Usage:
//
//	scorefollow [--config path.yaml] [--verbose]
package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/rayfollow/scorefollower/internal/api"
	"github.com/rayfollow/scorefollower/internal/config"
	"github.com/rayfollow/scorefollower/internal/logger"
	"github.com/rayfollow/scorefollower/internal/position"
	"github.com/rayfollow/scorefollower/internal/session"
)

func main() {
	_ = godotenv.Load()

	// First pass: find --config alone, ignoring every other flag, so
	// the file can be loaded before the rest of the flags are defined
	// against its values as defaults.
	preScan := pflag.NewFlagSet("scorefollow", pflag.ContinueOnError)
	preScan.ParseErrorsWhitelist.UnknownFlags = true
	configPath := preScan.String("config", "", "YAML config file (missing file falls back to defaults)")
	_ = preScan.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scorefollow: %v\n", err)
		os.Exit(1)
	}

	pflag.String("config", *configPath, "YAML config file (missing file falls back to defaults)")
	verbose := pflag.Bool("verbose", false, "enable verbose/debug logging")
	quiet := pflag.Bool("quiet", false, "disable all logging")
	logFile := pflag.String("log-file", "", "file to write logs to (empty logs to stderr)")
	config.RegisterFlags(pflag.CommandLine, &cfg)
	pflag.Parse()

	if *verbose {
		cfg.LogLevel = "verbose"
	}
	if *quiet {
		cfg.LogLevel = "off"
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "scorefollow: %v\n", err)
		os.Exit(1)
	}

	var logOut io.Writer = os.Stderr
	if *logFile != "" {
		dir := filepath.Dir(*logFile)
		if dir != "" && dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v (falling back to stderr)\n", *logFile, err)
		} else {
			logOut = f
			defer f.Close()
		}
	}

	// Redirect Go's default log package (used by PortAudio and other
	// third-party libraries) to the same output.
	stdlog.SetOutput(logOut)
	stdlog.SetFlags(stdlog.Ltime)

	log := logger.New(cfg.LogLevelValue(), logOut)
	log.Info("scorefollow starting: %s", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Info("shutting down...")
		cancel()
	}()

	positions := position.New(log)
	registry := session.NewRegistry(positions, log)
	server := api.New(cfg.ListenAddr, cfg, registry, positions, log)

	if err := server.Run(ctx); err != nil {
		log.Error("api server: %v", err)
		os.Exit(1)
	}
}
