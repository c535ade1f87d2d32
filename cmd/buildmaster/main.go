package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/buildmaster/internal/config"
	"git.home.luguber.info/inful/buildmaster/internal/daemon"
	"git.home.luguber.info/inful/buildmaster/internal/version"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"buildmaster.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Daemon struct {
	} `cmd:"" help:"Run the build master daemon"`

	Init struct {
		Force bool `help:"Overwrite existing configuration file"`
	} `cmd:"" help:"Initialize a new configuration file"`

	CheckConfig struct {
	} `cmd:"" name:"check-config" help:"Validate the configuration file and exit"`

	Version struct {
	} `cmd:"" help:"Print version information"`
}

func main() {
	ctx := kong.Parse(&CLI)

	switch ctx.Command() {
	case "daemon":
		cfg, err := loadConfig()
		if err != nil {
			slog.Error("Failed to load configuration", "error", err)
			os.Exit(1)
		}
		setupLogging(cfg)
		if err := runDaemon(cfg); err != nil {
			slog.Error("Daemon failed", "error", err)
			os.Exit(1)
		}
	case "init":
		if err := runInit(CLI.Config, CLI.Init.Force); err != nil {
			slog.Error("Init failed", "error", err)
			os.Exit(1)
		}
	case "check-config":
		cfg, err := loadConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("configuration valid: %d canceller filters, %d change sources\n",
			len(cfg.Canceller.Filters), len(cfg.ChangeSources))
	case "version":
		fmt.Println(version.String())
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(CLI.Config)
}

func setupLogging(cfg *config.Config) {
	level := cfg.Logging.SlogLevel()
	if CLI.Verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if config.NormalizeLogFormat(cfg.Logging.Format) == config.LogFormatJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runDaemon(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(CLI.Config, cfg)
	if err != nil {
		return err
	}

	slog.Info("Starting build master daemon", "version", version.String(), "config", CLI.Config)
	return d.Run(ctx)
}

func runInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", path)
	}

	cfg := config.Default()
	if err := cfg.Save(path); err != nil {
		return err
	}

	slog.Info("Configuration file created", "path", path)
	return nil
}
