package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/chatline/pkg/logging"
	"github.com/NicolasHaas/chatline/pkg/server"
	"github.com/NicolasHaas/chatline/pkg/store"
	"github.com/NicolasHaas/chatline/pkg/version"
)

func main() {
	cfg := server.DefaultConfig()

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "TCP bind address for the line protocol")
	flag.StringVar(&cfg.BridgeAddr, "bridge", cfg.BridgeAddr, "HTTP bind address for the WebSocket bridge (empty to disable)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database file path")
	flag.IntVar(&cfg.HistoryLimit, "history", cfg.HistoryLimit, "Default number of messages returned by get_history")
	configFile := flag.String("config", "", "YAML config file (values override flags)")
	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("chatline-server", version.Full())
		return
	}

	if *configFile != "" {
		fc, err := server.LoadConfigFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		fc.Apply(&cfg)
		if fc.LogLevel != "" {
			*logLevel = fc.LogLevel
		}
		if fc.LogFormat != "" {
			*logFormat = fc.LogFormat
		}
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	slog.Info("starting chatline server", "version", version.String())

	st, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
