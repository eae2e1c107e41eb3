package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/config"
	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/metrics"
	"github.com/tabwire/tabwire/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.ServerConfig
	cfg.BindFlags()
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("tabwire %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !os.IsNotExist(err) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo("server", version, buildSHA, buildDate)

	b := bridge.New(cfg.AgentKey, cfg.CallTimeout)
	handler := server.New(server.Options{Config: cfg, Bridge: b, Version: version})
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	if cfg.AgentKey != "" {
		logx.Log.Info().Msg("agent key required")
	}
	logx.Log.Info().Str("addr", cfg.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
