package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	"github.com/tabwire/tabwire/internal/agent"
	"github.com/tabwire/tabwire/internal/agentstate"
	"github.com/tabwire/tabwire/internal/cdp"
	"github.com/tabwire/tabwire/internal/config"
	"github.com/tabwire/tabwire/internal/ctrlstate"
	"github.com/tabwire/tabwire/internal/executor"
	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/metrics"
	"github.com/tabwire/tabwire/internal/recorder"
	"github.com/tabwire/tabwire/internal/store"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.AgentConfig
	cfg.BindFlags()
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("tabwire-agent %s (%s, %s)\n", version, buildSHA, buildDate)
		return
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !os.IsNotExist(err) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	logx.Configure(cfg.LogLevel)
	metrics.SetBuildInfo("agent", version, buildSHA, buildDate)

	if cfg.AgentID == "" {
		cfg.AgentID = uuid.NewString()
	}
	agentstate.SetAgentInfo(cfg.AgentID, cfg.AgentName)
	agentstate.SetVersionInfo(version, buildSHA, buildDate)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logx.Log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("create data dir")
	}
	ctrl := ctrlstate.Load(filepath.Join(cfg.DataDir, "control.json"))

	var st store.Store
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect recording store")
		}
		logx.Log.Info().Msg("recordings stored in redis")
		st = rs
	} else {
		fs, err := store.NewFileStore(filepath.Join(cfg.DataDir, "recordings"))
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("open recording store")
		}
		st = fs
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := recorder.New(cfg.TypeDebounce)

	client, err := cdp.Connect(ctx, cfg.BrowserURL)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("browser", cfg.BrowserURL).Msg("connect browser")
	}
	defer client.Close()
	agentstate.SetBrowserConnected(true)
	logx.Log.Info().Str("browser", cfg.BrowserURL).Msg("connected to browser")

	driver := cdp.NewDriver(client, rec.Handle)
	defer driver.Close()

	ex := executor.New(executor.Options{
		State:      ctrl,
		Driver:     driver,
		Recorder:   rec,
		Store:      st,
		Delays:     cfg.Delays,
		UploadsDir: cfg.UploadsDir,
	})

	if cfg.StatusAddr != "" {
		addr, err := agentstate.StartStatusServer(ctx, cfg.StatusAddr, ctrl)
		if err != nil {
			logx.Log.Fatal().Err(err).Str("addr", cfg.StatusAddr).Msg("status server")
		}
		logx.Log.Info().Str("addr", addr).Msg("status server listening")
	}

	logx.Log.Info().
		Str("agent_id", cfg.AgentID).
		Str("agent_name", cfg.AgentName).
		Str("server", cfg.ServerURL).
		Msg("agent starting")

	err = agent.Run(ctx, agent.Options{
		ServerURL:         cfg.ServerURL,
		AgentKey:          cfg.AgentKey,
		Executor:          ex,
		State:             ctrl,
		ReconnectDelay:    cfg.ReconnectDelay,
		KeepaliveInterval: cfg.KeepaliveInterval,
		Reconnect:         cfg.Reconnect,
	})
	if err != nil && ctx.Err() == nil {
		agentstate.SetLastError(err.Error())
		logx.Log.Fatal().Err(err).Msg("agent error")
	}
	logx.Log.Info().Msg("agent stopped")
}
