package agentstate

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/tabwire/tabwire/internal/ctrlstate"
	"github.com/tabwire/tabwire/internal/logx"
)

type hostReport struct {
	Hostname       string  `json:"hostname"`
	OS             string  `json:"os"`
	Platform       string  `json:"platform"`
	UptimeSeconds  uint64  `json:"uptime_seconds"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	ProcessRSS     uint64  `json:"process_rss_bytes"`
}

func reportHost(ctx context.Context) hostReport {
	var r hostReport
	if hi, err := host.InfoWithContext(ctx); err == nil {
		r.Hostname = hi.Hostname
		r.OS = hi.OS
		r.Platform = hi.Platform
		r.UptimeSeconds = hi.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.MemUsedPercent = vm.UsedPercent
	}
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
			r.ProcessRSS = mi.RSS
		}
	}
	return r
}

// StartStatusServer serves /status, /version and /healthz on addr and
// returns the bound address. It shuts down with ctx.
func StartStatusServer(ctx context.Context, addr string, ctrl *ctrlstate.State) (string, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		snap := ctrl.Get()
		Update(snap.TransportConnected, snap.ControlEnabled, snap.TargetTabID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Status
			Host hostReport `json:"host"`
		}{GetStatus(), reportHost(r.Context())})
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(GetVersionInfo())
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	actual := ln.Addr().String()
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logx.Log.Error().Err(err).Str("addr", actual).Msg("status server error")
		}
	}()
	return actual, nil
}
