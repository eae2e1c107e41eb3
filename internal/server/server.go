// Package server wires the issuer-facing HTTP surface: the agent
// websocket endpoint, a REST proxy over the bridge, the MCP mount and
// operational endpoints.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabwire/tabwire/internal/bridge"
	"github.com/tabwire/tabwire/internal/config"
	"github.com/tabwire/tabwire/internal/logx"
	"github.com/tabwire/tabwire/internal/mcpsrv"
	"github.com/tabwire/tabwire/internal/metrics"
)

// Options carries the server's collaborators.
type Options struct {
	Config  config.ServerConfig
	Bridge  *bridge.Bridge
	Version string
}

// New constructs the HTTP handler for the server.
func New(opts Options) http.Handler {
	cfg := opts.Config
	b := opts.Bridge

	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}

	preg := prometheus.NewRegistry()
	metrics.Register(preg)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"agent_connected": b.Connected(),
		})
	})
	r.Get("/ws/agent", b.Accept)
	r.Handle("/metrics", promhttp.HandlerFor(preg, promhttp.HandlerOpts{}))
	r.Handle("/mcp", mcpsrv.NewHandler(b, mcpsrv.Options{
		Name:          "tabwire",
		Version:       opts.Version,
		ReplayTimeout: cfg.ReplayTimeout,
	}))

	api := &restAPI{bridge: b, cfg: cfg}
	r.Route("/api", func(ar chi.Router) {
		ar.Post("/command", api.handleCommand)
		ar.Get("/tabs", api.proxy("tabs.list"))
		ar.Get("/status", api.proxy("control.status"))
		ar.Post("/control/enable", api.proxy("control.enable"))
		ar.Post("/control/disable", api.proxy("control.disable"))
		ar.Post("/record/start", api.proxy("record.start"))
		ar.Post("/record/stop", api.proxy("record.stop"))
		ar.Post("/record/save", api.handleRecordSave)
		ar.Get("/recordings", api.proxy("recordings.list"))
		ar.Get("/recordings/{name}", api.named("recordings.get"))
		ar.Delete("/recordings/{name}", api.named("recordings.delete"))
		ar.Post("/recordings/{name}/replay", api.handleReplay)
	})

	return r
}

type restAPI struct {
	bridge *bridge.Bridge
	cfg    config.ServerConfig
}

// proxy forwards a parameterless command.
func (a *restAPI) proxy(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := a.bridge.Call(r.Context(), method, nil)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeRaw(w, res)
	}
}

// named forwards a command taking only the recording name from the
// URL.
func (a *restAPI) named(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		res, err := a.bridge.Call(r.Context(), method, map[string]string{"name": name})
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeRaw(w, res)
	}
}

// handleCommand is the generic escape hatch: any catalog method with
// caller-supplied params.
func (a *restAPI) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Method == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"method\": ..., \"params\": ...}"})
		return
	}
	var params any
	if len(body.Params) > 0 {
		params = body.Params
	}
	res, err := a.bridge.Call(r.Context(), body.Method, params)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeRaw(w, res)
}

func (a *restAPI) handleRecordSave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"name\": ...}"})
		return
	}
	res, err := a.bridge.Call(r.Context(), "record.save", body)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeRaw(w, res)
}

// handleReplay uses the extended timeout; a run is many round trips.
func (a *restAPI) handleReplay(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	res, err := a.bridge.CallTimeout(r.Context(), "replay.run", map[string]string{"name": name}, a.cfg.ReplayTimeout)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeRaw(w, res)
}

func writeBridgeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var remote *bridge.RemoteError
	switch {
	case errors.Is(err, bridge.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &remote):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Debug().Err(err).Msg("write response")
	}
}

func writeRaw(w http.ResponseWriter, res json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	if len(res) == 0 {
		res = json.RawMessage("{}")
	}
	if _, err := w.Write(res); err != nil {
		logx.Log.Debug().Err(err).Msg("write response")
	}
}
