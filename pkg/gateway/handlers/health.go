package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/skillreview/osce-live/pkg/gateway/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Draining reports whether the process is shutting down.
type Draining interface {
	IsDraining() bool
}

type ReadyHandler struct {
	Config   config.Config
	Draining Draining
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK       bool     `json:"ok"`
		AuthMode string   `json:"auth_mode"`
		Store    string   `json:"store"`
		Issues   []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 2)
	if h.Draining != nil && h.Draining.IsDraining() {
		issues = append(issues, "draining")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}

	resp := readyResp{
		OK:       len(issues) == 0,
		AuthMode: string(h.Config.AuthMode),
		Store:    string(h.Config.Store),
		Issues:   issues,
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if resp.OK {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
