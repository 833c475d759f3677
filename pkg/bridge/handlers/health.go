package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/callbridge/pkg/bridge/config"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("running\n"))
}

// ReadyHandler reports whether the bridge is configured well enough to
// accept calls. Credential values are never echoed, only their presence.
type ReadyHandler struct {
	Config config.Config
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AgentID       string   `json:"agent_id"`
		APIKeyPresent bool     `json:"api_key_present"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Config.ElevenLabsAPIKey == "" {
		issues = append(issues, "elevenlabs api key not configured")
	}
	if h.Config.ElevenLabsAgentID == "" {
		issues = append(issues, "elevenlabs agent id not configured")
	}
	if h.Config.ElevenLabsAPIBaseURL == "" {
		issues = append(issues, "elevenlabs api base url not configured")
	}
	if h.Config.SignedURLTimeout <= 0 || h.Config.ProviderDialTimeout <= 0 {
		issues = append(issues, "provider timeouts must be > 0")
	}
	if h.Config.WSWriteTimeout <= 0 {
		issues = append(issues, "ws write timeout must be > 0")
	}
	if h.Config.WSMaxMessageBytes <= 0 {
		issues = append(issues, "ws max message bytes must be > 0")
	}
	if h.Config.CarrierEventBuffer <= 0 || h.Config.ProviderEventBuffer <= 0 {
		issues = append(issues, "event buffers must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ShutdownGracePeriod <= 0 {
		issues = append(issues, "server timeouts must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AgentID:       h.Config.ElevenLabsAgentID,
		APIKeyPresent: h.Config.ElevenLabsAPIKey != "",
		Issues:        issues,
	})
}
