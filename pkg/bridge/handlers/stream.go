// Package handlers holds the HTTP endpoints of the bridge server.
package handlers

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/callbridge/pkg/bridge/carrier"
	"github.com/vango-go/callbridge/pkg/bridge/config"
	"github.com/vango-go/callbridge/pkg/bridge/convai"
	"github.com/vango-go/callbridge/pkg/bridge/mw"
	"github.com/vango-go/callbridge/pkg/bridge/session"
	"github.com/vango-go/callbridge/pkg/bridge/sessions"
)

// StreamHandler handles /media-stream websocket connections from the
// carrier. Each accepted socket becomes one bridged call.
type StreamHandler struct {
	Config     config.Config
	Logger     *slog.Logger
	Sessions   *sessions.Tracker
	SignedURLs *convai.SignedURLClient

	// IsDraining short-circuits new calls during shutdown.
	IsDraining func() bool
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.IsDraining != nil && h.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID := requestIDFromContext(r.Context())

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("media-stream upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	sessionID := "call_" + randHex(8)
	logger = logger.With("request_id", reqID)

	leg := carrier.NewSession(conn, logger, carrier.Config{
		WriteTimeout:    h.Config.WSWriteTimeout,
		MaxMessageBytes: h.Config.WSMaxMessageBytes,
		EventBuffer:     h.Config.CarrierEventBuffer,
	})
	defer leg.Close()

	coord, err := session.New(session.Dependencies{
		Carrier:          leg,
		Logger:           logger,
		FetchSignedURL:   h.SignedURLs.Fetch,
		DialProvider:     h.dialProvider,
		AgentID:          h.Config.ElevenLabsAgentID,
		CallerName:       h.callerName(r),
		IsFirstCall:      h.isFirstCall(r),
		ConversationType: h.Config.DefaultConversationType,
		SetupTimeout:     h.setupTimeout(),
		SessionID:        sessionID,
	})
	if err != nil {
		logger.Error("bridge setup failed", "session_id", sessionID, "error", err)
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			Cancel: coord.Cancel,
		})
	}
	defer unregister()

	if err := coord.Run(); err != nil {
		logger.Warn("bridge ended with error", "session_id", sessionID, "error", err)
	}
}

func (h StreamHandler) dialProvider(ctx context.Context, signedURL string, init convai.InitiationClientData) (session.ProviderLeg, error) {
	return convai.Dial(ctx, signedURL, convai.SessionConfig{
		Init:            init,
		Logger:          h.Logger,
		WriteTimeout:    h.Config.WSWriteTimeout,
		EventBuffer:     h.Config.ProviderEventBuffer,
		MaxMessageBytes: h.Config.WSMaxMessageBytes,
	})
}

// callerName lets the carrier's stream URL carry the caller context as
// query parameters, falling back to the deployment defaults.
func (h StreamHandler) callerName(r *http.Request) string {
	if name := strings.TrimSpace(r.URL.Query().Get("caller_name")); name != "" {
		return name
	}
	return h.Config.DefaultCallerName
}

func (h StreamHandler) isFirstCall(r *http.Request) bool {
	return strings.TrimSpace(r.URL.Query().Get("returning")) == ""
}

func (h StreamHandler) setupTimeout() time.Duration {
	total := h.Config.SignedURLTimeout + h.Config.ProviderDialTimeout
	if total <= 0 {
		return 0
	}
	return total
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
