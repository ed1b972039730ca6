// internal/broker/httpstatus.go
// Admin HTTP surface for the broker, separate from the tunnel port so it
// can be firewalled off independently:
//   - /status/ws – WebSocket endpoint streaming status snapshots to
//     operator dashboards
//   - /metrics – optional Prometheus scrape endpoint
package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/logging"
	"github.com/quaybridge/pbmapper/internal/metrics"
)

// AdminConfig controls the admin listener's behaviour.
type AdminConfig struct {
	ListenAddr    string // e.g., ":7667"; the broker command calls StartAdmin only when --admin-listen is non-empty
	EnableMetrics bool   // expose /metrics
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// Auth settings; see adminauth.go. All zero values disable auth.
	AuthToken string
	JWTSecret []byte
	JWTIssuer string
}

// SnapshotReplayer is the read side of statuscache.Store: the backlog a
// freshly connected websocket client is caught up with before live pushes.
type SnapshotReplayer interface {
	ReadAll(ctx context.Context) [][]byte
}

// adminServer serves the admin HTTP endpoints on top of a StatusHub.
type adminServer struct {
	cfg    AdminConfig
	hub    *StatusHub
	replay SnapshotReplayer
	log    *zap.Logger
}

// StartAdmin starts the admin HTTP server in its own goroutine and returns
// the server instance so the caller may shut it down. replay may be nil to
// skip backlog catch-up for new subscribers.
func StartAdmin(cfg AdminConfig, hub *StatusHub, replay SnapshotReplayer) *http.Server {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	a := &adminServer{
		cfg:    cfg,
		hub:    hub,
		replay: replay,
		log:    logging.Logger().Named("broker.admin"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status/ws", a.handleWebSocket)
	if cfg.EnableMetrics {
		metrics.Register()
		mux.Handle("/metrics", promhttp.Handler())
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      a.authMiddleware(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Warn("admin listener error", zap.Error(err))
		}
	}()
	a.log.Info("admin listener started", zap.String("addr", cfg.ListenAddr))
	return srv
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins.  In production, restrict as needed.
		return true
	},
}

func (a *adminServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("ws upgrade", zap.Error(err))
		return
	}

	ch, unregister := a.hub.Subscribe()
	metrics.StatusSubscribers.Inc()
	defer func() {
		unregister()
		metrics.StatusSubscribers.Dec()
		_ = conn.Close()
	}()

	// Replay the cached backlog first so the client does not wait one full
	// poll interval for its first snapshot.
	if a.replay != nil {
		for _, snap := range a.replay.ReadAll(r.Context()) {
			if err := conn.WriteMessage(websocket.TextMessage, snap); err != nil {
				a.log.Debug("ws replay write", zap.Error(err))
				return
			}
		}
	}

	// Writer loop.
	for snap := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, snap); err != nil {
			a.log.Debug("ws write", zap.Error(err))
			return
		}
	}
}
