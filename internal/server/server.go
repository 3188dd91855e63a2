package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/to-real/agentbench/internal/auth"
	"github.com/to-real/agentbench/internal/delivery"
	"github.com/to-real/agentbench/internal/heartbeat"
	"github.com/to-real/agentbench/internal/metrics"
	"github.com/to-real/agentbench/internal/registry"
	"github.com/to-real/agentbench/internal/router"
	"github.com/to-real/agentbench/internal/scoring"
	"github.com/to-real/agentbench/internal/server/middleware"
	"github.com/to-real/agentbench/internal/session"
	"github.com/to-real/agentbench/pkg/config"
	"github.com/to-real/agentbench/pkg/protocol"
	"github.com/to-real/agentbench/pkg/transport"
)

type App struct {
	logger  *slog.Logger
	config  *config.Config
	clock   clock.Clock
	metrics *metrics.Metrics

	tokens   *auth.Service
	registry *registry.Registry
	store    *session.Store
	router   *router.Router
	queue    *delivery.Queue
	monitor  *heartbeat.Monitor
	scoring  *scoring.Client

	wg        sync.WaitGroup
	http      *http.Server
	startedAt time.Time

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) *App {
	clk := clock.New()
	m := metrics.New()

	tokens := auth.NewService(logger, auth.Config{
		Secret:             cfg.Server.Auth.JWTSecret,
		Issuer:             cfg.Server.Auth.Issuer,
		Audience:           cfg.Server.Auth.Audience,
		AccessTokenTTL:     cfg.Server.Auth.AccessTokenTTL,
		RefreshTokenTTL:    cfg.Server.Auth.RefreshTokenTTL,
		ConnectionTokenTTL: cfg.Server.Auth.ConnectionTokenTTL,
	})
	reg := registry.New(logger)
	store := session.NewStore(logger, clk, session.Config{
		IdleTimeout: cfg.Relay.SessionTimeout,
		GracePeriod: cfg.Relay.SessionGracePeriod,
		MaxEvents:   cfg.Relay.MaxSessionEvents,
	})
	msgRouter := router.New(logger, reg, store, m)
	queue := delivery.NewQueue(logger, clk, msgRouter, delivery.Config{
		Tick:           cfg.Relay.QueueProcessInterval,
		MessageTimeout: cfg.Relay.MessageTimeout,
		MaxRetries:     cfg.Relay.MaxRetries,
		MaxSize:        cfg.Relay.MaxQueueSize,
	})
	msgRouter.SetQueue(queue)
	monitor := heartbeat.NewMonitor(logger, clk, reg, cfg.Relay.HeartbeatInterval)
	scorer := scoring.NewClient(logger, scoring.Config{
		Endpoint: cfg.Scoring.Endpoint,
		APIKey:   cfg.Scoring.APIKey,
		Model:    cfg.Scoring.Model,
		Timeout:  cfg.Scoring.Timeout,
	})

	app := &App{
		logger:   logger,
		config:   cfg,
		clock:    clk,
		metrics:  m,
		tokens:   tokens,
		registry: reg,
		store:    store,
		router:   msgRouter,
		queue:    queue,
		monitor:  monitor,
		scoring:  scorer,
		ctx:      rootCtx,
	}
	app.wire()

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewConnectionAuth(logger, tokens.VerifyConnectionToken),
		middleware.NewRequestLogger(logger),
	))
	mux.HandleFunc("/status", app.statusHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/token/refresh", app.refreshHandler)
	mux.HandleFunc("/api/ws-token", app.connectionTokenHandler)
	mux.HandleFunc("/api/ai-evaluate", app.evaluateHandler)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

// wire connects the components' typed callback tables. This is the one
// place cross-component subscriptions happen.
func (a *App) wire() {
	a.registry.SetCallbacks(registry.Callbacks{
		OnConnected: func(conn *registry.Connection) {
			a.metrics.ConnectionsActive.Inc()
		},
		OnDisconnected: func(conn *registry.Connection, reason string) {
			a.metrics.ConnectionsActive.Dec()
			a.store.RemoveConnection(conn.ID)
		},
	})
	a.store.SetCallbacks(session.Callbacks{
		OnCreated: func(s *session.Session, creator uuid.UUID) {
			a.metrics.SessionsActive.Inc()
		},
		OnRemoved: func(s *session.Session) {
			a.metrics.SessionsActive.Dec()
		},
	})
	a.queue.SetFailureHandler(func(msg *protocol.Message, reason string) {
		a.metrics.DeliveryFailuresTotal.WithLabelValues(reason).Inc()
	})
	a.monitor.SetEvictionHandler(func(connID uuid.UUID) {
		a.metrics.HeartbeatEvictions.Inc()
	})
}

func (a *App) Run() error {
	a.startedAt = a.clock.Now()

	go a.monitor.Run(a.ctx)
	go a.queue.Run(a.ctx)
	go a.cleanupLoop(a.ctx)

	go func() {
		a.logger.Info("Relay server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// cleanupLoop periodically sweeps expired sessions and refresh tokens.
func (a *App) cleanupLoop(ctx context.Context) {
	ticker := a.clock.Ticker(a.config.Relay.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.store.Sweep()
			a.tokens.CleanupExpired()
		}
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(slog.String("remoteAddr", reqMeta.IP))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		nil,
		nil,
		a.logger,
	)

	// Rejected attempts close with policy code 1008 and never create a
	// registry record.
	if reqMeta.AuthFailure != "" {
		conn.CloseWithStatus(websocket.StatusPolicyViolation, reqMeta.AuthFailure)
		return
	}

	record := a.registry.Admit(conn, reqMeta.Claims)
	conn.SetOnMessageHandler(a.router.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		a.registry.Evict(id, "connection closed")
	})

	connLogger.Info("User connection fully established",
		slog.String("username", record.Username),
		slog.String("connID", record.ID.String()),
	)
	conn.Run()

	welcome := protocol.NewSystemMessage("connection_established", map[string]any{
		"clientId": record.ID.String(),
		"message":  "WebSocket connection established",
	}, protocol.PriorityHigh)
	a.router.Send(record.ID, welcome)

	<-conn.Done()
}

// Shutdown performs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.List() {
		a.registry.Evict(conn.ID, "graceful shutdown")
	}

	// Wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
