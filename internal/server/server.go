package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/collabmesh/relay/internal/auth"
	"github.com/collabmesh/relay/internal/cache"
	"github.com/collabmesh/relay/internal/dispatch"
	"github.com/collabmesh/relay/internal/hub"
	"github.com/collabmesh/relay/internal/server/middleware"
	"github.com/collabmesh/relay/internal/session"
	"github.com/collabmesh/relay/internal/store/mongostore"
	"github.com/collabmesh/relay/pkg/config"
	"github.com/collabmesh/relay/pkg/transport"
)

// App wires every component C1-C7 describes into one running process,
// generalizing the teacher's single-stateManager+eventRouter App onto the
// relay's longer dependency chain (store, cache+bus, chain client, auth,
// sessions, hub, dispatcher).
type App struct {
	logger *slog.Logger
	config *config.Config
	ctx    context.Context

	mongoClient *mongo.Client
	redisCache  *cache.RedisCache
	ethClient   *ethclient.Client

	store      *mongostore.Store
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	hub        *hub.Hub

	http *http.Server
}

// NewApp constructs every dependency and wires them together but does not
// start serving; call Run for that. On an error it returns at once; clients
// opened earlier in the sequence are not closed.
func NewApp(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*App, error) {
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, fmt.Errorf("server: connect mongo: %w", err)
	}
	if err := mongoClient.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("server: ping mongo: %w", err)
	}

	store := mongostore.New(mongoClient.Database(cfg.Mongo.Database), logger)
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("server: ensure mongo indexes: %w", err)
	}
	if err := store.ReconcileAll(ctx); err != nil {
		logger.Warn("startup commit reconciliation sweep failed", slog.Any("error", err))
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("server: connect redis: %w", err)
	}

	ethClient, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("server: dial chain rpc: %w", err)
	}
	registry := common.HexToAddress(cfg.Chain.RegistryAddress)
	ownerResolver := auth.NewOwnerResolver(ethClient, registry, cfg.Chain.OwnerCacheTTL)

	// The concrete go-ucan DIDResolver is out of this relay's scope
	// (spec.md §1 names "the concrete capability-token library" as an
	// explicit non-goal): tok.Validate is the only call site that uses
	// it, and a nil resolver is a valid ucan.DIDResolver value until a
	// deployment supplies one.
	verifier := auth.NewVerifier(cfg.Auth.ServerDID, ownerResolver, nil)

	sessions := session.NewManager(logger, redisCache, store)
	dispatcher := dispatch.New(logger, verifier, ownerResolver, store, sessions, cfg.Server.HandlerTimeout)
	transportCfg := transport.ConnectionConfig{ReadTimeout: cfg.Server.Transport.ReadTimeout}
	h := hub.NewHub(logger, sessions, transportCfg, cfg.Auth.ServerDID, dispatcher)
	dispatcher.SetHub(h)

	app := &App{
		logger:      logger,
		config:      cfg,
		ctx:         ctx,
		mongoClient: mongoClient,
		redisCache:  redisCache,
		ethClient:   ethClient,
		store:       store,
		sessions:    sessions,
		dispatcher:  dispatcher,
		hub:         h,
	}

	mux := http.NewServeMux()
	mux.Handle("/",
		middleware.Chain(http.HandlerFunc(app.upgradeHandler),
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewConnectionLimiter(
				logger,
				h.CountByIP,
				h.CloseOldestByIP,
				cfg.Server.ConnectionLimit,
			),
		),
	)

	app.http = &http.Server{
		Addr:    cfg.Server.Address(),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return app.ctx
		},
	}

	return app, nil
}

// Run starts the bus subscriber loop and the HTTP server, and blocks
// until ctx is cancelled, then runs the shutdown sequence.
func (a *App) Run() error {
	go func() {
		if err := a.sessions.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("session bus subscriber exited unexpectedly", slog.Any("error", err))
		}
	}()

	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// upgradeHandler accepts the WebSocket upgrade and hands the connection to
// the Hub, blocking until it closes (spec.md §4.6).
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	ip := ""
	if reqMeta, ok := middleware.ReqMetadataFrom(r.Context()); ok {
		ip = reqMeta.IP
	}
	if err := a.hub.Accept(r.Context(), w, r, ip); err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
	}
}

// Shutdown runs the graceful shutdown sequence: stop accepting new
// connections, close every open socket, then release the durable/cache/
// chain client handles.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown failed", slog.Any("error", err))
	}

	a.hub.Shutdown()

	a.ethClient.Close()
	if err := a.redisCache.Close(); err != nil {
		a.logger.Error("failed to close redis clients", slog.Any("error", err))
	}
	if err := a.mongoClient.Disconnect(context.Background()); err != nil {
		a.logger.Error("failed to disconnect mongo client", slog.Any("error", err))
	}

	a.logger.Info("server shut down gracefully")
	return nil
}
