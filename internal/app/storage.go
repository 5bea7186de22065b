package app

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romanborysenkov/IoT-Project/internal/config"
	"github.com/romanborysenkov/IoT-Project/internal/fanout"
	"github.com/romanborysenkov/IoT-Project/internal/store"
	"github.com/romanborysenkov/IoT-Project/internal/storeapi"
)

// Storage is the persistence process: the SQL store, its HTTP API and the
// live fan-out registry.
type Storage struct {
	cfg    config.Store
	logger *slog.Logger

	ready    chan struct{}
	mu       sync.Mutex
	httpAddr net.Addr
}

// NewStorage constructs the storage process.
func NewStorage(cfg config.Store, logger *slog.Logger) *Storage {
	return &Storage{cfg: cfg, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the HTTP listener is bound.
func (s *Storage) Ready() <-chan struct{} { return s.ready }

// HTTPAddr returns the API listener address, or nil before Ready.
func (s *Storage) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// Run opens the database and serves until ctx is cancelled.
func (s *Storage) Run(ctx context.Context) error {
	stopTracing, err := initTracing(ctx, s.logger, "roadwatch-store", s.cfg.OTelExporter, s.cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer stopTracing()

	db, err := store.Open(s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			s.logger.Error("close store", "error", cerr)
		}
	}()
	if err := db.InitSchema(ctx); err != nil {
		return err
	}
	s.logger.Info("database ready", "dialect", db.Dialect())

	registry := fanout.NewRegistry()
	defer registry.Close()

	api := storeapi.New(db, registry, storeapi.Options{
		SubscriberBuffer: s.cfg.SubscriberBuffer,
		Heartbeat:        s.cfg.Heartbeat,
	}, s.logger.With("component", "storeapi"))

	ln, err := listen(s.cfg.HTTPPort)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.httpAddr = ln.Addr()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// Shutdown does not track hijacked websocket connections; their
		// handlers end when gctx is cancelled.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	serve(gctx, g, s.logger, "store", srv, ln)

	if err := serveMetrics(gctx, g, s.logger, s.cfg.MetricsPort); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	close(s.ready)
	return g.Wait()
}
