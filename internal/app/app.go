// Package app wires the hub and storage processes and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/romanborysenkov/IoT-Project/internal/observability"
)

const shutdownTimeout = 5 * time.Second

// listen binds :port. Port 0 picks a free port.
func listen(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return ln, nil
}

// serve runs srv on ln inside g and shuts it down gracefully once ctx is done.
func serve(ctx context.Context, g *errgroup.Group, logger *slog.Logger, name string, srv *http.Server, ln net.Listener) {
	g.Go(func() error {
		logger.Info("http server started", "server", name, "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s server shutdown: %w", name, err)
		}
		logger.Info("http server stopped", "server", name)
		return nil
	})
}

// serveMetrics exposes the Prometheus registry on its own port. A zero port
// disables it.
func serveMetrics(ctx context.Context, g *errgroup.Group, logger *slog.Logger, port int) error {
	if port == 0 {
		return nil
	}
	ln, err := listen(port)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	serve(ctx, g, logger, "metrics", &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln)
	return nil
}

func initTracing(ctx context.Context, logger *slog.Logger, service, exporter, endpoint string) (func(), error) {
	shutdown, err := observability.InitTracing(ctx, service, observability.TracingConfig{
		Exporter: exporter,
		Endpoint: endpoint,
		Insecure: true,
	})
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(exporter, "none") && exporter != "" {
		logger.Info("tracing enabled", "exporter", exporter, "endpoint", endpoint)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}, nil
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
