package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grandcat/zeroconf"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/romanborysenkov/IoT-Project/internal/config"
	"github.com/romanborysenkov/IoT-Project/internal/flusher"
	"github.com/romanborysenkov/IoT-Project/internal/gateway"
	"github.com/romanborysenkov/IoT-Project/internal/httpapi"
	"github.com/romanborysenkov/IoT-Project/internal/ingress"
	"github.com/romanborysenkov/IoT-Project/internal/mqttbroker"
	"github.com/romanborysenkov/IoT-Project/internal/queue"
)

// Hub is the relay process: both ingress paths, the durable queue, the
// flusher and the gateway to the store.
type Hub struct {
	cfg    config.Hub
	logger *slog.Logger

	// OnDrop, when set before Run, observes batches the store refused.
	OnDrop flusher.DropFunc

	ready      chan struct{}
	mu         sync.Mutex
	httpAddr   net.Addr
	broker     *mqttbroker.Broker
	subscriber *ingress.Subscriber
	pipeline   *ingress.Pipeline
	mdns       *zeroconf.Server
}

// NewHub constructs a hub.
func NewHub(cfg config.Hub, logger *slog.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once every listener is bound.
func (h *Hub) Ready() <-chan struct{} { return h.ready }

// HTTPAddr returns the ingress listener address, or nil before Ready.
func (h *Hub) HTTPAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.httpAddr
}

// BrokerAddr returns the embedded broker address, or nil when the hub uses
// an external broker.
func (h *Hub) BrokerAddr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.broker == nil {
		return nil
	}
	return h.broker.Addr()
}

// Run starts all configured services and blocks until ctx is cancelled or
// one of them fails.
func (h *Hub) Run(ctx context.Context) error {
	stopTracing, err := initTracing(ctx, h.logger, "roadwatch-hub", h.cfg.OTelExporter, h.cfg.OTelEndpoint)
	if err != nil {
		return err
	}
	defer stopTracing()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	brokerURL := h.cfg.BrokerURL()
	if h.cfg.MQTTEmbeddedBind != "" {
		broker := mqttbroker.New(h.logger)
		brokerErrCh, err := broker.Start(h.cfg.MQTTEmbeddedBind)
		if err != nil {
			return abort(err)
		}
		h.mu.Lock()
		h.broker = broker
		h.mu.Unlock()
		brokerURL = "tcp://" + dialable(broker.Addr())

		g.Go(func() error {
			select {
			case err, ok := <-brokerErrCh:
				if ok && err != nil {
					return err
				}
				return nil
			case <-gctx.Done():
				if err := broker.Stop(); err != nil {
					return err
				}
				h.logger.Info("mqtt broker stopped")
				return nil
			}
		})
	}

	q, err := queue.Open(ctx, queue.Config{
		Backend:       h.cfg.QueueBackend,
		RedisAddr:     h.cfg.RedisAddr,
		RedisPassword: h.cfg.RedisPassword,
		RedisDB:       h.cfg.RedisDB,
		RedisKey:      h.cfg.RedisKey,
	})
	if err != nil {
		return abort(fmt.Errorf("open queue: %w", err))
	}
	defer func() {
		lenCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if n, lerr := q.Len(lenCtx); lerr != nil {
			h.logger.Warn("read queue length at shutdown", "error", lerr)
		} else if n > 0 {
			h.logger.Info("records left below batch threshold", "records", n, "backend", h.cfg.QueueBackend)
		}
		if cerr := q.Close(); cerr != nil {
			h.logger.Error("close queue", "error", cerr)
		}
	}()
	h.logger.Info("queue opened", "backend", h.cfg.QueueBackend)

	f, err := flusher.New(q, gateway.New(h.cfg.StoreBaseURL, h.cfg.StoreTimeout), flusher.Options{
		BatchSize: h.cfg.BatchSize,
		Timeout:   h.cfg.FlushTimeout,
		OnDrop:    h.OnDrop,
	}, h.logger.With("component", "flusher"))
	if err != nil {
		return abort(err)
	}

	h.pipeline = ingress.NewPipeline(q, f, h.logger)
	h.subscriber = ingress.NewSubscriber(ingress.SubscriberConfig{
		BrokerURL:         brokerURL,
		ClientID:          h.cfg.MQTTClientID,
		Topic:             h.cfg.MQTTTopic,
		ReconnectInterval: h.cfg.MQTTReconnectInterval,
	}, h.pipeline, h.logger)

	ln, err := listen(h.cfg.HTTPPort)
	if err != nil {
		return abort(err)
	}
	h.mu.Lock()
	h.httpAddr = ln.Addr()
	h.mu.Unlock()

	serve(gctx, g, h.logger, "ingress", &http.Server{
		Handler:           otelhttp.NewHandler(h.routes(), "hub"),
		ReadHeaderTimeout: 10 * time.Second,
	}, ln)

	if err := serveMetrics(gctx, g, h.logger, h.cfg.MetricsPort); err != nil {
		return abort(err)
	}

	g.Go(func() error { return h.subscriber.Run(gctx) })

	if h.cfg.MDNSEnabled {
		if err := h.startMDNS(portOf(ln.Addr())); err != nil {
			h.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer h.stopMDNS()
	}

	close(h.ready)
	h.logger.Info("hub started",
		"broker", brokerURL,
		"topic", h.cfg.MQTTTopic,
		"batch_size", h.cfg.BatchSize,
		"store", h.cfg.StoreBaseURL,
	)

	return g.Wait()
}

func (h *Hub) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	ingest := ingress.NewHTTPHandler(h.pipeline, h.logger)
	r.Handle("/processed_agent_data/", ingest)
	r.Handle("/processed_agent_data", ingest)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.Write(w, http.StatusOK, httpapi.OK)
	})
	r.Get("/readyz", h.handleReadyz)
	return r
}

func (h *Hub) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{
		"queue": "ok",
		"mqtt":  h.subscriber.State().String(),
	}
	ready := h.subscriber.State() == ingress.StateSubscribed
	if err := h.pipeline.Ready(ctx); err != nil {
		status["queue"] = err.Error()
		ready = false
	}
	if !ready {
		httpapi.Write(w, http.StatusServiceUnavailable, status)
		return
	}
	httpapi.Write(w, http.StatusOK, status)
}

// dialable turns a wildcard listen address into one a local client can dial.
func dialable(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return fmt.Sprintf("127.0.0.1:%d", tcp.Port)
	}
	return tcp.String()
}
