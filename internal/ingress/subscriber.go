package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/observability"
)

// State is the connection state of a Subscriber.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Acceptor takes decoded records from an ingress adapter.
type Acceptor interface {
	Accept(ctx context.Context, source string, recs []model.Record) error
}

// SubscriberConfig describes the broker connection.
type SubscriberConfig struct {
	// BrokerURL is a paho broker URL such as tcp://localhost:1883.
	BrokerURL         string
	ClientID          string
	Topic             string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	// Backlog bounds messages received but not yet handed to the acceptor.
	Backlog int
}

// Subscriber keeps a subscription to one MQTT topic alive and feeds every
// valid message to an Acceptor.
//
// Paho's own reconnect logic is disabled. Run drives the state machine
// Disconnected -> Connecting -> Subscribed -> Disconnected and retries after a
// fixed backoff until its context is cancelled; there is no terminal failure.
type Subscriber struct {
	cfg      SubscriberConfig
	acceptor Acceptor
	logger   *slog.Logger
	state    atomic.Int32
	messages chan []byte

	mu     sync.Mutex
	closed bool
}

// NewSubscriber builds a Subscriber. Zero durations take defaults.
func NewSubscriber(cfg SubscriberConfig, acceptor Acceptor, logger *slog.Logger) *Subscriber {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("roadwatch-hub-%d", time.Now().UnixNano())
	}
	s := &Subscriber{
		cfg:      cfg,
		acceptor: acceptor,
		logger:   logger.With("component", "mqtt-subscriber", "topic", cfg.Topic),
		messages: make(chan []byte, cfg.Backlog),
	}
	s.setState(StateDisconnected)
	return s
}

// State returns the current connection state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

func (s *Subscriber) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	observability.BrokerConnectionState.WithLabelValues(prev.String()).Set(0)
	observability.BrokerConnectionState.WithLabelValues(st.String()).Set(1)
}

// Run blocks until ctx is cancelled. Messages already received when ctx ends
// are still handed to the acceptor before Run returns.
func (s *Subscriber) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.process(ctx)
	}()
	defer func() { <-done }()

	retry := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ReconnectInterval), ctx)
	err := backoff.RetryNotify(func() error {
		s.setState(StateConnecting)
		err := s.session(ctx)
		s.setState(StateDisconnected)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, retry, func(err error, wait time.Duration) {
		s.logger.Warn("mqtt session ended, reconnecting", "broker", s.cfg.BrokerURL, "error", err, "retry_in", wait)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session connects, subscribes and blocks until the connection is lost or
// ctx is cancelled.
func (s *Subscriber) session(ctx context.Context) error {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(s.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(s.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return errors.New("connect: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect(250)

	subToken := client.Subscribe(s.cfg.Topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		s.enqueue(ctx, append([]byte(nil), msg.Payload()...))
	})
	if !subToken.WaitTimeout(s.cfg.ConnectTimeout) {
		return errors.New("subscribe: timed out")
	}
	if err := subToken.Error(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	s.setState(StateSubscribed)
	s.logger.Info("subscribed to mqtt topic", "broker", s.cfg.BrokerURL)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("connection lost: %w", err)
	}
}

// enqueue queues a received payload for process. Once the backlog is closed
// the payload is logged and counted as dropped.
func (s *Subscriber) enqueue(ctx context.Context, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		select {
		case s.messages <- payload:
			return
		case <-ctx.Done():
		}
	}
	observability.RecordsDropped.Inc()
	s.logger.Warn("mqtt message dropped at shutdown", "payload", truncate(payload, 256))
}

// process hands messages to the acceptor in arrival order, off the paho
// router goroutine so a slow flush never stalls keepalives. When ctx ends it
// closes the backlog and drains what is left.
func (s *Subscriber) process(ctx context.Context) {
	// A received message is queued even if shutdown starts mid-handle.
	acceptCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			s.drain(acceptCtx)
			return
		case payload := <-s.messages:
			s.handle(acceptCtx, payload)
		}
	}
}

func (s *Subscriber) drain(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if n := len(s.messages); n > 0 {
		s.logger.Info("draining mqtt backlog", "messages", n)
	}
	for {
		select {
		case payload := <-s.messages:
			s.handle(ctx, payload)
		default:
			return
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mqtt message handler panic", "panic", r)
		}
	}()

	rec, err := model.DecodeRecord(payload)
	if err != nil {
		observability.RecordsRejected.WithLabelValues(SourceMQTT).Inc()
		s.logger.Warn("mqtt payload dropped", "error", err, "payload", truncate(payload, 256))
		return
	}

	if err := s.acceptor.Accept(ctx, SourceMQTT, []model.Record{rec}); err != nil {
		s.logger.Error("mqtt ingest failed", "user_id", rec.AgentData.UserID, "error", err)
	}
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
