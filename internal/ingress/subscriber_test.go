package ingress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/romanborysenkov/IoT-Project/internal/ingress"
	"github.com/romanborysenkov/IoT-Project/internal/model"
	"github.com/romanborysenkov/IoT-Project/internal/mqttbroker"
)

const topic = "agent_data_topic"

type fakeAcceptor struct {
	mu   sync.Mutex
	recs []model.Record
}

func (a *fakeAcceptor) Accept(_ context.Context, source string, recs []model.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if source != ingress.SourceMQTT {
		panic("unexpected source " + source)
	}
	a.recs = append(a.recs, recs...)
	return nil
}

func (a *fakeAcceptor) received() []model.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Record(nil), a.recs...)
}

func startBroker(t *testing.T, bind string) *mqttbroker.Broker {
	t.Helper()
	b := mqttbroker.New(discard())
	_, err := b.Start(bind)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func publish(t *testing.T, addr string, payloads ...string) {
	t.Helper()
	c := mqtt.NewClient(mqtt.NewClientOptions().AddBroker("tcp://" + addr).SetAutoReconnect(false))
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	defer c.Disconnect(50)
	for _, p := range payloads {
		pt := c.Publish(topic, 0, false, p)
		require.True(t, pt.WaitTimeout(2*time.Second))
	}
}

func runSubscriber(t *testing.T, addr string, acc ingress.Acceptor) *ingress.Subscriber {
	t.Helper()
	sub := ingress.NewSubscriber(ingress.SubscriberConfig{
		BrokerURL:         "tcp://" + addr,
		ClientID:          "hub-test",
		Topic:             topic,
		ReconnectInterval: 50 * time.Millisecond,
		ConnectTimeout:    time.Second,
	}, acc, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("subscriber did not stop")
		}
	})
	return sub
}

func TestSubscriberAcceptsValidMessagesInOrder(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	addr := b.Addr().String()
	acc := &fakeAcceptor{}
	sub := runSubscriber(t, addr, acc)

	require.Eventually(t, func() bool { return sub.State() == ingress.StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	publish(t, addr,
		payload(1, "good", "2024-01-01T00:00:00Z"),
		`{"road_state":"good"}`,
		"not json",
		payload(2, "poor", "2024-01-01T00:00:01Z"),
	)

	require.Eventually(t, func() bool { return len(acc.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := acc.received()
	assert.Equal(t, int64(1), got[0].AgentData.UserID)
	assert.Equal(t, model.RoadStatePoor, got[1].RoadState)
}

func TestSubscriberReconnectsAfterBrokerRestart(t *testing.T) {
	first := mqttbroker.New(discard())
	_, err := first.Start("127.0.0.1:0")
	require.NoError(t, err)
	addr := first.Addr().String()

	acc := &fakeAcceptor{}
	sub := runSubscriber(t, addr, acc)
	require.Eventually(t, func() bool { return sub.State() == ingress.StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Stop())
	require.Eventually(t, func() bool { return sub.State() != ingress.StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	startBroker(t, addr)
	require.Eventually(t, func() bool { return sub.State() == ingress.StateSubscribed }, 5*time.Second, 20*time.Millisecond)

	publish(t, addr, payload(9, "average", "2024-01-01T00:00:00Z"))
	require.Eventually(t, func() bool { return len(acc.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberRetriesUntilBrokerAppears(t *testing.T) {
	placeholder := startBroker(t, "127.0.0.1:0")
	addr := placeholder.Addr().String()
	require.NoError(t, placeholder.Stop())

	sub := runSubscriber(t, addr, &fakeAcceptor{})
	time.Sleep(150 * time.Millisecond)
	assert.NotEqual(t, ingress.StateSubscribed, sub.State())

	startBroker(t, addr)
	require.Eventually(t, func() bool { return sub.State() == ingress.StateSubscribed }, 5*time.Second, 20*time.Millisecond)
}

// gatedAcceptor blocks every Accept until gate is closed.
type gatedAcceptor struct {
	fakeAcceptor
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func (a *gatedAcceptor) Accept(ctx context.Context, source string, recs []model.Record) error {
	a.once.Do(func() { close(a.entered) })
	<-a.gate
	return a.fakeAcceptor.Accept(ctx, source, recs)
}

func TestSubscriberDrainsBacklogOnShutdown(t *testing.T) {
	b := startBroker(t, "127.0.0.1:0")
	addr := b.Addr().String()
	acc := &gatedAcceptor{gate: make(chan struct{}), entered: make(chan struct{})}

	sub := ingress.NewSubscriber(ingress.SubscriberConfig{
		BrokerURL:         "tcp://" + addr,
		ClientID:          "hub-drain",
		Topic:             topic,
		ReconnectInterval: 50 * time.Millisecond,
		ConnectTimeout:    time.Second,
	}, acc, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()
	require.Eventually(t, func() bool { return sub.State() == ingress.StateSubscribed }, 2*time.Second, 10*time.Millisecond)

	var payloads []string
	for i := 0; i < 10; i++ {
		payloads = append(payloads, payload(i+1, "good", "2024-01-01T00:00:00Z"))
	}
	publish(t, addr, payloads...)

	select {
	case <-acc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first message never reached the acceptor")
	}
	// Let the rest of the messages land in the backlog.
	time.Sleep(200 * time.Millisecond)
	cancel()
	close(acc.gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	got := acc.received()
	require.Len(t, got, 10)
	for i, rec := range got {
		assert.Equal(t, int64(i+1), rec.AgentData.UserID)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", ingress.StateDisconnected.String())
	assert.Equal(t, "connecting", ingress.StateConnecting.String())
	assert.Equal(t, "subscribed", ingress.StateSubscribed.String())
}

func TestSubscriberStopsDuringReconnectWait(t *testing.T) {
	placeholder := startBroker(t, "127.0.0.1:0")
	addr := placeholder.Addr().String()
	require.NoError(t, placeholder.Stop())

	sub := ingress.NewSubscriber(ingress.SubscriberConfig{
		BrokerURL:         "tcp://" + addr,
		Topic:             topic,
		ReconnectInterval: time.Minute,
		ConnectTimeout:    time.Second,
	}, &fakeAcceptor{}, discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber kept waiting for the reconnect interval")
	}
	assert.Equal(t, ingress.StateDisconnected, sub.State())
}
