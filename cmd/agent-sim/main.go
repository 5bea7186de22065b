// Command agent-sim replays recorded accelerometer and GPS samples as a
// vehicle agent, delivering labelled records to the hub over MQTT or HTTP.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/pflag"
)

type sender interface {
	Send(ctx context.Context, payload []byte) error
	Close()
}

func main() {
	samples := pflag.String("samples", "data/samples.csv", "CSV file with x,y,z,latitude,longitude columns")
	mode := pflag.String("mode", "mqtt", "delivery path: mqtt or http")
	broker := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	topic := pflag.String("topic", "processed_agent_data_topic", "MQTT topic")
	hubURL := pflag.String("hub", "http://localhost:8000", "hub base URL for http mode")
	userID := pflag.Int64("user-id", 1, "user id stamped on every record")
	interval := pflag.Duration("interval", time.Second, "delay between records")
	count := pflag.Int("count", 0, "stop after this many records; 0 runs until interrupted")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	source, err := openFileSource(*samples, *userID)
	if err != nil {
		logger.Error("failed to load samples", "error", err)
		os.Exit(1)
	}

	var out sender
	switch strings.ToLower(*mode) {
	case "mqtt":
		out, err = newMQTTSender(*broker, *topic, *userID)
	case "http":
		out = newHTTPSender(*hubURL)
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}
	if err != nil {
		logger.Error("failed to set up delivery", "error", err)
		os.Exit(1)
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for sent := 0; *count == 0 || sent < *count; sent++ {
		rec := source.Read()
		payload, err := json.Marshal(rec)
		if err != nil {
			logger.Error("failed to encode record", "error", err)
			os.Exit(1)
		}
		if err := out.Send(ctx, payload); err != nil {
			logger.Warn("send failed", "error", err)
		} else {
			logger.Info("record sent", "mode", *mode, "road_state", rec.RoadState, "z", rec.AgentData.Accelerometer.Z)
		}

		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return
		case <-ticker.C:
		}
	}
}

type mqttSender struct {
	client mqtt.Client
	topic  string
}

func newMQTTSender(broker, topic string, userID int64) (*mqttSender, error) {
	clientID := fmt.Sprintf("agent-sim-%d-%d", userID, time.Now().UnixNano())
	client := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return &mqttSender{client: client, topic: topic}, nil
}

func (s *mqttSender) Send(ctx context.Context, payload []byte) error {
	token := s.client.Publish(s.topic, 0, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mqttSender) Close() { s.client.Disconnect(250) }

type httpSender struct {
	client *http.Client
	url    string
}

func newHTTPSender(base string) *httpSender {
	return &httpSender{
		client: &http.Client{Timeout: 5 * time.Second},
		url:    strings.TrimRight(base, "/") + "/processed_agent_data/",
	}
}

func (s *httpSender) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hub returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (s *httpSender) Close() {}
