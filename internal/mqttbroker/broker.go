// Package mqttbroker is a small in-process MQTT 3.1.1 broker. It routes
// publishes between connected clients and nothing else: no retained messages,
// no persistent sessions, and every delivery is QoS 0.
package mqttbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	closed   atomic.Bool
	clientID atomic.Value // string, set on CONNECT

	filtersMu sync.RWMutex
	filters   map[string]struct{}
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		filters: make(map[string]struct{}),
	}
}

func (s *session) id() string {
	id, _ := s.clientID.Load().(string)
	return id
}

func (s *session) matches(topic string) bool {
	s.filtersMu.RLock()
	defer s.filtersMu.RUnlock()
	for f := range s.filters {
		if matchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (s *session) subscribe(filters []string) {
	s.filtersMu.Lock()
	for _, f := range filters {
		s.filters[f] = struct{}{}
	}
	s.filtersMu.Unlock()
}

func (s *session) unsubscribe(filters []string) {
	s.filtersMu.Lock()
	for _, f := range filters {
		delete(s.filters, f)
	}
	s.filtersMu.Unlock()
}

func (s *session) write(frame []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// Broker accepts MQTT clients on one TCP listener.
type Broker struct {
	logger       *slog.Logger
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	sessionsMu sync.RWMutex
	sessions   map[*session]struct{}
}

// New constructs a broker.
func New(logger *slog.Logger) *Broker {
	return &Broker{
		logger:   logger.With("component", "mqtt-broker"),
		sessions: make(map[*session]struct{}),
	}
}

// Start listens on bind. The returned channel is closed when the accept loop
// ends and carries the error if it ended for any reason other than Stop.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.sessionsMu.Lock()
			b.sessions[s] = struct{}{}
			b.sessionsMu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the bound listener address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for the
// connection goroutines to exit.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.sessionsMu.Lock()
	for s := range b.sessions {
		s.closed.Store(true)
		_ = s.conn.Close()
	}
	b.sessionsMu.Unlock()

	b.wg.Wait()
	return nil
}

// Publish delivers payload to every client with a matching subscription.
func (b *Broker) Publish(topic string, payload []byte) error {
	return b.route(topic, payload)
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	return len(b.sessions)
}

// route delivers to every matching session, the publisher included.
func (b *Broker) route(topic string, payload []byte) error {
	frame, err := encodePublish(topic, payload)
	if err != nil {
		return err
	}

	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	for s := range b.sessions {
		if !s.matches(topic) {
			continue
		}
		if err := s.write(frame); err != nil {
			b.logger.Debug("deliver publish failed", "client", s.id(), "error", err)
		}
	}
	return nil
}

func (b *Broker) serve(s *session) {
	defer func() {
		s.closed.Store(true)
		b.sessionsMu.Lock()
		delete(b.sessions, s)
		b.sessionsMu.Unlock()
		_ = s.conn.Close()
	}()

	connected := false
	for {
		p, err := readPacket(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				b.logger.Debug("read packet", "client", s.id(), "error", err)
			}
			return
		}
		if !connected && p.kind != packetConnect {
			b.logger.Debug("packet before connect", "type", p.kind)
			return
		}

		if err := b.dispatch(s, p); err != nil {
			b.logger.Debug("client dropped", "client", s.id(), "type", p.kind, "error", err)
			return
		}
		if p.kind == packetDisconnect {
			return
		}
		connected = true
	}
}

func (b *Broker) dispatch(s *session, p packet) error {
	switch p.kind {
	case packetConnect:
		req, err := parseConnect(p.body)
		if err != nil {
			return err
		}
		if req.clientID == "" {
			req.clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
		}
		s.clientID.Store(req.clientID)
		return s.write(encodePacket(packetConnAck, 0, []byte{0x00, 0x00}))

	case packetPublish:
		req, err := parsePublish(p)
		if err != nil {
			return err
		}
		if req.qos == 1 {
			if err := s.write(encodeAck(packetPubAck, req.packetID)); err != nil {
				return fmt.Errorf("write puback: %w", err)
			}
		}
		return b.route(req.topic, req.payload)

	case packetSubscribe:
		req, err := parseFilters(p.body, true)
		if err != nil {
			return err
		}
		codes := make([]byte, len(req.filters))
		accepted := req.filters[:0:0]
		for i, f := range req.filters {
			if !validFilter(f) {
				codes[i] = 0x80
				continue
			}
			// Every grant is QoS 0.
			accepted = append(accepted, f)
		}
		s.subscribe(accepted)
		return s.write(encodeAck(packetSubAck, req.packetID, codes...))

	case packetUnsubscribe:
		req, err := parseFilters(p.body, false)
		if err != nil {
			return err
		}
		s.unsubscribe(req.filters)
		return s.write(encodeAck(packetUnsubAck, req.packetID))

	case packetPingReq:
		return s.write(encodePacket(packetPingResp, 0, nil))

	case packetDisconnect:
		return nil

	default:
		return fmt.Errorf("unsupported packet type %d", p.kind)
	}
}
