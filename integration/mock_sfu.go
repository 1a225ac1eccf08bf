// Package integration holds end-to-end tests that exercise a VoiceSession
// against an in-process mock SFU signaling server, the same way the
// teacher's test package exercises its session manager against a mock HPB.
package integration

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// envelope mirrors the `{op, d}` wire framing without depending on the
// voice package's unexported encoder, matching the hand-built-map style
// the teacher's own mock server uses for its HPB messages.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

// MockSFU simulates the signaling half of an SFU: it upgrades one
// WebSocket connection at a time and lets a test script send arbitrary
// opcodes/binary frames to it and inspect what the client sent.
type MockSFU struct {
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	connCh    chan struct{}
	received  []envelope
	binRecv   [][]byte
	done      chan struct{}
}

// StartMockSFU starts a mock SFU on an auto-assigned loopback port.
func StartMockSFU(logger *slog.Logger) (*MockSFU, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	m := &MockSFU{
		listener: listener,
		logger:   logger,
		connCh:   make(chan struct{}, 8),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)
	m.server = &http.Server{Handler: mux}

	go func() {
		if err := m.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("mock sfu server error", "error", err)
		}
	}()

	return m, nil
}

// URL returns the ws:// endpoint the mock server listens on.
func (m *MockSFU) URL() string {
	return fmt.Sprintf("ws://%s", m.listener.Addr().String())
}

func (m *MockSFU) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("mock sfu upgrade failed", "error", err)
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.connCh <- struct{}{}

	for {
		select {
		case <-m.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.TextMessage:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			m.mu.Lock()
			m.received = append(m.received, env)
			m.mu.Unlock()
		case websocket.BinaryMessage:
			m.mu.Lock()
			m.binRecv = append(m.binRecv, append([]byte(nil), data...))
			m.mu.Unlock()
		}
	}
}

// WaitForConnection blocks until a client has connected, or timeout elapses.
func (m *MockSFU) WaitForConnection(timeout time.Duration) error {
	select {
	case <-m.connCh:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for client connection")
	}
}

// SendEnvelope sends one {op, d} JSON text frame to the current client.
func (m *MockSFU) SendEnvelope(op int, payload interface{}) error {
	d, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(envelope{Op: op, D: d})
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendBinary writes a raw binary frame (a wire-format RTP packet) to the
// current client.
func (m *MockSFU) SendBinary(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

// CloseClientConn forcibly drops the current connection, simulating an
// unexpected transport closure (S5/S6's "transport closes" scenarios).
// The server keeps listening for the client's next reconnect attempt.
func (m *MockSFU) CloseClientConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// ReceivedEnvelopes returns every text-frame envelope the server has seen
// from the client so far, across every connection.
func (m *MockSFU) ReceivedEnvelopes() []envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]envelope, len(m.received))
	copy(out, m.received)
	return out
}

// ReceivedBinary returns every binary frame the server has seen.
func (m *MockSFU) ReceivedBinary() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.binRecv))
	copy(out, m.binRecv)
	return out
}

// Close stops the mock server.
func (m *MockSFU) Close() error {
	close(m.done)
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return m.server.Close()
}
