package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// readDeadline bounds how long the read loop waits for the next frame
// before considering the transport dead.
const readDeadline = 30 * time.Second

// dialTimeout bounds the initial handshake.
const dialTimeout = 10 * time.Second

// Transport is one ordered, binary-capable duplex WebSocket connection to
// the SFU's signaling endpoint. Text frames are `{op, d}` envelopes;
// binary frames are uninterpreted RTP packets that bypass JSON entirely.
// Its shape — dial, a read loop pushing onto bounded channels, a mutex
// guarding writes — follows the teacher's hpb.Client and modal.Client.
type Transport struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	envelopeCh chan Envelope
	binaryCh   chan []byte
	errCh      chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport returns a Transport bound to url, unconnected.
func NewTransport(url string, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:        url,
		logger:     logger,
		envelopeCh: make(chan Envelope, 64),
		binaryCh:   make(chan []byte, 256),
		errCh:      make(chan error, 8),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Connect dials the signaling endpoint and starts the read loop. Connect
// may be called again after Close on a fresh Transport value for each
// reconnect attempt — it is not reused in place.
func (t *Transport) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("voice: dial signaling endpoint: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readDeadline))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			// errCh is buffered and readLoop sends to it at most once in its
			// lifetime, so this never blocks. Racing it against t.ctx.Done()
			// (as Close cancels ctx before closing conn) let either branch
			// win at random, and serve has nothing else that wakes it on a
			// heartbeat-triggered Close.
			t.errCh <- fmt.Errorf("voice: transport read: %w", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			select {
			case t.binaryCh <- data:
			case <-t.ctx.Done():
				return
			default:
				t.logger.Warn("binary frame channel full, dropping packet")
			}
		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.logger.Debug("dropping malformed signaling envelope", "error", err)
				continue
			}
			select {
			case t.envelopeCh <- env:
			case <-t.ctx.Done():
				return
			default:
				t.logger.Warn("envelope channel full, dropping message", "op", env.Op)
			}
		}
	}
}

// SendEnvelope marshals op/payload into the wire `{op, d}` form and writes
// it as a text frame.
func (t *Transport) SendEnvelope(op Opcode, payload interface{}) error {
	data, err := encodeEnvelope(op, payload)
	if err != nil {
		return fmt.Errorf("voice: encode envelope: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("voice: transport not connected")
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// SendBinary writes raw wire bytes (a sealed RTP packet) as a binary
// frame.
func (t *Transport) SendBinary(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("voice: transport not connected")
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

// EnvelopeChan returns the channel of parsed incoming signaling messages.
func (t *Transport) EnvelopeChan() <-chan Envelope { return t.envelopeCh }

// BinaryChan returns the channel of incoming raw RTP frames.
func (t *Transport) BinaryChan() <-chan []byte { return t.binaryCh }

// ErrorChan returns the channel of transport-level errors (always fatal
// to this Transport instance; the caller reconnects with a new one).
func (t *Transport) ErrorChan() <-chan error { return t.errCh }

// Close tears down the connection and stops the read loop. Idempotent.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	return nil
}
