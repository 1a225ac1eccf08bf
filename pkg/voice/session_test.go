package voice

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaytalk/voicecore/pkg/wire"
)

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestBackoffDurationMatchesCappedExponentialSequence checks invariant 7:
// attempt n waits min(1s*2^(n-1), 16s), and the sequence never exceeds the
// 16s ceiling however far attempts run past the configured budget.
func TestBackoffDurationMatchesCappedExponentialSequence(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		16 * time.Second,
	}
	for i, w := range want {
		attempt := i + 1
		if got := backoffDuration(attempt); got != w {
			t.Errorf("backoffDuration(%d) = %v, want %v", attempt, got, w)
		}
	}
}

// echoBinaryServer accepts one WebSocket connection and forwards every
// binary frame it receives onto recv, for observing what sendOnePacket
// actually puts on the wire without driving a full handshake.
type echoBinaryServer struct {
	listener net.Listener
	server   *http.Server
	recv     chan []byte
}

func startEchoBinaryServer(t *testing.T) *echoBinaryServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &echoBinaryServer{listener: listener, recv: make(chan []byte, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				s.recv <- append([]byte(nil), data...)
			}
		}
	})
	s.server = &http.Server{Handler: mux}
	go s.server.Serve(listener)
	return s
}

func (s *echoBinaryServer) url() string {
	return "ws://" + s.listener.Addr().String()
}

func (s *echoBinaryServer) close() {
	s.server.Close()
}

// TestSendOnePacketSequenceAndTimestampMonotonicity drives sendOnePacket
// directly against a live transport and checks invariant 2: consecutive
// outbound packets carry sequence numbers incrementing by 1 mod 2^16 and
// timestamps incrementing by one Opus frame's worth of samples mod 2^32.
func TestSendOnePacketSequenceAndTimestampMonotonicity(t *testing.T) {
	srv := startEchoBinaryServer(t)
	defer srv.close()

	transport := NewTransport(srv.url(), silentLogger())
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Close()

	var secret [32]byte
	for i := range secret {
		secret[i] = byte(i)
	}
	keys := wire.Keys{Secret: secret, Mode: wire.ModeXSalsa20Poly1305}

	s := &VoiceSession{
		logger:        silentLogger(),
		state:         StateConnected,
		hasKeys:       true,
		keys:          keys,
		codec:         wire.NewCodec(keys),
		transport:     transport,
		localSSRC:     4242,
		jitterBuffers: make(map[uint32]*wire.JitterBuffer),
	}

	const n = 5
	for i := 0; i < n; i++ {
		s.sendOnePacket([]byte("payload"))
	}

	var headers []wire.Header
	deadline := time.After(2 * time.Second)
	for len(headers) < n {
		select {
		case data := <-srv.recv:
			h, _, err := s.codec.Open(data)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			headers = append(headers, h)
		case <-deadline:
			t.Fatalf("timed out waiting for packets, got %d of %d", len(headers), n)
		}
	}

	for i := 1; i < len(headers); i++ {
		gotSeqDelta := headers[i].Sequence - headers[i-1].Sequence
		if gotSeqDelta != 1 {
			t.Errorf("packet %d: sequence delta = %d, want 1", i, gotSeqDelta)
		}
		gotTSDelta := headers[i].Timestamp - headers[i-1].Timestamp
		if gotTSDelta != wire.OpusFrameSamples {
			t.Errorf("packet %d: timestamp delta = %d, want %d", i, gotTSDelta, wire.OpusFrameSamples)
		}
		if headers[i].SSRC != 4242 {
			t.Errorf("packet %d: ssrc = %d, want 4242", i, headers[i].SSRC)
		}
	}
}

// TestSendOnePacketDropsWhenDisconnected checks that sendOnePacket never
// touches a nil transport: the Connected+hasKeys guard must reject sends
// made while the session is not fully established.
func TestSendOnePacketDropsWhenDisconnected(t *testing.T) {
	s := &VoiceSession{
		logger: silentLogger(),
		state:  StateDisconnected,
	}
	// Must not panic despite transport/codec being nil.
	s.sendOnePacket([]byte("payload"))
}

// echoEnvelopeServer accepts one WebSocket connection and forwards every
// parsed {op,d} envelope it receives onto recv.
type echoEnvelopeServer struct {
	listener net.Listener
	server   *http.Server
	recv     chan Envelope
}

func startEchoEnvelopeServer(t *testing.T) *echoEnvelopeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &echoEnvelopeServer{listener: listener, recv: make(chan Envelope, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage {
				var env Envelope
				if err := json.Unmarshal(data, &env); err == nil {
					s.recv <- env
				}
			}
		}
	})
	s.server = &http.Server{Handler: mux}
	go s.server.Serve(listener)
	return s
}

func (s *echoEnvelopeServer) url() string {
	return "ws://" + s.listener.Addr().String()
}

func (s *echoEnvelopeServer) close() {
	s.server.Close()
}

// TestSpeakingResendCarriesMicrophoneFlag checks invariant 8: the Speaking
// message enterConnected resends on behalf of a resumed was_speaking state
// carries the microphone flag bit.
func TestSpeakingResendCarriesMicrophoneFlag(t *testing.T) {
	srv := startEchoEnvelopeServer(t)
	defer srv.close()

	transport := NewTransport(srv.url(), silentLogger())
	if err := transport.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer transport.Close()

	s := &VoiceSession{
		logger:       silentLogger(),
		observer:     NopObserver{},
		participants: newParticipantIndex(),
	}
	s.transport = transport
	s.localSSRC = 99
	s.wasSpeaking = true
	s.state = StateConnected
	s.heartbeatInterval = 5 * time.Second

	s.enterConnected()
	defer func() {
		if s.hb != nil {
			s.hb.stop()
		}
		if s.scheduler != nil {
			s.scheduler.stop()
		}
	}()

	var env Envelope
	deadline := time.After(2 * time.Second)
	found := false
	for !found {
		select {
		case e := <-srv.recv:
			if e.Op == OpSpeaking {
				env = e
				found = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for a speaking envelope")
		}
	}

	var p SpeakingPayload
	if err := json.Unmarshal(env.D, &p); err != nil {
		t.Fatalf("unmarshal speaking payload: %v", err)
	}
	if p.Speaking&int(SpeakingMicrophone) == 0 {
		t.Errorf("speaking flags = %d, want microphone bit set", p.Speaking)
	}
	if p.SSRC != 99 {
		t.Errorf("ssrc = %d, want 99", p.SSRC)
	}
}
