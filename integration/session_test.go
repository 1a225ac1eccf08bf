package integration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/relaytalk/voicecore/pkg/audio"
	"github.com/relaytalk/voicecore/pkg/voice"
	"github.com/relaytalk/voicecore/pkg/wire"
)

const testMode = wire.ModeXSalsa20Poly1305

var testSecret = [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16,
	17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}

func testSecretB64() string {
	return base64.StdEncoding.EncodeToString(testSecret[:])
}

// capturingObserver records every VoiceSession lifecycle event for
// assertions, grounded on the teacher's habit of asserting against a
// mock server's recorded messages rather than sleeping and hoping.
type capturingObserver struct {
	mu             sync.Mutex
	states         []voice.ConnectionState
	connectedCount int
	disconnected   []bool
	reconnects     [][2]int
	joined         []voice.Participant
	left           []string
	errs           []error
}

func (o *capturingObserver) OnStateChanged(s voice.ConnectionState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}
func (o *capturingObserver) OnConnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connectedCount++
}
func (o *capturingObserver) OnDisconnected(final bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.disconnected = append(o.disconnected, final)
}
func (o *capturingObserver) OnReconnecting(attempt, max int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnects = append(o.reconnects, [2]int{attempt, max})
}
func (o *capturingObserver) OnUserJoined(p voice.Participant) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joined = append(o.joined, p)
}
func (o *capturingObserver) OnUserLeft(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.left = append(o.left, userID)
}
func (o *capturingObserver) OnUserSpeaking(userID string, ssrc uint32, speaking int) {}
func (o *capturingObserver) OnError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *capturingObserver) snapshotConnectedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.connectedCount
}
func (o *capturingObserver) snapshotDisconnected() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]bool(nil), o.disconnected...)
}
func (o *capturingObserver) snapshotReconnects() [][2]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][2]int(nil), o.reconnects...)
}

// capturingSink records decoded PCM frames by SSRC in arrival order.
type capturingSink struct {
	mu     sync.Mutex
	frames map[uint32][][]int16
}

func newCapturingSink() *capturingSink {
	return &capturingSink{frames: make(map[uint32][][]int16)}
}
func (s *capturingSink) PlayFrame(ssrc uint32, pcm []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[ssrc] = append(s.frames[ssrc], pcm)
}
func (s *capturingSink) count(ssrc uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames[ssrc])
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// readyPayload and describePayload build the two server messages every
// handshake in these tests needs.
func readyPayload(ssrc uint32, heartbeatMs int) map[string]interface{} {
	return map[string]interface{}{
		"ssrc":              ssrc,
		"ip":                "",
		"port":              0,
		"modes":             []string{testMode},
		"heartbeat_interval": heartbeatMs,
	}
}

func describePayload() map[string]interface{} {
	return map[string]interface{}{
		"mode":        testMode,
		"secret_key":  testSecretB64(),
		"audio_codec": "opus",
	}
}

// driveHandshake waits for the client to connect and plays the server side
// of one Identify -> Ready -> SelectProtocol -> SessionDescribe exchange.
func driveHandshake(t *testing.T, mock *MockSFU, ssrc uint32, heartbeatMs int) {
	t.Helper()
	if err := mock.WaitForConnection(2 * time.Second); err != nil {
		t.Fatalf("waiting for client connection: %v", err)
	}
	if err := mock.SendEnvelope(2, readyPayload(ssrc, heartbeatMs)); err != nil {
		t.Fatalf("send ready: %v", err)
	}
	// Give the client a moment to process Ready and send SelectProtocol
	// before SessionDescribe arrives.
	time.Sleep(50 * time.Millisecond)
	if err := mock.SendEnvelope(4, describePayload()); err != nil {
		t.Fatalf("send session_describe: %v", err)
	}
}

func newTestSession(t *testing.T, mock *MockSFU, obs *capturingObserver, sink *capturingSink) *voice.VoiceSession {
	t.Helper()
	sess, err := voice.NewVoiceSession(voice.SessionConfig{
		WSURL:    mock.URL(),
		RoomID:   "room-1",
		UserID:   "user-1",
		Token:    "token-1",
		Observer: obs,
		Sink:     sink,
		Logger:   testLogger(),
	})
	if err != nil {
		t.Fatalf("new voice session: %v", err)
	}
	return sess
}

// TestHappyHandshake is scenario S1: after Identify/Ready/SelectProtocol/
// SessionDescribe, the session is Connected and the observer saw exactly
// one connected event.
func TestHappyHandshake(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockSFU(testLogger())
	if err != nil {
		t.Fatalf("start mock sfu: %v", err)
	}
	defer mock.Close()

	obs := &capturingObserver{}
	sess := newTestSession(t, mock, obs, newCapturingSink())

	connErrCh := make(chan error, 1)
	go func() { connErrCh <- sess.Connect(context.Background()) }()

	driveHandshake(t, mock, 12345, 5000)

	if err := <-connErrCh; err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect()

	if sess.State() != voice.StateConnected {
		t.Fatalf("state = %v, want Connected", sess.State())
	}
	if obs.snapshotConnectedCount() != 1 {
		t.Errorf("connected events = %d, want 1", obs.snapshotConnectedCount())
	}

	envelopes := mock.ReceivedEnvelopes()
	if len(envelopes) < 2 {
		t.Fatalf("expected at least identify and select_protocol, got %d envelopes", len(envelopes))
	}
	if envelopes[0].Op != 0 {
		t.Errorf("first envelope op = %d, want 0 (identify)", envelopes[0].Op)
	}
	if envelopes[1].Op != 1 {
		t.Errorf("second envelope op = %d, want 1 (select_protocol)", envelopes[1].Op)
	}
}

// TestRemoteParticipantAudio covers scenarios S2 and S4 for a single remote
// participant: after a UserJoin, valid encrypted packets sent in sequence
// order decode into sink frames (the frame count is checked), and a packet
// with a tampered payload is dropped while incrementing the auth-failure
// counter instead of crashing or stalling the stream.
func TestRemoteParticipantAudio(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockSFU(testLogger())
	if err != nil {
		t.Fatalf("start mock sfu: %v", err)
	}
	defer mock.Close()

	obs := &capturingObserver{}
	sink := newCapturingSink()
	sess := newTestSession(t, mock, obs, sink)

	connErrCh := make(chan error, 1)
	go func() { connErrCh <- sess.Connect(context.Background()) }()
	driveHandshake(t, mock, 12345, 5000)
	if err := <-connErrCh; err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect()

	const remoteSSRC = 111
	if err := mock.SendEnvelope(7, map[string]interface{}{"user_id": "user-a", "ssrc": remoteSSRC}); err != nil {
		t.Fatalf("send user_join: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	codec := wire.NewCodec(wire.Keys{Secret: testSecret, Mode: testMode})
	encoder, err := audio.NewEncoder()
	if err != nil {
		t.Fatalf("new opus encoder: %v", err)
	}
	sendPacket := func(seq uint16, ts uint32, pcm []int16) {
		opusPayload, err := encoder.Encode(pcm)
		if err != nil {
			t.Fatalf("opus encode: %v", err)
		}
		h := wire.Header{Sequence: seq, Timestamp: ts, SSRC: remoteSSRC}
		wireBytes, err := codec.Seal(h, opusPayload)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if err := mock.SendBinary(wireBytes); err != nil {
			t.Fatalf("send binary: %v", err)
		}
	}

	// Enough packets to clear the jitter buffer's priming depth plus a
	// tail the playback ticker has time to drain. Each is a genuine
	// 960-sample Opus frame (silence with a distinguishing first sample)
	// so the remote decoder can actually decode it.
	const totalPackets = 10
	for i := uint16(0); i < totalPackets; i++ {
		pcm := make([]int16, audio.OpusFrameSamples)
		pcm[0] = int16(i + 1)
		sendPacket(i, uint32(i)*960, pcm)
		time.Sleep(20 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count(remoteSSRC) < totalPackets-2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if got := sink.count(remoteSSRC); got < totalPackets-2 {
		t.Fatalf("sink received %d frames for ssrc %d, want at least %d", got, remoteSSRC, totalPackets-2)
	}

	// S4: a packet with a tampered payload must not crash the session and
	// must increment the auth-failure counter instead of delivering a frame.
	before := sess.Stats().AuthFailures
	tamperPCM := make([]int16, audio.OpusFrameSamples)
	tamperPCM[0] = 999
	tamperOpus, err := encoder.Encode(tamperPCM)
	if err != nil {
		t.Fatalf("opus encode: %v", err)
	}
	h := wire.Header{Sequence: totalPackets, Timestamp: uint32(totalPackets) * 960, SSRC: remoteSSRC}
	sealed, err := codec.Seal(h, tamperOpus)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xFF // flip a payload byte after the header
	if err := mock.SendBinary(sealed); err != nil {
		t.Fatalf("send tampered binary: %v", err)
	}

	deadline = time.Now().Add(1 * time.Second)
	for sess.Stats().AuthFailures == before && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if sess.Stats().AuthFailures <= before {
		t.Errorf("auth failure counter did not increment after tampered packet")
	}
}

// TestReconnectPreservesSessionID is scenario S5: an unexpected transport
// closure moves the session to Reconnecting and, once the transport is
// reopened, the new Identify still carries the original session_id.
func TestReconnectPreservesSessionID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockSFU(testLogger())
	if err != nil {
		t.Fatalf("start mock sfu: %v", err)
	}
	defer mock.Close()

	obs := &capturingObserver{}
	sess := newTestSession(t, mock, obs, newCapturingSink())
	originalSessionID := sess.SessionID()

	connErrCh := make(chan error, 1)
	go func() { connErrCh <- sess.Connect(context.Background()) }()
	driveHandshake(t, mock, 12345, 5000)
	if err := <-connErrCh; err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer sess.Disconnect()

	mock.CloseClientConn()

	deadline := time.Now().Add(1 * time.Second)
	for len(obs.snapshotReconnects()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	reconnects := obs.snapshotReconnects()
	if len(reconnects) == 0 {
		t.Fatal("expected at least one reconnecting event")
	}
	if reconnects[0] != [2]int{1, 5} {
		t.Errorf("first reconnecting event = %v, want [1 5]", reconnects[0])
	}

	driveHandshake(t, mock, 54321, 5000)

	deadline = time.Now().Add(3 * time.Second)
	for obs.snapshotConnectedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if obs.snapshotConnectedCount() < 2 {
		t.Fatalf("expected a second connected event after reconnect, got %d", obs.snapshotConnectedCount())
	}
	if sess.State() != voice.StateConnected {
		t.Fatalf("state after reconnect = %v, want Connected", sess.State())
	}

	var identifies int
	for _, env := range mock.ReceivedEnvelopes() {
		if env.Op != 0 {
			continue
		}
		var payload struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.D, &payload); err != nil {
			t.Fatalf("unmarshal identify: %v", err)
		}
		if payload.SessionID != originalSessionID {
			t.Errorf("identify session_id = %q, want %q", payload.SessionID, originalSessionID)
		}
		identifies++
	}
	if identifies < 2 {
		t.Errorf("observed %d identify envelopes, want one per connection (at least 2)", identifies)
	}
}

// TestGiveUpAfterExhaustingReconnectAttempts is scenario S6: once the mock
// server is gone entirely, every reconnect dial fails; after the attempt
// budget is exhausted the session settles on Disconnected(final) and makes
// no further attempts.
func TestGiveUpAfterExhaustingReconnectAttempts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	mock, err := StartMockSFU(testLogger())
	if err != nil {
		t.Fatalf("start mock sfu: %v", err)
	}

	obs := &capturingObserver{}
	sess := newTestSession(t, mock, obs, newCapturingSink())

	connErrCh := make(chan error, 1)
	go func() { connErrCh <- sess.Connect(context.Background()) }()
	driveHandshake(t, mock, 12345, 5000)
	if err := <-connErrCh; err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	// Tear the whole server down: every subsequent dial to this address is
	// refused, simulating the SFU vanishing mid-call.
	mock.Close()

	deadline := time.Now().Add(40 * time.Second)
	for len(obs.snapshotDisconnected()) == 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	disconnected := obs.snapshotDisconnected()
	if len(disconnected) == 0 {
		t.Fatal("expected a final disconnected event")
	}
	if !disconnected[len(disconnected)-1] {
		t.Error("final disconnected event should report final=true")
	}
	if sess.State() != voice.StateDisconnected {
		t.Errorf("state = %v, want Disconnected", sess.State())
	}

	reconnects := obs.snapshotReconnects()
	if len(reconnects) != 5 {
		t.Errorf("reconnect attempts observed = %d, want 5", len(reconnects))
	}
	for i, r := range reconnects {
		if r != [2]int{i + 1, 5} {
			t.Errorf("reconnect event %d = %v, want [%d 5]", i, r, i+1)
		}
	}
}
