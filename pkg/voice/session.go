package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaytalk/voicecore/pkg/audio"
	"github.com/relaytalk/voicecore/pkg/wire"
)

// connectTimeout bounds both the initial handshake and each individual
// reconnect attempt's handshake.
const connectTimeout = 10 * time.Second

// baseBackoff/maxBackoff define the exponential reconnect ceiling: attempt
// n waits min(baseBackoff * 2^(n-1), maxBackoff).
const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 16 * time.Second
)

// defaultMaxReconnectAttempts is used when SessionConfig leaves the field
// zero.
const defaultMaxReconnectAttempts = 5

// outboundQueueSize bounds the queue between capture callbacks and the
// signaling sender; a full queue drops the newest frame rather than
// blocking capture.
const outboundQueueSize = 64

// SessionConfig configures a VoiceSession.
type SessionConfig struct {
	WSURL  string
	RoomID string
	UserID string
	Token  string

	Observer Observer
	Sink     AudioSink

	MaxReconnectAttempts int
	DenoiserEnabled      bool

	Logger *slog.Logger
}

// VoiceSession is the root entity of one voice-room membership: one
// Transport, one AudioPipeline, a JitterBuffer per remote SSRC, and the
// Disconnected/Connecting/Connected/Reconnecting state machine described
// by spec.md §4.7. All state mutation is serialized by mu, following the
// teacher's single-mutex actor shape (session.Room, hpb.Client).
type VoiceSession struct {
	mu sync.Mutex

	wsURL, roomID, userID, token string
	sessionID                   string

	observer              Observer
	sink                  AudioSink
	logger                *slog.Logger
	maxReconnectAttempts  int

	state                 ConnectionState
	intentionalDisconnect bool
	speakingEnabled       bool
	wasSpeaking           bool

	transport *Transport
	hb        *heartbeatSupervisor
	scheduler *playbackScheduler

	participants  *participantIndex
	jitterBuffers map[uint32]*wire.JitterBuffer

	keys    wire.Keys
	hasKeys bool
	codec   *wire.Codec

	localSSRC         uint32
	heartbeatInterval time.Duration

	outSeq       uint16
	outTimestamp uint32

	pipeline   *audio.Pipeline
	outboundCh chan []byte

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	authFailures   int64
	reconnectCount int64
}

// NewVoiceSession constructs a VoiceSession in the Disconnected state. The
// session_id is generated once here and reused across every reconnect for
// the life of the value (invariant 1).
func NewVoiceSession(cfg SessionConfig) (*VoiceSession, error) {
	if cfg.WSURL == "" || cfg.RoomID == "" || cfg.UserID == "" || cfg.Token == "" {
		return nil, fmt.Errorf("voice: ws_url, room_id, user_id and token are required")
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}

	encoder, err := audio.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("voice: new encoder: %w", err)
	}
	pipeline := audio.NewPipeline(audio.PipelineConfig{
		Encoder:        encoder,
		DenoiserConfig: audio.DenoiserConfig{Enabled: cfg.DenoiserEnabled},
		Logger:         cfg.Logger,
	})

	return &VoiceSession{
		wsURL:                cfg.WSURL,
		roomID:               cfg.RoomID,
		userID:               cfg.UserID,
		token:                cfg.Token,
		sessionID:            uuid.NewString(),
		observer:             cfg.Observer,
		sink:                 cfg.Sink,
		logger:               cfg.Logger,
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		state:                StateDisconnected,
		participants:         newParticipantIndex(),
		jitterBuffers:        make(map[uint32]*wire.JitterBuffer),
		pipeline:             pipeline,
		outboundCh:           make(chan []byte, outboundQueueSize),
	}, nil
}

// SessionID returns the stable identifier sent in every Identify message.
func (s *VoiceSession) SessionID() string { return s.sessionID }

// State reports the current connection state.
func (s *VoiceSession) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *VoiceSession) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.observer.OnStateChanged(state)
}

// Connect dials the signaling endpoint, runs the Identify/Ready/
// SelectProtocol/SessionDescribe handshake, and on success enters
// Connected and starts the background lifecycle goroutine that watches for
// unexpected drops and drives reconnection. Calling Connect while not
// Disconnected is a programmer error: it no-ops with a warning.
func (s *VoiceSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		s.logger.Warn("connect called while session is not disconnected")
		return nil
	}
	s.intentionalDisconnect = false
	s.state = StateConnecting
	s.mu.Unlock()
	s.observer.OnStateChanged(StateConnecting)

	rootCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.rootCtx = rootCtx
	s.rootCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sendLoop(rootCtx)

	if err := s.handshake(rootCtx); err != nil {
		cancel()
		s.setState(StateDisconnected)
		s.observer.OnError(err)
		s.observer.OnDisconnected(true)
		return err
	}

	s.enterConnected()

	s.wg.Add(1)
	go s.runLifecycle(rootCtx)
	return nil
}

// Disconnect is the one cancellation signal. It is idempotent, cancels any
// in-flight reconnect backoff, and never rearms the reconnect loop. It
// cancels the session context and waits for the background goroutines;
// the lifecycle goroutine then drops the jitter buffer map, stops the
// heartbeat and playback scheduler, closes the transport, resets the
// participant index, and finally clears the session keys. Capture is not
// gated here: the speaking state and the audio pipeline are left as they
// are.
func (s *VoiceSession) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.intentionalDisconnect = true
	cancel := s.rootCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// handshake dials a fresh Transport and blocks until either SessionDescribe
// arrives (the normal path) or, on a reconnect where prior SessionKeys are
// still held, a Resumed opcode arrives first (the fast-path short-circuit
// described in DESIGN.md). It owns a 10s budget independent of the caller's
// ctx lifetime.
func (s *VoiceSession) handshake(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, connectTimeout)
	defer cancel()

	transport := NewTransport(s.wsURL, s.logger)
	if err := transport.Connect(ctx); err != nil {
		return &ProtocolViolationError{Reason: fmt.Sprintf("dial signaling endpoint: %v", err)}
	}

	s.mu.Lock()
	identify := IdentifyPayload{RoomID: s.roomID, UserID: s.userID, SessionID: s.sessionID, Token: s.token}
	s.mu.Unlock()

	if err := transport.SendEnvelope(OpIdentify, identify); err != nil {
		transport.Close()
		return &ProtocolViolationError{Reason: fmt.Sprintf("send identify: %v", err)}
	}

	var (
		haveReady, haveDescribe, resumedFastPath bool
		ready                                     ReadyPayload
		describe                                  SessionDescribePayload
	)

	for !haveDescribe && !resumedFastPath {
		select {
		case <-ctx.Done():
			transport.Close()
			return &ProtocolViolationError{Reason: "handshake timed out"}
		case err := <-transport.ErrorChan():
			transport.Close()
			return &ProtocolViolationError{Reason: err.Error()}
		case env := <-transport.EnvelopeChan():
			switch env.Op {
			case OpReady:
				if err := json.Unmarshal(env.D, &ready); err != nil {
					s.logger.Debug("dropping malformed ready payload", "error", err)
					continue
				}
				haveReady = true
				selectErr := transport.SendEnvelope(OpSelectProtocol, SelectProtocolPayload{
					Protocol: "voice",
					Data: SelectProtocolPayloadData{
						Address: "0.0.0.0",
						Port:    0,
						Mode:    wire.ModeXSalsa20Poly1305,
					},
				})
				if selectErr != nil {
					transport.Close()
					return &ProtocolViolationError{Reason: fmt.Sprintf("send select_protocol: %v", selectErr)}
				}
			case OpSessionDescribe:
				if !haveReady {
					s.logger.Debug("dropping out-of-order session_describe")
					continue
				}
				if err := json.Unmarshal(env.D, &describe); err != nil {
					s.logger.Debug("dropping malformed session_describe payload", "error", err)
					continue
				}
				haveDescribe = true
			case OpResumed:
				s.mu.Lock()
				hasKeys := s.hasKeys
				s.mu.Unlock()
				if hasKeys {
					resumedFastPath = true
				} else {
					s.logger.Debug("ignoring resumed opcode with no prior session key")
				}
			default:
				s.logger.Debug("ignoring opcode during handshake", "op", env.Op)
			}
		}
	}

	s.mu.Lock()
	s.transport = transport
	if haveDescribe {
		secret, err := base64.StdEncoding.DecodeString(describe.SecretKey)
		if err != nil || len(secret) != 32 {
			s.mu.Unlock()
			transport.Close()
			return &ProtocolViolationError{Reason: "malformed session_describe secret_key"}
		}
		var keyArr [32]byte
		copy(keyArr[:], secret)
		s.keys = wire.Keys{Secret: keyArr, Mode: describe.Mode}
		s.hasKeys = true
		s.codec = wire.NewCodec(s.keys)
	}
	if haveReady {
		s.localSSRC = ready.SSRC
		s.heartbeatInterval = time.Duration(ready.HeartbeatInterval) * time.Millisecond
	}
	s.outSeq = 0
	s.outTimestamp = 0
	s.mu.Unlock()

	return nil
}

// enterConnected starts the heartbeat supervisor and playback scheduler for
// the just-established transport and emits the observer's connected event,
// re-asserting was_speaking if it was set before the drop (invariant 8).
func (s *VoiceSession) enterConnected() {
	s.mu.Lock()
	transport := s.transport
	interval := s.heartbeatInterval
	wasSpeaking := s.wasSpeaking
	ssrc := s.localSSRC
	s.mu.Unlock()

	send := func(nonce int64) error {
		return transport.SendEnvelope(OpHeartbeat, HeartbeatPayload{Nonce: nonce})
	}
	hb := newHeartbeatSupervisor(interval, send, func() { s.onHeartbeatMissed(transport) })
	scheduler := newPlaybackScheduler(s.sink, s.logger)

	s.mu.Lock()
	s.hb = hb
	s.scheduler = scheduler
	s.state = StateConnected
	s.mu.Unlock()

	hb.start()
	scheduler.start()

	s.observer.OnStateChanged(StateConnected)
	s.observer.OnConnected()

	if wasSpeaking {
		flags := int(SpeakingMicrophone)
		if err := transport.SendEnvelope(OpSpeaking, SpeakingPayload{Speaking: flags, SSRC: ssrc}); err != nil {
			s.logger.Warn("failed to resend speaking state after reconnect", "error", err)
		}
	}
}

// onHeartbeatMissed closes the given transport, which unblocks serve's
// ErrorChan select and falls through to the Reconnecting branch, exactly
// as spec.md §4.7 describes for two consecutive missed acks. It closes
// only the transport it was built against, so a stale supervisor from a
// superseded connection can never tear down the current one.
func (s *VoiceSession) onHeartbeatMissed(transport *Transport) {
	s.logger.Warn("heartbeat ack missed twice, forcing reconnect")
	transport.Close()
}

// runLifecycle watches the current connection for its end and, unless the
// drop was intentional or the attempt budget runs out, drives the
// Reconnecting loop before re-entering serve.
func (s *VoiceSession) runLifecycle(ctx context.Context) {
	defer s.wg.Done()

	for {
		err := s.serve(ctx)

		s.mu.Lock()
		intentional := s.intentionalDisconnect
		s.mu.Unlock()

		s.teardownConnected()

		if ctx.Err() != nil || intentional {
			s.finalTeardown()
			s.setState(StateDisconnected)
			s.observer.OnDisconnected(true)
			return
		}

		s.logger.Warn("voice session connection dropped", "error", err)
		if !s.reconnectLoop(ctx) {
			s.finalTeardown()
			s.setState(StateDisconnected)
			s.observer.OnDisconnected(true)
			return
		}
	}
}

// serve is the steady-state Connected loop: it routes incoming signaling
// envelopes and binary RTP frames until the transport dies or ctx is
// cancelled.
func (s *VoiceSession) serve(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-transport.ErrorChan():
			return err
		case env := <-transport.EnvelopeChan():
			s.handleEnvelope(env)
		case data := <-transport.BinaryChan():
			s.handleBinary(data)
		}
	}
}

// reconnectLoop runs the Reconnecting state's backoff-and-retry budget. It
// returns true once a fresh handshake succeeds (the caller then resumes
// serve), or false once the attempt budget is exhausted or ctx is
// cancelled.
func (s *VoiceSession) reconnectLoop(ctx context.Context) bool {
	for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
		s.setState(StateReconnecting)
		s.observer.OnReconnecting(attempt, s.maxReconnectAttempts)
		atomic.AddInt64(&s.reconnectCount, 1)

		wait := backoffDuration(attempt)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}

		s.setState(StateConnecting)
		if err := s.handshake(ctx); err != nil {
			s.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}

		s.enterConnected()
		return true
	}
	return false
}

// backoffDuration implements attempt n waits min(1s*2^(n-1), 16s).
func backoffDuration(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// recordFault classifies one packet-level fault through the spec.md §7
// taxonomy, counting auth failures and logging every fault at debug level.
func (s *VoiceSession) recordFault(fault packetFault, msg string, args ...any) {
	if fault == faultAuthFailure {
		atomic.AddInt64(&s.authFailures, 1)
	}
	s.logger.Debug(msg, append([]any{"fault", fault.String()}, args...)...)
}

// classifyOpenError maps a wire.Codec.Open failure onto the packet-fault
// taxonomy: an auth tag mismatch is faultAuthFailure, an unsupported cipher
// mode is a contract mismatch (faultSchemaMismatch), anything else is a
// malformed header (too-short frame, unparsable header).
func classifyOpenError(err error) packetFault {
	switch {
	case errors.Is(err, wire.ErrAuthFailed):
		return faultAuthFailure
	case errors.Is(err, wire.ErrUnsupportedMode):
		return faultSchemaMismatch
	default:
		return faultMalformedHeader
	}
}

// teardownConnected releases everything owned by one connected lifetime —
// heartbeat, playback scheduler, transport and jitter buffers — and resets
// the participant index. SessionKeys are deliberately left intact: they
// are only destroyed by finalTeardown, so a Resumed fast-path on the next
// handshake attempt still has a key to resume with (SPEC_FULL.md §9.1).
func (s *VoiceSession) teardownConnected() {
	s.mu.Lock()
	hb := s.hb
	scheduler := s.scheduler
	transport := s.transport
	s.hb = nil
	s.scheduler = nil
	s.transport = nil
	s.jitterBuffers = make(map[uint32]*wire.JitterBuffer)
	s.mu.Unlock()

	if hb != nil {
		hb.stop()
	}
	if scheduler != nil {
		scheduler.resetAll()
		scheduler.stop()
	}
	if transport != nil {
		transport.Close()
	}
	s.participants.reset()
}

// finalTeardown destroys the session key material once the state machine
// has settled on Disconnected for good — either an intentional disconnect
// or an exhausted reconnect budget.
func (s *VoiceSession) finalTeardown() {
	s.mu.Lock()
	s.hasKeys = false
	s.codec = nil
	s.mu.Unlock()
}

// handleEnvelope dispatches one parsed signaling message by opcode. Schema
// mismatches inside a known opcode are dropped and logged, never
// propagated (spec.md §4.6, §7's packet-level error tier).
func (s *VoiceSession) handleEnvelope(env Envelope) {
	switch env.Op {
	case OpHeartbeatAck:
		s.mu.Lock()
		hb := s.hb
		s.mu.Unlock()
		if hb != nil {
			hb.ack()
		}

	case OpUserJoin:
		var p UserJoinPayload
		if err := json.Unmarshal(env.D, &p); err != nil {
			s.recordFault(faultSchemaMismatch, "dropping malformed user_join", "error", err)
			return
		}
		s.addRemoteParticipant(p.UserID, p.SSRC)

	case OpUserLeave:
		var p UserLeavePayload
		if err := json.Unmarshal(env.D, &p); err != nil {
			s.recordFault(faultSchemaMismatch, "dropping malformed user_leave", "error", err)
			return
		}
		s.removeRemoteParticipant(p.UserID)

	case OpUserSpeaking:
		var p UserSpeakingPayload
		if err := json.Unmarshal(env.D, &p); err != nil {
			s.recordFault(faultSchemaMismatch, "dropping malformed user_speaking", "error", err)
			return
		}
		s.participants.setSpeaking(p.SSRC, p.Speaking)
		s.observer.OnUserSpeaking(p.UserID, p.SSRC, p.Speaking)

	case OpResumed:
		s.logger.Debug("resumed opcode received outside handshake, ignoring")

	default:
		s.recordFault(faultUnknownOpcode, "ignoring unknown opcode", "op", env.Op)
	}
}

func (s *VoiceSession) addRemoteParticipant(userID string, ssrc uint32) {
	decoder, err := audio.NewDecoder()
	if err != nil {
		s.observer.OnError(&ResourceError{Cause: err})
		return
	}
	jb := wire.NewJitterBuffer(decoder, wire.JitterBufferConfig{})

	s.mu.Lock()
	s.jitterBuffers[ssrc] = jb
	scheduler := s.scheduler
	s.mu.Unlock()

	s.participants.add(&Participant{UserID: userID, SSRC: ssrc})
	if scheduler != nil {
		scheduler.addBuffer(ssrc, jb)
	}
	s.observer.OnUserJoined(Participant{UserID: userID, SSRC: ssrc})
}

func (s *VoiceSession) removeRemoteParticipant(userID string) {
	participant, ok := s.participants.removeByUser(userID)
	if ok {
		s.mu.Lock()
		delete(s.jitterBuffers, participant.SSRC)
		scheduler := s.scheduler
		s.mu.Unlock()
		if scheduler != nil {
			scheduler.removeBuffer(participant.SSRC)
		}
	}
	s.observer.OnUserLeft(userID)
}

// handleBinary opens one wire-format RTP packet and routes its plaintext
// payload into the matching SSRC's jitter buffer. Auth failures, malformed
// headers and unknown SSRCs are all packet-level faults: counted or
// logged, never propagated.
func (s *VoiceSession) handleBinary(data []byte) {
	s.mu.Lock()
	codec := s.codec
	hasKeys := s.hasKeys
	s.mu.Unlock()
	if !hasKeys || codec == nil {
		s.logger.Debug("dropping binary frame received before session keys exist")
		return
	}

	header, plaintext, err := codec.Open(data)
	if err != nil {
		s.recordFault(classifyOpenError(err), "dropping undecodable packet", "error", err)
		return
	}

	if _, ok := s.participants.bySSRCValue(header.SSRC); !ok {
		s.logger.Debug("dropping packet for unknown ssrc", "ssrc", header.SSRC)
		return
	}

	s.mu.Lock()
	jb := s.jitterBuffers[header.SSRC]
	s.mu.Unlock()
	if jb == nil {
		s.logger.Debug("dropping packet for ssrc with no buffer", "ssrc", header.SSRC)
		return
	}
	jb.Push(header.Sequence, header.Timestamp, plaintext)
}

// sendLoop drains outboundCh for the life of the session, sealing each
// Opus packet under the current connection's key and SSRC and writing it
// as a binary frame. Packets queued while disconnected are dropped: there
// is no connection to carry them and no reconnection buffer requirement in
// spec.md.
func (s *VoiceSession) sendLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-s.outboundCh:
			if !ok {
				return
			}
			s.sendOnePacket(payload)
		}
	}
}

func (s *VoiceSession) sendOnePacket(payload []byte) {
	s.mu.Lock()
	if s.state != StateConnected || !s.hasKeys {
		s.mu.Unlock()
		return
	}
	header := wire.Header{Sequence: s.outSeq, Timestamp: s.outTimestamp, SSRC: s.localSSRC}
	s.outSeq++
	s.outTimestamp += wire.OpusFrameSamples
	codec := s.codec
	transport := s.transport
	s.mu.Unlock()

	wireBytes, err := codec.Seal(header, payload)
	if err != nil {
		s.logger.Warn("failed to seal outbound packet", "error", err)
		return
	}
	if err := transport.SendBinary(wireBytes); err != nil {
		s.logger.Debug("failed to send outbound packet", "error", err)
	}
}

// PushCaptureBlock feeds one block of mono 48kHz float32 microphone
// samples into the AudioPipeline. It never blocks: packets produced once
// the pipeline accumulates a full Opus frame are queued non-blockingly and
// dropped if the queue is full, matching the capture callback's
// must-not-block-on-signaling contract (spec.md §5).
func (s *VoiceSession) PushCaptureBlock(samples []float32) {
	s.mu.Lock()
	speaking := s.speakingEnabled
	s.mu.Unlock()
	if !speaking {
		return
	}

	packets, err := s.pipeline.Process(samples)
	if err != nil {
		s.observer.OnError(&ResourceError{Cause: err})
		return
	}
	s.enqueueOutbound(packets)
}

func (s *VoiceSession) enqueueOutbound(packets [][]byte) {
	for _, pkt := range packets {
		select {
		case s.outboundCh <- pkt:
		default:
			s.logger.Warn("outbound queue full, dropping opus frame")
		}
	}
}

// SetSpeaking toggles local microphone transmission. On mute, capture is
// gated off (speakingEnabled cleared, so PushCaptureBlock becomes a no-op)
// before the Speaking opcode is sent, and any partially-filled pipeline
// frame is flushed and drained so no trailing audio is lost.
func (s *VoiceSession) SetSpeaking(enabled bool) {
	s.mu.Lock()
	if s.speakingEnabled == enabled {
		s.mu.Unlock()
		s.logger.Warn("set_speaking called with no state change")
		return
	}
	s.speakingEnabled = enabled
	s.wasSpeaking = enabled
	transport := s.transport
	ssrc := s.localSSRC
	connected := s.state == StateConnected
	s.mu.Unlock()

	if !enabled {
		if tail, err := s.pipeline.Flush(); err == nil {
			s.enqueueOutbound(tail)
		}
	}

	if !connected || transport == nil {
		return
	}

	flags := 0
	if enabled {
		flags = int(SpeakingMicrophone)
	}
	if err := transport.SendEnvelope(OpSpeaking, SpeakingPayload{Speaking: flags, SSRC: ssrc}); err != nil {
		s.logger.Warn("failed to send speaking state", "error", err)
	}
}

// Stats is a snapshot of the counters spec.md §8's testable properties
// already require the implementation to maintain internally; surfaced for
// the demo binary's metrics endpoint.
type Stats struct {
	ReconnectCount  int64
	AuthFailures    int64
	ParticipantCount int
	PLCTotal        int
	BufferedDepth   map[uint32]int
}

// Stats returns a snapshot of the session's internal counters.
func (s *VoiceSession) Stats() Stats {
	s.mu.Lock()
	buffers := make(map[uint32]*wire.JitterBuffer, len(s.jitterBuffers))
	for ssrc, jb := range s.jitterBuffers {
		buffers[ssrc] = jb
	}
	s.mu.Unlock()

	plcTotal := 0
	depth := make(map[uint32]int, len(buffers))
	for ssrc, jb := range buffers {
		plcTotal += jb.PLCTotal()
		depth[ssrc] = jb.BufferedDepth()
	}

	return Stats{
		ReconnectCount:   atomic.LoadInt64(&s.reconnectCount),
		AuthFailures:     atomic.LoadInt64(&s.authFailures),
		ParticipantCount: s.participants.count(),
		PLCTotal:         plcTotal,
		BufferedDepth:    depth,
	}
}
