package voice

import (
	"log/slog"
	"sync"
	"time"

	"github.com/relaytalk/voicecore/pkg/wire"
)

// playbackTick is the fixed cadence the scheduler polls jitter buffers on
// — one Opus frame's worth of time.
const playbackTick = 20 * time.Millisecond

// driftSnap is how far forward a stalled per-SSRC clock is pushed once it
// falls behind wall-clock time.
const driftSnap = 50 * time.Millisecond

// AudioSink is the abstract playback destination the VoiceSession
// dispatches decoded PCM to. It accepts 48kHz mono 16-bit PCM frames
// tagged with the SSRC they came from; device enumeration and mixing are
// outside the session's scope.
type AudioSink interface {
	PlayFrame(ssrc uint32, pcm []int16)
}

// playbackScheduler polls every registered JitterBuffer on a 20ms cadence
// and dispatches produced frames to the sink, tracking a per-SSRC
// scheduled-start clock so a stalled stream doesn't drift indefinitely
// behind wall-clock time.
type playbackScheduler struct {
	mu      sync.Mutex
	buffers map[uint32]*wire.JitterBuffer
	clocks  map[uint32]time.Time

	sink   AudioSink
	logger *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

func newPlaybackScheduler(sink AudioSink, logger *slog.Logger) *playbackScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &playbackScheduler{
		buffers: make(map[uint32]*wire.JitterBuffer),
		clocks:  make(map[uint32]time.Time),
		sink:    sink,
		logger:  logger,
	}
}

func (s *playbackScheduler) start() {
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

func (s *playbackScheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(playbackTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *playbackScheduler) tick() {
	s.mu.Lock()
	snapshot := make(map[uint32]*wire.JitterBuffer, len(s.buffers))
	for ssrc, jb := range s.buffers {
		snapshot[ssrc] = jb
	}
	s.mu.Unlock()

	now := time.Now()
	for ssrc, jb := range snapshot {
		frame, err := jb.Pop()
		if err != nil {
			s.logger.Debug("jitter buffer decode error", "ssrc", ssrc, "fault", faultDecodeError.String(), "error", err)
			continue
		}
		if frame == nil {
			continue
		}

		s.mu.Lock()
		nextPlayAt, ok := s.clocks[ssrc]
		if !ok || nextPlayAt.Before(now) {
			nextPlayAt = now.Add(driftSnap)
		}
		s.clocks[ssrc] = nextPlayAt.Add(playbackTick)
		s.mu.Unlock()

		s.sink.PlayFrame(ssrc, frame)
	}
}

func (s *playbackScheduler) addBuffer(ssrc uint32, jb *wire.JitterBuffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[ssrc] = jb
	s.clocks[ssrc] = time.Now().Add(driftSnap)
}

func (s *playbackScheduler) removeBuffer(ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, ssrc)
	delete(s.clocks, ssrc)
}

func (s *playbackScheduler) resetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[uint32]*wire.JitterBuffer)
	s.clocks = make(map[uint32]time.Time)
}

func (s *playbackScheduler) stop() {
	close(s.stopCh)
	<-s.doneCh
}
