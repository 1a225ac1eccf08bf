package audio

import (
	"log/slog"
	"math"
	"sync"
)

// ringBuffer accumulates float32 samples and slices off fixed-size chunks
// as they become available, carrying any remainder to the next call. This
// generalizes the teacher's ChunkBuffer (formerly used here to batch
// resampled output into 80ms chunks for a speech-to-text backend) into the
// two re-chunking stages this pipeline needs instead.
type ringBuffer struct {
	chunkSize int
	buffer    []float32
}

func newRingBuffer(chunkSize int) *ringBuffer {
	return &ringBuffer{chunkSize: chunkSize}
}

// add appends samples and returns zero or more complete chunkSize slices.
func (r *ringBuffer) add(samples []float32) [][]float32 {
	r.buffer = append(r.buffer, samples...)

	var chunks [][]float32
	for len(r.buffer) >= r.chunkSize {
		chunk := make([]float32, r.chunkSize)
		copy(chunk, r.buffer[:r.chunkSize])
		chunks = append(chunks, chunk)
		r.buffer = r.buffer[r.chunkSize:]
	}
	return chunks
}

// flush zero-pads and returns any partial chunk, draining the buffer.
func (r *ringBuffer) flush() []float32 {
	if len(r.buffer) == 0 {
		return nil
	}
	chunk := make([]float32, r.chunkSize)
	copy(chunk, r.buffer)
	r.buffer = nil
	return chunk
}

func (r *ringBuffer) reset() {
	r.buffer = nil
}

// Pipeline owns the Denoiser and Opus encoder, and the two ring buffers
// between capture blocks, the 480-sample denoiser frame boundary, and the
// 960-sample encoder frame boundary. It performs no I/O and no
// time-keeping; Process is a pure data transformer over whatever block
// size the capture source hands it. mu serializes Process/Flush/
// SetDenoiserEnabled, since the capture callback and the mute/unmute path
// call into the same ringBuffers from different goroutines (mirrors the
// teacher's ChunkBuffer mutex).
type Pipeline struct {
	mu sync.Mutex

	denoiser *Denoiser
	encoder  *Encoder
	logger   *slog.Logger

	captureBuf  *ringBuffer // arbitrary capture block -> 480-sample frames
	denoisedBuf *ringBuffer // denoised 480-sample frames -> 960-sample frames
}

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Encoder        *Encoder
	DenoiserConfig DenoiserConfig
	Logger         *slog.Logger
}

// NewPipeline constructs a Pipeline. Encoder must be non-nil.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		denoiser:    NewDenoiser(cfg.DenoiserConfig),
		encoder:     cfg.Encoder,
		logger:      cfg.Logger,
		captureBuf:  newRingBuffer(FrameSamples),
		denoisedBuf: newRingBuffer(OpusFrameSamples),
	}
}

// SetDenoiserEnabled toggles the Denoiser stage without rebuilding the
// pipeline.
func (p *Pipeline) SetDenoiserEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denoiser.SetEnabled(enabled)
}

// Process accepts an arbitrary-length block of float32 microphone samples
// and returns zero or more encoded Opus packets.
func (p *Pipeline) Process(captureBlock []float32) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var packets [][]byte

	for _, frame480 := range p.captureBuf.add(captureBlock) {
		denoised := p.denoiser.Process(frame480)
		for _, frame960 := range p.denoisedBuf.add(denoised) {
			pkt, err := p.encoder.Encode(float32ToInt16(frame960))
			if err != nil {
				p.logger.Warn("opus encode failed, dropping frame", "error", err)
				continue
			}
			packets = append(packets, pkt)
		}
	}
	return packets, nil
}

// Flush zero-pads and drains both stages, returning any trailing packets.
func (p *Pipeline) Flush() ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var packets [][]byte

	if tail := p.captureBuf.flush(); tail != nil {
		denoised := p.denoiser.Process(tail)
		for _, frame960 := range p.denoisedBuf.add(denoised) {
			pkt, err := p.encoder.Encode(float32ToInt16(frame960))
			if err != nil {
				p.logger.Warn("opus encode failed during flush", "error", err)
				continue
			}
			packets = append(packets, pkt)
		}
	}
	if tail := p.denoisedBuf.flush(); tail != nil {
		pkt, err := p.encoder.Encode(float32ToInt16(tail))
		if err != nil {
			p.logger.Warn("opus encode failed during flush", "error", err)
		} else {
			packets = append(packets, pkt)
		}
	}

	p.captureBuf.reset()
	p.denoisedBuf.reset()
	return packets, nil
}

// float32ToInt16 converts clamped float samples to int16, the one place
// the pipeline crosses numeric representations.
func float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(math.Round(v * 32767))
	}
	return out
}
