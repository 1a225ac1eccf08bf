package audio

import "math"

// FrameSamples is the fixed frame size the Denoiser operates on: 10ms at
// 48kHz.
const FrameSamples = 480

// Denoiser runs a stateful noise-floor estimate and subtracts it from each
// incoming frame, attenuating steady background noise while passing
// speech-level transients through largely untouched. It holds no
// cross-frame buffers beyond its own floor/gain state, so Process must
// always be called with exactly FrameSamples.
//
// No third-party noise-suppression library appears anywhere in the
// reference corpus (see DESIGN.md); this mirrors the teacher's own
// precedent of hand-rolling small DSP primitives (its linear-interpolation
// Resampler) rather than reaching for cgo.
type Denoiser struct {
	enabled bool

	noiseFloor float64
	prevGain   float64
}

// DenoiserConfig configures a Denoiser. Noise-floor adaptation speed is
// fixed and not configurable.
type DenoiserConfig struct {
	// Enabled controls whether Process attenuates or passes samples
	// through unchanged. Toggleable at runtime via SetEnabled.
	Enabled bool
}

// NewDenoiser returns a Denoiser ready to process 480-sample frames.
func NewDenoiser(cfg DenoiserConfig) *Denoiser {
	return &Denoiser{enabled: cfg.Enabled, prevGain: 1.0}
}

// SetEnabled toggles the denoise stage without rebuilding the Denoiser.
func (d *Denoiser) SetEnabled(enabled bool) {
	d.enabled = enabled
}

// Enabled reports the current toggle state.
func (d *Denoiser) Enabled() bool {
	return d.enabled
}

// Process consumes exactly one 480-sample frame and returns the denoised
// frame of the same length. Below one full frame, callers must buffer
// externally — Process never accumulates partial frames; that is the
// AudioPipeline's job.
func (d *Denoiser) Process(samples []float32) []float32 {
	if !d.enabled {
		return samples
	}

	rms := frameRMS(samples)

	// Minimum-statistics style floor tracking: pulled down quickly toward
	// quieter frames and up only slowly (0.5% per louder frame), so a
	// burst of speech barely raises the floor estimate and does not start
	// suppressing itself.
	if d.noiseFloor == 0 || rms < d.noiseFloor {
		d.noiseFloor = d.noiseFloor*0.9 + rms*0.1
	} else {
		d.noiseFloor = d.noiseFloor*0.995 + rms*0.005
	}

	targetGain := 1.0
	if rms > 0 {
		suppressed := rms - d.noiseFloor*1.5
		if suppressed < 0 {
			suppressed = 0
		}
		targetGain = suppressed / rms
	}
	// Fast attack so speech onset isn't clipped by a lagging gain, slow
	// release so the gate doesn't chatter between adjacent frames.
	alpha := 0.15
	if targetGain > d.prevGain {
		alpha = 0.8
	}
	gain := d.prevGain + alpha*(targetGain-d.prevGain)
	d.prevGain = gain

	out := make([]float32, len(samples))
	for i, s := range samples {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = float32(v)
	}
	return out
}

// Flush returns any tail samples accumulated but not yet emitted. The
// time-domain gain model holds no such tail, so Flush always returns
// empty — the method exists to satisfy the pipeline's stage contract and
// to stay a stable point of extension if a windowed algorithm replaces
// this one later.
func (d *Denoiser) Flush() []float32 {
	return nil
}

func frameRMS(samples []float32) float64 {
	var sumSq float64
	for _, s := range samples {
		sumSq += float64(s) * float64(s)
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}
