package audio

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// SampleRate and Channels are the fixed Opus configuration spec.md
// requires: 48kHz mono.
const (
	SampleRate  = 48000
	Channels    = 1
	targetBitrate = 48000
)

// OpusFrameSamples is 20ms at 48kHz — the fixed frame size the encoder
// accepts and the decoder always returns.
const OpusFrameSamples = 960

// Encoder wraps hraban/opus's encoder with the fixed VoIP profile and FEC
// tuning spec.md calls for.
type Encoder struct {
	enc *opus.Encoder
}

// NewEncoder returns an Opus encoder at 48kHz mono, 48kbit/s, VoIP
// profile, with in-band FEC and DTX enabled — the same tuning
// NicolasHaas-gospeak's codec wrapper uses.
func NewEncoder() (*Encoder, error) {
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus encoder: %w", err)
	}
	if err := enc.SetBitrate(targetBitrate); err != nil {
		return nil, fmt.Errorf("audio: set bitrate: %w", err)
	}
	if err := enc.SetInBandFEC(true); err != nil {
		return nil, fmt.Errorf("audio: set fec: %w", err)
	}
	if err := enc.SetDTX(true); err != nil {
		return nil, fmt.Errorf("audio: set dtx: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode takes exactly one 960-sample frame of mono PCM and returns one
// Opus packet.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != OpusFrameSamples {
		return nil, fmt.Errorf("audio: encode expects %d samples, got %d", OpusFrameSamples, len(pcm))
	}
	buf := make([]byte, 1024)
	n, err := e.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return buf[:n], nil
}

// Decoder wraps hraban/opus's decoder, exposing packet-loss concealment
// via DecodeMissing for the jitter buffer.
type Decoder struct {
	dec *opus.Decoder
}

// NewDecoder returns an Opus decoder at 48kHz mono.
func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new opus decoder: %w", err)
	}
	return &Decoder{dec: dec}, nil
}

// Decode returns exactly 960 samples of 16-bit PCM for one Opus packet.
func (d *Decoder) Decode(payload []byte) ([]int16, error) {
	pcm := make([]int16, OpusFrameSamples)
	// A packet shorter than 20ms fills only the front of pcm; the rest
	// stays zero.
	if _, err := d.dec.Decode(payload, pcm); err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return pcm, nil
}

// DecodeMissing asks the decoder to synthesize a concealment frame for a
// packet that never arrived, the same technique
// NicolasHaas-gospeak__codec.go's DecodePLC uses: a nil-payload Decode
// call. If the underlying decoder can't drive PLC this degrades to
// silence, which satisfies spec.md's fallback requirement.
func (d *Decoder) DecodeMissing() ([]int16, error) {
	pcm := make([]int16, OpusFrameSamples)
	if _, err := d.dec.Decode(nil, pcm); err != nil {
		return make([]int16, OpusFrameSamples), nil
	}
	return pcm, nil
}
