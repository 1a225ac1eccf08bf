// Package wire implements the RTP framing and AEAD sealing used on the
// binary half of the voice session's signaling channel.
package wire

import (
	"fmt"

	"github.com/pion/rtp"
)

// HeaderSize is the fixed length of the clear-text RTP header this package
// emits: version/flags byte, payload-type byte, sequence, timestamp, SSRC.
// No padding, extension, or CSRC fields are ever set.
const HeaderSize = 12

// OpusFrameSamples is the number of 48 kHz samples in one Opus frame (20ms);
// outgoing timestamps advance by this much per packet.
const OpusFrameSamples = 960

// Header is the clear-text RTP header carried on every packet.
type Header struct {
	Sequence  uint16
	Timestamp uint32
	SSRC      uint32
}

// Marshal renders the header to its 12-byte wire form using pion/rtp's
// packet header encoder, fixed to the profile this session requires:
// version 2, payload type 0x78, no padding/extension/CSRC.
func (h Header) Marshal() ([]byte, error) {
	rh := rtp.Header{
		Version:        2,
		PayloadType:    payloadType,
		SequenceNumber: h.Sequence,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
	}
	buf, err := rh.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal rtp header: %w", err)
	}
	if len(buf) != HeaderSize {
		return nil, fmt.Errorf("unexpected rtp header length %d", len(buf))
	}
	return buf, nil
}

// ParseHeader parses the leading HeaderSize bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("short rtp header: %d bytes", len(buf))
	}
	var rh rtp.Header
	if _, err := rh.Unmarshal(buf[:HeaderSize]); err != nil {
		return Header{}, fmt.Errorf("unmarshal rtp header: %w", err)
	}
	return Header{Sequence: rh.SequenceNumber, Timestamp: rh.Timestamp, SSRC: rh.SSRC}, nil
}

// payloadType is the fixed byte value spec.md assigns this session's media:
// 0x78 with the marker bit clear, matching the version/flags byte 0x80.
const payloadType = 0x78

// SeqDiff returns the wrap-aware signed distance a-b over a 16-bit
// sequence space: positive means a is ahead of b.
func SeqDiff(a, b uint16) int32 {
	return (int32(a) - int32(b) + 32768 + 65536) % 65536 - 32768
}
