package wire

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

// ModeXSalsa20Poly1305 is the only AEAD mode identifier this codec
// supports, matching the mode the SFU declares in SessionDescribe.
const ModeXSalsa20Poly1305 = "xsalsa20_poly1305"

// ErrAuthFailed is returned by Open when the sealed payload does not
// authenticate against the header-derived nonce. It is never fatal to the
// session; callers log and drop the packet.
var ErrAuthFailed = errors.New("wire: packet authentication failed")

// ErrUnsupportedMode is returned when the session key declares an AEAD
// mode this codec cannot drive.
var ErrUnsupportedMode = errors.New("wire: unsupported AEAD mode")

// Keys is the shared symmetric key and declared mode from SessionDescribe.
type Keys struct {
	Secret [32]byte
	Mode   string
}

// Codec seals and opens RTP packets for one VoiceSession.
type Codec struct {
	keys Keys
}

// NewCodec returns a Codec bound to keys. An empty Mode is rejected by
// Seal/Open rather than at construction, since Keys is frequently
// zero-valued while SessionKeys is absent (spec invariant: no encrypted
// sends while SessionKeys is absent).
func NewCodec(keys Keys) *Codec {
	return &Codec{keys: keys}
}

// Seal builds the wire form of a packet: the clear header followed by the
// XSalsa20-Poly1305 sealed payload, with a 24-byte nonce whose first 12
// bytes equal the header bytes and whose remaining 12 bytes are zero. The
// header therefore serves as authenticated associated data by construction
// — any tampering with it produces a different nonce and AuthFailed.
func (c *Codec) Seal(h Header, plaintext []byte) ([]byte, error) {
	if c.keys.Mode != ModeXSalsa20Poly1305 {
		return nil, ErrUnsupportedMode
	}
	header, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:HeaderSize], header)

	out := make([]byte, 0, HeaderSize+len(plaintext)+secretbox.Overhead)
	out = append(out, header...)
	out = secretbox.Seal(out, plaintext, &nonce, &c.keys.Secret)
	return out, nil
}

// Open parses wireBytes into its header and authenticated plaintext. The
// header is trusted only after the seal opens successfully.
func (c *Codec) Open(wireBytes []byte) (Header, []byte, error) {
	if c.keys.Mode != ModeXSalsa20Poly1305 {
		return Header{}, nil, ErrUnsupportedMode
	}
	if len(wireBytes) < HeaderSize+secretbox.Overhead {
		return Header{}, nil, fmt.Errorf("wire: packet too short: %d bytes", len(wireBytes))
	}
	h, err := ParseHeader(wireBytes)
	if err != nil {
		return Header{}, nil, err
	}

	var nonce [24]byte
	copy(nonce[:HeaderSize], wireBytes[:HeaderSize])

	plaintext, ok := secretbox.Open(nil, wireBytes[HeaderSize:], &nonce, &c.keys.Secret)
	if !ok {
		return Header{}, nil, ErrAuthFailed
	}
	return h, plaintext, nil
}
