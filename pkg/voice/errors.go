package voice

import "fmt"

// ResourceError surfaces a capture-device or codec-init failure. The
// session remains Connected (without the capture half) so the caller may
// still hear others or retry starting capture.
type ResourceError struct {
	Cause error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("voice: resource error: %v", e.Cause)
}

func (e *ResourceError) Unwrap() error { return e.Cause }

// ProtocolViolationError is a terminal network error: the SFU violated
// the signaling handshake contract (e.g. SessionDescribe never arrived
// within the connect budget).
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("voice: signaling protocol violation: %s", e.Reason)
}

// packetFault is the internal taxonomy for per-packet faults that are
// counted and logged but never propagated: auth failure, malformed
// header, unknown opcode, schema mismatch, single-frame decode error.
type packetFault int

const (
	faultAuthFailure packetFault = iota
	faultMalformedHeader
	faultUnknownOpcode
	faultSchemaMismatch
	faultDecodeError
)

func (f packetFault) String() string {
	switch f {
	case faultAuthFailure:
		return "auth_failure"
	case faultMalformedHeader:
		return "malformed_header"
	case faultUnknownOpcode:
		return "unknown_opcode"
	case faultSchemaMismatch:
		return "schema_mismatch"
	case faultDecodeError:
		return "decode_error"
	default:
		return "unknown_fault"
	}
}
