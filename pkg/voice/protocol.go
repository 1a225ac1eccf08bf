// Package voice implements a session-oriented participant in an SFU voice
// room: signaling handshake, heartbeat supervision, reconnection with
// session resumption, and dispatch of participant events to an observer.
package voice

import "encoding/json"

// Opcode identifies the payload carried by a signaling envelope. The
// numbering matches the SFU's wire contract exactly — it is not
// internally assigned.
type Opcode int

const (
	OpIdentify         Opcode = 0
	OpSelectProtocol   Opcode = 1
	OpReady            Opcode = 2
	OpHeartbeat        Opcode = 3
	OpSessionDescribe  Opcode = 4
	OpSpeaking         Opcode = 5
	OpHeartbeatAck     Opcode = 6
	OpUserJoin         Opcode = 7
	OpUserLeave        Opcode = 8
	OpUserSpeaking     Opcode = 9
	OpResumed          Opcode = 11
	OpClientDisconnect Opcode = 13
)

// Envelope is the `{ op, d }` JSON framing every signaling message uses.
type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// SpeakingFlag is a bit in the Speaking/UserSpeaking bitset.
type SpeakingFlag int

const (
	SpeakingMicrophone SpeakingFlag = 1 << 0
	SpeakingSoundshare SpeakingFlag = 1 << 1
	SpeakingPriority   SpeakingFlag = 1 << 2
)

// IdentifyPayload is the first message a client sends after the channel
// opens.
type IdentifyPayload struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// SelectProtocolPayload is sent by the client in response to Ready.
type SelectProtocolPayload struct {
	Protocol string                     `json:"protocol"`
	Data     SelectProtocolPayloadData `json:"data"`
}

// SelectProtocolPayloadData carries the address/port/mode triple. Per an
// open question in the governing spec, address/port are treated as
// informational placeholders for this stream-oriented transport (see
// DESIGN.md) unless the SFU demonstrably requires real values.
type SelectProtocolPayloadData struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
	Mode    string `json:"mode"`
}

// ReadyPayload is sent by the server once the client is admitted to the
// room.
type ReadyPayload struct {
	SSRC              uint32   `json:"ssrc"`
	IP                string   `json:"ip"`
	Port              int      `json:"port"`
	Modes             []string `json:"modes"`
	HeartbeatInterval int      `json:"heartbeat_interval"`
}

// HeartbeatPayload carries a fresh client nonce on every beat.
type HeartbeatPayload struct {
	Nonce int64 `json:"nonce"`
}

// SessionDescribePayload carries the shared symmetric key and AEAD mode.
type SessionDescribePayload struct {
	Mode      string `json:"mode"`
	SecretKey string `json:"secret_key"` // base64
	AudioCodec string `json:"audio_codec"`
}

// SpeakingPayload announces the local client's speaking state.
type SpeakingPayload struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}

// UserJoinPayload announces a new remote participant.
type UserJoinPayload struct {
	UserID string `json:"user_id"`
	SSRC   uint32 `json:"ssrc"`
}

// UserLeavePayload announces a remote participant's departure.
type UserLeavePayload struct {
	UserID string `json:"user_id"`
}

// UserSpeakingPayload announces a remote participant's speaking-state
// change.
type UserSpeakingPayload struct {
	UserID   string `json:"user_id"`
	SSRC     uint32 `json:"ssrc"`
	Speaking int    `json:"speaking"`
}

// encodeEnvelope marshals an opcode and payload into an Envelope's wire
// bytes.
func encodeEnvelope(op Opcode, payload interface{}) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Op: op, D: d})
}
