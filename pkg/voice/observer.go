package voice

// ConnectionState is one state of the VoiceSession state machine.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Observer is the single surface the surrounding application uses to
// learn about a VoiceSession's lifecycle. It never reaches into the
// pipeline or jitter buffers directly.
type Observer interface {
	OnStateChanged(state ConnectionState)
	OnConnected()
	OnDisconnected(final bool)
	OnReconnecting(attempt, maxAttempts int)
	OnUserJoined(p Participant)
	OnUserLeft(userID string)
	OnUserSpeaking(userID string, ssrc uint32, speaking int)
	OnError(err error)
}

// NopObserver implements Observer with no-ops, useful as an embeddable
// default for callers that only care about a subset of events.
type NopObserver struct{}

func (NopObserver) OnStateChanged(ConnectionState)         {}
func (NopObserver) OnConnected()                           {}
func (NopObserver) OnDisconnected(bool)                    {}
func (NopObserver) OnReconnecting(int, int)                 {}
func (NopObserver) OnUserJoined(Participant)                {}
func (NopObserver) OnUserLeft(string)                        {}
func (NopObserver) OnUserSpeaking(string, uint32, int)       {}
func (NopObserver) OnError(error)                            {}
