package voice

import "sync"

// Participant represents one other user in the room.
type Participant struct {
	UserID        string
	SSRC          uint32
	SpeakingFlags int
}

// participantIndex maintains the VoiceSession's dual index of
// Participants by user_id and by ssrc. Every ssrc present corresponds to
// exactly one Participant; entries are created only by UserJoin and
// destroyed only by UserLeave or a full reset (reconnect/teardown).
type participantIndex struct {
	mu       sync.RWMutex
	byUser   map[string]*Participant
	bySSRC   map[uint32]*Participant
}

func newParticipantIndex() *participantIndex {
	return &participantIndex{
		byUser: make(map[string]*Participant),
		bySSRC: make(map[uint32]*Participant),
	}
}

func (idx *participantIndex) add(p *Participant) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byUser[p.UserID] = p
	idx.bySSRC[p.SSRC] = p
}

func (idx *participantIndex) removeByUser(userID string) (*Participant, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	p, ok := idx.byUser[userID]
	if !ok {
		return nil, false
	}
	delete(idx.byUser, userID)
	delete(idx.bySSRC, p.SSRC)
	return p, true
}

func (idx *participantIndex) bySSRCValue(ssrc uint32) (*Participant, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	p, ok := idx.bySSRC[ssrc]
	return p, ok
}

func (idx *participantIndex) setSpeaking(ssrc uint32, speaking int) (*Participant, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	p, ok := idx.bySSRC[ssrc]
	if !ok {
		return nil, false
	}
	p.SpeakingFlags = speaking
	return p, true
}

// reset clears the index, e.g. when leaving Connected on reconnect —
// participants will be re-announced by fresh UserJoin events.
func (idx *participantIndex) reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byUser = make(map[string]*Participant)
	idx.bySSRC = make(map[uint32]*Participant)
}

func (idx *participantIndex) count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byUser)
}
