package gateway

import (
	"encoding/json"
	"sync"
)

// SessionState is the engine's record of gateway session identity. The session id and last seen sequence number
// decide between RESUME and IDENTIFY on the next connection attempt; both survive resumable disconnects and are
// cleared together when the session becomes unusable.
type SessionState struct {
	mu         sync.Mutex
	sessionID  json.RawMessage
	seq        *int64
	trace      []string
	user       json.RawMessage
	shardID    int
	shardCount int
}

// NewSessionState creates an empty session record for the given shard coordinates.
func NewSessionState(shardID, shardCount int) *SessionState {
	return &SessionState{shardID: shardID, shardCount: shardCount}
}

// CanResume reports whether both a session id and a sequence number are known, which is the precondition for RESUME.
func (s *SessionState) CanResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID != nil && s.seq != nil
}

// UpdateSeq records the sequence number from an event frame. A nil seq (the field absent or null on the wire) leaves
// the stored value unchanged.
func (s *SessionState) UpdateSeq(seq *int64) {
	if seq == nil {
		return
	}
	v := *seq
	s.mu.Lock()
	s.seq = &v
	s.mu.Unlock()
}

// HandleReady records the identity delivered by the READY dispatch: session id, trace, and the current user.
func (s *SessionState) HandleReady(d ReadyData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = append(json.RawMessage(nil), d.SessionID...)
	s.trace = append([]string(nil), d.Trace...)
	s.user = append(json.RawMessage(nil), d.User...)
}

// HandleResumed records the trace delivered by the RESUMED dispatch.
func (s *SessionState) HandleResumed(d ResumedData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append([]string(nil), d.Trace...)
}

// SetTrace stores the server trace from HELLO.
func (s *SessionState) SetTrace(trace []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trace = append([]string(nil), trace...)
}

// Clear wipes the session identity so that the next connection attempt identifies from scratch.
func (s *SessionState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = nil
	s.seq = nil
	s.trace = nil
	s.user = nil
}

// SessionID returns the opaque session id captured from READY, or nil when no session is established.
func (s *SessionState) SessionID() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.sessionID...)
}

// Seq returns the last seen sequence number, or nil when none has been observed.
func (s *SessionState) Seq() *int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seq == nil {
		return nil
	}
	v := *s.seq
	return &v
}

// Trace returns the most recent server trace.
func (s *SessionState) Trace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.trace...)
}

// User returns the raw current-user object from READY, or nil before the first READY.
func (s *SessionState) User() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.user...)
}

// Shard returns the shard coordinates the engine was constructed with.
func (s *SessionState) Shard() (id, count int) {
	return s.shardID, s.shardCount
}
