package gateway

import (
	"encoding/json"
	"testing"
)

func TestSessionResumeGating(t *testing.T) {
	t.Parallel()

	sess := NewSessionState(0, 0)
	if sess.CanResume() {
		t.Error("CanResume() = true on a fresh session")
	}

	// A sequence number alone is not enough.
	seq := int64(5)
	sess.UpdateSeq(&seq)
	if sess.CanResume() {
		t.Error("CanResume() = true with seq but no session id")
	}

	sess.HandleReady(ReadyData{SessionID: json.RawMessage(`"abc123"`)})
	if !sess.CanResume() {
		t.Error("CanResume() = false with both session id and seq")
	}

	sess.Clear()
	if sess.CanResume() {
		t.Error("CanResume() = true after Clear()")
	}
	if sess.Seq() != nil {
		t.Error("Seq() survived Clear()")
	}
	if sess.SessionID() != nil {
		t.Error("SessionID() survived Clear()")
	}
}

func TestSessionSeqConditionality(t *testing.T) {
	t.Parallel()

	sess := NewSessionState(0, 0)

	seq := int64(123)
	sess.UpdateSeq(&seq)
	if got := sess.Seq(); got == nil || *got != 123 {
		t.Fatalf("Seq() = %v, want 123", got)
	}

	// A frame without a sequence leaves the stored value unchanged.
	sess.UpdateSeq(nil)
	if got := sess.Seq(); got == nil || *got != 123 {
		t.Errorf("Seq() = %v after nil update, want 123", got)
	}

	next := int64(124)
	sess.UpdateSeq(&next)
	if got := sess.Seq(); got == nil || *got != 124 {
		t.Errorf("Seq() = %v, want 124", got)
	}
}

func TestSessionSeqIsolatedFromCaller(t *testing.T) {
	t.Parallel()

	sess := NewSessionState(0, 0)
	seq := int64(1)
	sess.UpdateSeq(&seq)
	seq = 999

	if got := sess.Seq(); got == nil || *got != 1 {
		t.Errorf("Seq() = %v, want 1 (caller mutation must not leak in)", got)
	}

	out := sess.Seq()
	*out = 500
	if got := sess.Seq(); got == nil || *got != 1 {
		t.Errorf("Seq() = %v, want 1 (returned pointer must not alias state)", got)
	}
}

func TestSessionHandleReady(t *testing.T) {
	t.Parallel()

	sess := NewSessionState(9, 18)
	sess.HandleReady(ReadyData{
		SessionID: json.RawMessage(`"69420lmaolmao"`),
		Trace:     []string{"potato.com", "tomato.net"},
		User:      json.RawMessage(`{"id":"81624","username":"Ben_Dover"}`),
	})

	if got := string(sess.SessionID()); got != `"69420lmaolmao"` {
		t.Errorf("SessionID() = %s, want \"69420lmaolmao\"", got)
	}
	trace := sess.Trace()
	if len(trace) != 2 || trace[0] != "potato.com" {
		t.Errorf("Trace() = %v", trace)
	}
	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(sess.User(), &user); err != nil {
		t.Fatalf("unmarshal user: %v", err)
	}
	if user.ID != "81624" {
		t.Errorf("user id = %q, want 81624", user.ID)
	}

	id, count := sess.Shard()
	if id != 9 || count != 18 {
		t.Errorf("Shard() = (%d, %d), want (9, 18)", id, count)
	}
}

func TestSessionHandleResumedUpdatesTrace(t *testing.T) {
	t.Parallel()

	sess := NewSessionState(0, 0)
	sess.SetTrace([]string{"old"})
	sess.HandleResumed(ResumedData{Trace: []string{"new-a", "new-b"}})

	trace := sess.Trace()
	if len(trace) != 2 || trace[0] != "new-a" {
		t.Errorf("Trace() = %v, want [new-a new-b]", trace)
	}
}
