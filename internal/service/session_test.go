package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSessionStore_TakeOnce(t *testing.T) {
	st := newSessionStore(time.Minute)
	id := uuid.New()
	st.put(id, &cosiSession{index: 2})

	sess, ok := st.take(id)
	if !ok || sess.index != 2 {
		t.Fatalf("take() = (%v, %v), want session 2", sess, ok)
	}
	if _, ok := st.take(id); ok {
		t.Error("second take() found the session")
	}
}

func TestSessionStore_Expiry(t *testing.T) {
	now := time.Unix(1000, 0)
	st := newSessionStore(time.Minute)
	st.now = func() time.Time { return now }

	stale, fresh := uuid.New(), uuid.New()
	st.put(stale, &cosiSession{})
	now = now.Add(2 * time.Minute)
	if _, ok := st.take(stale); ok {
		t.Error("take() returned an expired session")
	}

	st.put(stale, &cosiSession{})
	now = now.Add(2 * time.Minute)
	st.put(fresh, &cosiSession{})
	if got := st.len(); got != 1 {
		t.Errorf("len() = %d after pruning, want 1", got)
	}
	if _, ok := st.take(fresh); !ok {
		t.Error("take() missed a live session")
	}
}
