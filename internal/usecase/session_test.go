package usecase

import (
	"errors"
	"testing"
	"time"

	"council/internal/domain"
)

func TestSessionKeyScopesByConversation(t *testing.T) {
	if SessionKey("dev", "chan-1") == SessionKey("dev", "chan-2") {
		t.Error("different conversations must yield different keys")
	}
	if SessionKey("dev", "chan-1") == SessionKey("ops", "chan-1") {
		t.Error("different agents must yield different keys")
	}
}

func TestAcquireCommitBudget(t *testing.T) {
	m := NewSessionManager(3)

	for i := 0; i < 3; i++ {
		if _, err := m.Acquire("dev", "c1"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		m.Commit("dev", "c1", "")
	}

	_, err := m.Acquire("dev", "c1")
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}

	// An exhausted session stays unchanged: the failed acquire costs nothing.
	if got := m.Info("dev", "c1").Calls; got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}

	// Other sessions are unaffected.
	if _, err := m.Acquire("dev", "c2"); err != nil {
		t.Errorf("fresh conversation should be under budget: %v", err)
	}
	if _, err := m.Acquire("ops", "c1"); err != nil {
		t.Errorf("other agent should be under budget: %v", err)
	}
}

func TestCommitStoresContinuityToken(t *testing.T) {
	m := NewSessionManager(10)

	token, err := m.Acquire("dev", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("fresh session token = %q, want empty", token)
	}

	m.Commit("dev", "c1", "tok-1")

	token, err = m.Acquire("dev", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q, want tok-1", token)
	}
}

func TestBudgetWarningFiresOnce(t *testing.T) {
	m := NewSessionManager(10)

	warnings := 0
	for i := 1; i <= 10; i++ {
		if _, err := m.Acquire("dev", "c1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		calls, warn := m.Commit("dev", "c1", "")
		if warn {
			warnings++
			// 80% of 10 is call number 8.
			if calls != 8 {
				t.Errorf("warning at call %d, want 8", calls)
			}
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want exactly 1", warnings)
	}
}

func TestResetClearsSession(t *testing.T) {
	m := NewSessionManager(2)

	m.Acquire("dev", "c1")
	m.Commit("dev", "c1", "tok")
	m.Acquire("dev", "c1")
	m.Commit("dev", "c1", "tok")

	if _, err := m.Acquire("dev", "c1"); !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected exhausted budget, got %v", err)
	}

	if err := m.Reset("dev", "c1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	token, err := m.Acquire("dev", "c1")
	if err != nil {
		t.Fatalf("post-reset acquire: %v", err)
	}
	if token != "" {
		t.Errorf("post-reset token = %q, want empty", token)
	}
}

func TestResetUnknownSession(t *testing.T) {
	m := NewSessionManager(5)
	err := m.Reset("dev", "never-seen")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestInfoImplicitSession(t *testing.T) {
	m := NewSessionManager(5)

	info := m.Info("dev", "c1")
	if info.Calls != 0 || info.Quota != 5 || info.HasToken {
		t.Errorf("implicit session info = %+v", info)
	}
	if info.Remaining() != 5 {
		t.Errorf("Remaining = %d, want 5", info.Remaining())
	}
}

func TestReapIdle(t *testing.T) {
	m := NewSessionManager(5)

	m.Acquire("dev", "old")
	m.Commit("dev", "old", "")
	m.Acquire("dev", "fresh")
	m.Commit("dev", "fresh", "")

	// Backdate the first session.
	m.mu.Lock()
	m.sessions[SessionKey("dev", "old")].lastActive = time.Now().UTC().Add(-2 * time.Hour)
	m.mu.Unlock()

	if got := m.ReapIdle(time.Hour); got != 1 {
		t.Fatalf("reaped %d, want 1", got)
	}
	if len(m.List()) != 1 {
		t.Errorf("sessions after reap = %d, want 1", len(m.List()))
	}
	if got := m.ReapIdle(0); got != 0 {
		t.Errorf("zero ttl must disable reaping, got %d", got)
	}
}
