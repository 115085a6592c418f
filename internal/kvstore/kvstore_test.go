package kvstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/internal/pool"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(0)
	if !s.Set("k1", "v1") {
		t.Fatal("set failed")
	}
	v, ok := s.Get("k1")
	if !ok || v != "v1" {
		t.Errorf("expected v1, got %q ok=%v", v, ok)
	}
}

func TestAuditRoutesThroughPoolWhenConfigured(t *testing.T) {
	p := pool.Create(2)
	defer p.Free()

	s := New(0)
	s.SetPool(p)

	done := make(chan string, 1)
	s.SetAuditFunc(func(op, key, holder string) { done <- op })

	s.Set("k1", "v1")

	select {
	case op := <-done:
		if op != "set" {
			t.Errorf("expected audit op %q, got %q", "set", op)
		}
	case <-time.After(time.Second):
		t.Fatal("audit never delivered via pool")
	}
}

func TestLockBlocksSetByOtherAgent(t *testing.T) {
	s := New(0)
	if !s.Lock("file.x", "agentA") {
		t.Fatal("lock failed")
	}
	if s.Set("file.x", "v") {
		t.Error("set should fail while locked by another agent")
	}
}

func TestLockIdempotentForSameAgent(t *testing.T) {
	s := New(0)
	if !s.Lock("k", "A") {
		t.Fatal("first lock should succeed")
	}
	if !s.Lock("k", "A") {
		t.Error("second lock by same agent should also succeed")
	}
}

func TestUnlockRequiresHolder(t *testing.T) {
	s := New(0)
	s.Lock("k", "A")
	if s.Unlock("k", "B") {
		t.Error("unlock by non-holder must fail")
	}
	if !s.Unlock("k", "A") {
		t.Error("unlock by holder must succeed")
	}
	if s.Unlock("k", "A") {
		t.Error("second unlock should fail, lock already released")
	}
}

func TestDeleteFailsWhenLocked(t *testing.T) {
	s := New(0)
	s.Set("k", "v")
	s.Lock("k", "A")
	if s.Delete("k") {
		t.Error("delete should fail while locked")
	}
	s.Unlock("k", "A")
	if !s.Delete("k") {
		t.Error("delete should succeed once unlocked")
	}
}

func TestKeysPrefix(t *testing.T) {
	s := New(0)
	s.Set("agentA.status", "running")
	s.Set("agentA.task", "build")
	s.Set("agentB.status", "idle")
	keys := s.KeysPrefix("agentA.")
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	s := New(0)
	s.SetPersistence(path)
	s.Set("a", "1")
	s.Set("b", "2")
	s.Set("c", "3")
	s.Lock("a", "agentX")
	if !s.Save() {
		t.Fatal("save failed")
	}
	s.Dispose()

	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		t.Fatalf("expected persisted file, err=%v", err)
	}

	s2 := New(0)
	s2.SetPersistence(path)
	if !s2.Load() {
		t.Fatal("load failed")
	}
	for k, want := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		got, ok := s2.Get(k)
		if !ok || got != want {
			t.Errorf("key %s: expected %s, got %s (ok=%v)", k, want, got, ok)
		}
	}
	if s2.LockedBy("a") != "" {
		t.Error("locks must not survive persistence round-trip")
	}
}

func TestLoadMissingFileIsNoopSuccess(t *testing.T) {
	s := New(0)
	s.SetPersistence(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if !s.Load() {
		t.Error("loading a missing file should succeed with no change")
	}
}

func TestClearRemovesLocksAndValues(t *testing.T) {
	s := New(0)
	s.Set("a", "1")
	s.Lock("b", "agentX")
	s.Clear()
	if s.Exists("a") {
		t.Error("a should be gone after Clear")
	}
	if s.LockedBy("b") != "" {
		t.Error("b's lock should be gone after Clear")
	}
}
