package host

import (
	"errors"
	"testing"

	"github.com/chazu/capsule/vm"
)

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore()
	prog := callProgram("fetch", 5)

	session := store.Create(prog)
	if session.ID == "" {
		t.Fatal("session has no ID")
	}
	if got, ok := store.Get(session.ID); !ok || got != session {
		t.Fatal("Get did not return the created session")
	}
	if ids := store.List(); len(ids) != 1 || ids[0] != session.ID {
		t.Errorf("List() = %v", ids)
	}

	store.Destroy(session.ID)
	if _, ok := store.Get(session.ID); ok {
		t.Error("session still present after Destroy")
	}
}

func TestSessionCheckpointRestore(t *testing.T) {
	store := NewSessionStore()
	prog := callProgram("fetch", 5)

	session := store.Create(prog)
	res := session.Exec.Run()
	if res.State != vm.Suspended {
		t.Fatalf("state = %v, want suspended", res.State)
	}

	data, err := store.Checkpoint(session.ID)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	restored, err := store.Restore(prog, data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.ID == session.ID {
		t.Error("restored session reused the original ID")
	}

	// Original and restored copies answer the same suspension independently.
	for _, s := range []*Session{session, restored} {
		res, err := s.Exec.Resume(vm.FromSmallInt(30))
		if err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if res.State != vm.Completed || res.Value.SmallInt() != 30 {
			t.Errorf("session %s: state=%v value=%v", s.ID, res.State, res.Value)
		}
	}
}

func TestSessionCheckpointMissing(t *testing.T) {
	store := NewSessionStore()
	if _, err := store.Checkpoint("nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionCheckpointNotSuspended(t *testing.T) {
	store := NewSessionStore()
	session := store.Create(callProgram("fetch", 5))

	// Still in the initial running state; only suspended executions dump.
	if _, err := store.Checkpoint(session.ID); err == nil {
		t.Error("Checkpoint of a non-suspended session must fail")
	}
}
