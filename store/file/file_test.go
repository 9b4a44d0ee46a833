package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/risa-org/gateway/session"
)

// tempPath returns a path inside a per-test directory. No file exists yet.
func tempPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sessions.json")
}

func sample(id string, seq int64) session.State {
	return session.State{
		ID:                id,
		Sequence:          seq,
		ResumeURL:         "wss://resume.example",
		HeartbeatInterval: 41250 * time.Millisecond,
	}
}

func TestSaveAndLoad(t *testing.T) {
	store, err := New(tempPath(t))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	want := sample("s1", 7)
	if err := store.Save(ctx, "shard:0/1", want); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	got, ok, err := store.Load(ctx, "shard:0/1")
	if err != nil || !ok {
		t.Fatalf("expected to find session after saving it, ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	path := tempPath(t)
	ctx := context.Background()

	store1, err := New(path)
	if err != nil {
		t.Fatalf("failed to create store1: %v", err)
	}
	if err := store1.Save(ctx, "shard:3/4", sample("s1", 1)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	// later dispatches advance the sequence
	if err := store1.Save(ctx, "shard:3/4", sample("s1", 3)); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// simulate restart
	store2, err := New(path)
	if err != nil {
		t.Fatalf("failed to create store2: %v", err)
	}

	got, ok, _ := store2.Load(ctx, "shard:3/4")
	if !ok {
		t.Fatal("expected session to survive restart")
	}
	if got.ID != "s1" {
		t.Errorf("expected ID s1, got %s", got.ID)
	}
	if got.Sequence != 3 {
		t.Errorf("expected sequence 3 after restart, got %d", got.Sequence)
	}
	if got.HeartbeatInterval != 41250*time.Millisecond {
		t.Errorf("heartbeat interval not restored: %v", got.HeartbeatInterval)
	}
}

func TestDeleteRemovesFromDisk(t *testing.T) {
	path := tempPath(t)
	ctx := context.Background()

	store1, _ := New(path)
	store1.Save(ctx, "k", sample("s1", 1))
	if err := store1.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	// reload, the session must be gone
	store2, _ := New(path)
	if _, ok, _ := store2.Load(ctx, "k"); ok {
		t.Error("expected deleted session to be gone after reload")
	}
}

func TestDeleteMissingKeyWritesNothing(t *testing.T) {
	path := tempPath(t)

	store, _ := New(path)
	if err := store.Delete(context.Background(), "missing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected no file to be written, stat err: %v", err)
	}
}

func TestCountReflectsPersistedSessions(t *testing.T) {
	path := tempPath(t)
	ctx := context.Background()

	store1, _ := New(path)
	store1.Save(ctx, session.Key(0, 2), sample("a", 1))
	store1.Save(ctx, session.Key(1, 2), sample("b", 1))

	// reload
	store2, _ := New(path)
	if store2.Count() != 2 {
		t.Errorf("expected count 2 after reload, got %d", store2.Count())
	}
}

func TestEmptyFileOnFreshStart(t *testing.T) {
	store, err := New(tempPath(t))
	if err != nil {
		t.Fatalf("unexpected error on fresh start: %v", err)
	}
	if store.Count() != 0 {
		t.Errorf("expected empty store on fresh start, got %d", store.Count())
	}
}

func TestCorruptFileIsAnError(t *testing.T) {
	path := tempPath(t)
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Error("expected an error loading a corrupt file")
	}
}
