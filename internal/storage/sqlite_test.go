package storage

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/vovakirdan/netsync/internal/core"
	"github.com/vovakirdan/netsync/internal/statesync"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreOpenClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	// Check that the file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestStoreReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.SaveStateEntry("room", core.StateEntry{Key: "k", Value: []byte("v"), Version: 1}); err != nil {
		t.Fatalf("SaveStateEntry() failed: %v", err)
	}
	store.Close()

	store, err = Open(dbPath)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer store.Close()
	entries, err := store.StateEntries("room")
	if err != nil || len(entries) != 1 {
		t.Errorf("StateEntries() = %v, %v", entries, err)
	}
}

func TestSaveStateEntryKeepsNewest(t *testing.T) {
	store := openTemp(t)

	tests := []struct {
		name  string
		entry core.StateEntry
		want  string
	}{
		{"first write", core.StateEntry{Key: "score", Value: []byte("a"), Version: 1, Timestamp: 10, Sender: "p1"}, "a"},
		{"higher version wins", core.StateEntry{Key: "score", Value: []byte("b"), Version: 2, Timestamp: 5, Sender: "p1"}, "b"},
		{"lower version loses", core.StateEntry{Key: "score", Value: []byte("c"), Version: 1, Timestamp: 99, Sender: "p9"}, "b"},
		{"later timestamp breaks tie", core.StateEntry{Key: "score", Value: []byte("d"), Version: 2, Timestamp: 6, Sender: "p0"}, "d"},
		{"sender breaks full tie", core.StateEntry{Key: "score", Value: []byte("e"), Version: 2, Timestamp: 6, Sender: "p2"}, "e"},
		{"smaller sender loses tie", core.StateEntry{Key: "score", Value: []byte("f"), Version: 2, Timestamp: 6, Sender: "p1"}, "e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.SaveStateEntry("room", tt.entry); err != nil {
				t.Fatalf("SaveStateEntry() failed: %v", err)
			}
			entries, err := store.StateEntries("room")
			if err != nil {
				t.Fatalf("StateEntries() failed: %v", err)
			}
			if len(entries) != 1 || string(entries[0].Value) != tt.want {
				t.Errorf("stored = %+v, expected value %q", entries, tt.want)
			}
		})
	}
}

func TestStateScopes(t *testing.T) {
	store := openTemp(t)
	store.SaveStateEntry("b", core.StateEntry{Key: "x", Version: 1})
	store.SaveStateEntry("a", core.StateEntry{Key: "y", Version: 1})
	store.SaveStateEntry("a", core.StateEntry{Key: "x", Version: 1})

	scopes, err := store.Scopes()
	if err != nil {
		t.Fatalf("Scopes() failed: %v", err)
	}
	if !reflect.DeepEqual(scopes, []string{"a", "b"}) {
		t.Errorf("Scopes() = %v", scopes)
	}

	entries, _ := store.StateEntries("a")
	if len(entries) != 2 || entries[0].Key != "x" || entries[1].Key != "y" {
		t.Errorf("StateEntries(a) = %+v", entries)
	}

	if err := store.ClearState("a"); err != nil {
		t.Fatalf("ClearState() failed: %v", err)
	}
	if entries, _ := store.StateEntries("a"); len(entries) != 0 {
		t.Errorf("entries left after ClearState: %+v", entries)
	}
}

func TestPersisterRestoresStore(t *testing.T) {
	store := openTemp(t)
	quiet := log.New(io.Discard)
	clock := core.NewManualClock(time.UnixMilli(1000))

	live := statesync.New("alice", nil, statesync.Options{
		Clock:     clock,
		Logger:    quiet,
		Persister: store.Persister("lobby"),
	})
	live.Set("map", []byte("dunes"))
	live.Set("map", []byte("canyon"))
	live.Merge(core.StateEntry{Key: "mode", Value: []byte("ctf"), Version: 1, Timestamp: 1, Sender: "bob"})

	entries, err := store.StateEntries("lobby")
	if err != nil {
		t.Fatalf("StateEntries() failed: %v", err)
	}
	restored := statesync.New("alice", nil, statesync.Options{Clock: clock, Logger: quiet})
	if n := restored.Restore(entries); n != 2 {
		t.Errorf("Restore() = %d, expected 2", n)
	}
	if !reflect.DeepEqual(restored.Entries(), live.Entries()) {
		t.Errorf("restored = %+v\nlive = %+v", restored.Entries(), live.Entries())
	}
}

func TestSessionRecords(t *testing.T) {
	store := openTemp(t)

	id, err := store.SaveSession(SessionRecord{
		Peer:           "alice",
		Mode:           "simulate",
		Preset:         "mobile",
		Duration:       1500 * time.Millisecond,
		Inputs:         90,
		Reconciled:     40,
		Replayed:       120,
		MaxCorrection:  2.5,
		MeanCorrection: 0.25,
	})
	if err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}
	if len(id) != 36 {
		t.Errorf("generated id = %q, expected a UUID", id)
	}
	if _, err := store.SaveSession(SessionRecord{ID: "fixed", Peer: "bob", Mode: "play"}); err != nil {
		t.Fatalf("SaveSession() failed: %v", err)
	}
	if _, err := store.SaveSession(SessionRecord{ID: "fixed", Peer: "bob", Mode: "play"}); err == nil {
		t.Errorf("duplicate id accepted")
	}

	got, err := store.SessionByID(id)
	if err != nil || got == nil {
		t.Fatalf("SessionByID() = %v, %v", got, err)
	}
	if got.Peer != "alice" || got.Duration != 1500*time.Millisecond || got.Inputs != 90 || got.MaxCorrection != 2.5 {
		t.Errorf("SessionByID() = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Errorf("CreatedAt not set")
	}

	missing, err := store.SessionByID("nope")
	if err != nil || missing != nil {
		t.Errorf("SessionByID(nope) = %v, %v", missing, err)
	}

	all, err := store.RecentSessions("", 10)
	if err != nil || len(all) != 2 {
		t.Fatalf("RecentSessions() = %v, %v", all, err)
	}
	if all[0].ID != "fixed" {
		t.Errorf("most recent = %q, expected fixed", all[0].ID)
	}
	bobs, _ := store.RecentSessions("bob", 10)
	if len(bobs) != 1 || bobs[0].Mode != "play" {
		t.Errorf("RecentSessions(bob) = %+v", bobs)
	}
}
