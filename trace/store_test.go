package trace

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/lumenlang/lumen/vm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "traces.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	s := openTestStore(t)

	r := NewRecorder()
	r.ProcSpawned(1, "main")
	r.EffectPerformed(1, "io.read", []vm.Value{vm.FromString("stdin")})
	r.ProcExited(1, nil)
	if err := s.Save(r); err != nil {
		t.Fatal(err)
	}

	events, err := s.Load(r.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("loaded %d events, want 3", len(events))
	}
	if events[1].Kind != KindEffect || events[1].Name != "io.read" {
		t.Errorf("event 1 = %+v", events[1])
	}

	hash, err := s.Hash(r.RunID)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := r.Hash()
	if hash != want {
		t.Errorf("stored hash %s, recorder hash %s", hash, want)
	}
}

func TestStoreRunNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Load(uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("load of missing run = %v", err)
	}
	if _, err := s.Hash(uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("hash of missing run = %v", err)
	}
}

func TestStoreRunsListing(t *testing.T) {
	s := openTestStore(t)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		r := NewRecorder()
		r.ProcSpawned(1, "main")
		r.ProcExited(1, nil)
		if err := s.Save(r); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.RunID)
	}

	runs, err := s.Runs()
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("listed %d runs, want 3", len(runs))
	}
	seen := make(map[uuid.UUID]bool)
	for _, info := range runs {
		seen[info.ID] = true
		if info.Events != 2 {
			t.Errorf("run %s has %d events, want 2", info.ID, info.Events)
		}
		if info.Hash == "" {
			t.Errorf("run %s has no hash", info.ID)
		}
	}
	for _, id := range ids {
		if !seen[id] {
			t.Errorf("run %s missing from listing", id)
		}
	}
}
