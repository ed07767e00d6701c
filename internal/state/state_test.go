package state

import (
	"fmt"
	"sync"
	"testing"
)

func TestUpsertProgressKeepsKeysUnique(t *testing.T) {
	var s State
	keys := []string{"a", "b", "a", "c", "b", "a"}
	for i, key := range keys {
		s = Apply(s, UpsertProgress{Item: ProgressItem{Key: key, Progress: float64(i), Status: ProgressDownloading}})
	}
	if len(s.ProgressItems) != 3 {
		t.Fatalf("expected 3 items, got %d: %+v", len(s.ProgressItems), s.ProgressItems)
	}
	seen := map[string]bool{}
	for _, item := range s.ProgressItems {
		if seen[item.Key] {
			t.Fatalf("duplicate key %q", item.Key)
		}
		seen[item.Key] = true
	}
	item, ok := s.Progress("a")
	if !ok || item.Progress != 5 {
		t.Fatalf("expected latest progress for a, got %+v", item)
	}
	if s.ProgressItems[0].Key != "a" {
		t.Fatalf("upsert should replace in place, order = %+v", s.ProgressItems)
	}
}

func TestRemoveProgressAbsentIsNoop(t *testing.T) {
	s := Apply(State{}, UpsertProgress{Item: ProgressItem{Key: "a"}})
	s = Apply(s, RemoveProgress{Key: "missing"})
	if len(s.ProgressItems) != 1 {
		t.Fatalf("expected item kept, got %+v", s.ProgressItems)
	}
	s = Apply(s, RemoveProgress{Key: "a"})
	if len(s.ProgressItems) != 0 {
		t.Fatalf("expected item removed, got %+v", s.ProgressItems)
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	before := State{ProgressItems: []ProgressItem{{Key: "a", Progress: 1}}}
	after := Apply(before, UpsertProgress{Item: ProgressItem{Key: "a", Progress: 50}})
	if before.ProgressItems[0].Progress != 1 {
		t.Fatalf("input state mutated: %+v", before.ProgressItems)
	}
	if after.ProgressItems[0].Progress != 50 {
		t.Fatalf("expected new progress, got %+v", after.ProgressItems)
	}
}

func TestSetFieldsShallowMerge(t *testing.T) {
	s := State{Config: Configuration{ModelID: "tiny", Language: "auto", Multilingual: true}}
	s = Apply(s, SetFields{Patch: Patch{Language: Ptr("de"), Ready: Ptr(true)}})
	if s.Config.ModelID != "tiny" || !s.Config.Multilingual {
		t.Fatalf("untouched fields changed: %+v", s.Config)
	}
	if s.Config.Language != "de" || !s.Ready {
		t.Fatalf("patched fields not applied: %+v", s)
	}
}

func TestStartAndAbortJob(t *testing.T) {
	s := State{Transcript: &Transcript{Text: "old"}}
	s = Apply(s, UpsertProgress{Item: ProgressItem{Key: "clip.wav", Status: ProgressProcessing}})
	s = Apply(s, StartJob{})
	if !s.Busy || s.Transcript != nil {
		t.Fatalf("StartJob should set busy and clear transcript: %+v", s)
	}
	s = Apply(s, AbortJob{JobID: "job-1"})
	if s.Busy {
		t.Fatal("AbortJob should clear busy")
	}
	if len(s.ProgressItems) != 0 {
		t.Fatalf("AbortJob should clear progress, got %+v", s.ProgressItems)
	}
	if s.Transcript == nil || s.Transcript.Text != AbortedText || !s.Transcript.Aborted {
		t.Fatalf("unexpected aborted transcript: %+v", s.Transcript)
	}
}

func TestStoreConcurrentDispatch(t *testing.T) {
	store := NewStore(State{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			store.Dispatch(UpsertProgress{Item: ProgressItem{Key: key, Progress: float64(i)}})
		}(i)
	}
	wg.Wait()
	if got := len(store.Snapshot().ProgressItems); got != 5 {
		t.Fatalf("expected 5 unique keys, got %d", got)
	}
}

func TestStoreSubscribe(t *testing.T) {
	store := NewStore(State{})
	var seen []bool
	unsubscribe := store.Subscribe(func(s State) { seen = append(seen, s.Ready) })
	store.Dispatch(SetFields{Patch: Patch{Ready: Ptr(true)}})
	unsubscribe()
	store.Dispatch(SetFields{Patch: Patch{Ready: Ptr(false)}})
	if len(seen) != 1 || !seen[0] {
		t.Fatalf("unexpected notifications: %v", seen)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	store := NewStore(State{})
	store.Dispatch(UpsertProgress{Item: ProgressItem{Key: "a", Progress: 10}})
	snap := store.Snapshot()
	snap.ProgressItems[0].Progress = 99
	if item, _ := store.Snapshot().Progress("a"); item.Progress != 10 {
		t.Fatalf("snapshot aliases store state: %+v", item)
	}
}
