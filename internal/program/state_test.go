package program_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/mossy-p/ensemble/internal/params"
	"github.com/mossy-p/ensemble/internal/parts"
	"github.com/mossy-p/ensemble/internal/program"
	"github.com/redis/go-redis/v9"
)

type countingSender struct{ sent int }

func (s *countingSender) Send(string, models.Message) bool {
	s.sent++
	return true
}

func (s *countingSender) Broadcast(models.Message) int { return 0 }

func newState(t *testing.T) (*program.State, *parts.Manager, *countingSender) {
	t.Helper()
	sender := new(countingSender)
	m := parts.NewManager(sender, parts.Config{})
	m.AddSynth("s1")
	return program.New(m, program.NewMemoryStore()), m, sender
}

func TestApply(t *testing.T) {
	st, m, sender := newState(t)
	if st.HasUnappliedChanges() {
		t.Error("HasUnappliedChanges: true with nothing authored")
	}
	if _, ok := st.Active(); ok {
		t.Error("Active: present before Apply")
	}

	if err := m.SetChord([]float64{220}); err != nil {
		t.Fatalf("SetChord: %v", err)
	}
	if !st.HasUnappliedChanges() {
		t.Error("HasUnappliedChanges: false after editing")
	}

	res, err := st.Apply(parts.SendOptions{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.SuccessCount != 1 || sender.sent != 1 {
		t.Errorf("Apply: result %+v, %d sent", res, sender.sent)
	}
	if st.HasUnappliedChanges() {
		t.Error("HasUnappliedChanges: true right after Apply")
	}
	active, ok := st.Active()
	if !ok {
		t.Fatal("Active: missing after Apply")
	}
	if diff := cmp.Diff(st.Editing(), active); diff != "" {
		t.Errorf("active (-editing, +active):\n%s", diff)
	}

	if err := m.SetChord([]float64{220, 330}); err != nil {
		t.Fatalf("SetChord: %v", err)
	}
	if !st.HasUnappliedChanges() {
		t.Error("HasUnappliedChanges: false after second edit")
	}
	if _, err := st.Apply(parts.SendOptions{Transition: params.TransitionConfig{Duration: params.Float(-1)}}); err == nil {
		t.Error("Apply(bad transition): got nil error")
	}
	if !st.HasUnappliedChanges() {
		t.Error("failed Apply made the edit active")
	}
}

func TestBank(t *testing.T) {
	ctx := context.Background()
	st, m, sender := newState(t)
	if err := m.SetChord([]float64{220, 330}); err != nil {
		t.Fatalf("SetChord: %v", err)
	}
	want := m.Snapshot()

	if err := st.Save(ctx, 3); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := m.SetChord([]float64{440}); err != nil {
		t.Fatalf("SetChord: %v", err)
	}

	got, err := st.Load(ctx, 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("loaded (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{220, 330}, m.Chord()); diff != "" {
		t.Errorf("chord after load (-want, +got):\n%s", diff)
	}
	if sender.sent != 0 {
		t.Errorf("Load sent %d programs, want 0", sender.sent)
	}

	entries, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != program.Slots {
		t.Fatalf("List: got %d entries, want %d", len(entries), program.Slots)
	}
	for _, e := range entries {
		if e.Saved != (e.ID == 3) {
			t.Errorf("slot %d: saved=%v", e.ID, e.Saved)
		}
	}

	if err := st.Clear(ctx, 3); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := st.Load(ctx, 3); !errors.Is(err, program.ErrEmptySlot) {
		t.Errorf("Load(cleared): got %v, want ErrEmptySlot", err)
	}
}

func TestBankInvalidSlot(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newState(t)
	for _, slot := range []int{0, 11, -1} {
		if err := st.Save(ctx, slot); !errors.Is(err, program.ErrInvalidSlot) {
			t.Errorf("Save(%d): got %v, want ErrInvalidSlot", slot, err)
		}
		if _, err := st.Load(ctx, slot); !errors.Is(err, program.ErrInvalidSlot) {
			t.Errorf("Load(%d): got %v, want ErrInvalidSlot", slot, err)
		}
		if err := st.Clear(ctx, slot); !errors.Is(err, program.ErrInvalidSlot) {
			t.Errorf("Clear(%d): got %v, want ErrInvalidSlot", slot, err)
		}
	}
	if _, err := st.Load(ctx, 10); !errors.Is(err, program.ErrEmptySlot) {
		t.Errorf("Load(10): got %v, want ErrEmptySlot", err)
	}
}

func TestBankCorruptEntry(t *testing.T) {
	ctx := context.Background()
	store := program.NewMemoryStore()
	if err := store.Set(ctx, "ensemble:bank:2", []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	st := program.New(parts.NewManager(new(countingSender), parts.Config{}), store)
	if _, err := st.Load(ctx, 2); err == nil || errors.Is(err, program.ErrEmptySlot) {
		t.Errorf("Load(corrupt): got %v, want a parse error", err)
	}
}

func testStore(t *testing.T, s program.Store) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Get(ctx, "ensemble:test:k"); !errors.Is(err, program.ErrNotFound) {
		t.Fatalf("Get(missing): got %v, want ErrNotFound", err)
	}
	if err := s.Set(ctx, "ensemble:test:k", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "ensemble:test:k")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get: got %q, %v", got, err)
	}
	if err := s.Delete(ctx, "ensemble:test:k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "ensemble:test:k"); !errors.Is(err, program.ErrNotFound) {
		t.Errorf("Get(deleted): got %v, want ErrNotFound", err)
	}
}

func TestMemoryStore(t *testing.T) { testStore(t, program.NewMemoryStore()) }

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	testStore(t, program.NewRedisStore(client))
}
