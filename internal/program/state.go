// Package program tracks the program being edited against the one last
// sent to the ensemble, and keeps a bank of saved programs.
package program

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mossy-p/ensemble/internal/parts"
)

var (
	ErrInvalidSlot = errors.New("bank slot must be between 1 and 10")
	ErrEmptySlot   = errors.New("bank slot is empty")
)

// Slots is the number of bank slots.
const Slots = 10

const keyPrefix = "ensemble:bank:"

// Parts is the authoring model a State works over. *parts.Manager
// implements it.
type Parts interface {
	Snapshot() parts.State
	Restore(parts.State) error
	SendCurrentPart(parts.SendOptions) (parts.SendResult, error)
}

// Entry is one bank slot.
type Entry struct {
	ID      int          `json:"id"`
	Saved   bool         `json:"saved"`
	SavedAt time.Time    `json:"savedAt"`
	Program *parts.State `json:"program,omitempty"`
}

// State pairs the editing program, which lives in Parts, with the active
// program last applied to the ensemble.
type State struct {
	parts Parts
	store Store
	now   func() time.Time

	mu     sync.Mutex
	active *parts.State
}

// New creates a State over p with its bank in store.
func New(p Parts, store Store) *State {
	return &State{parts: p, store: store, now: time.Now}
}

// Editing returns the program being authored.
func (s *State) Editing() parts.State { return s.parts.Snapshot() }

// Active returns the program last applied, if any.
func (s *State) Active() (parts.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return parts.State{}, false
	}
	return *s.active, true
}

// Apply sends the editing program to the ensemble and makes it active.
func (s *State) Apply(opts parts.SendOptions) (parts.SendResult, error) {
	snap := s.parts.Snapshot()
	res, err := s.parts.SendCurrentPart(opts)
	if err != nil {
		return res, err
	}
	s.mu.Lock()
	s.active = &snap
	s.mu.Unlock()
	return res, nil
}

// HasUnappliedChanges reports whether the editing program differs from the
// active one. Before the first Apply, any parts count as a change.
func (s *State) HasUnappliedChanges() bool {
	editing := s.parts.Snapshot()
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return len(editing.Parts) > 0
	}
	a, errA := json.Marshal(active)
	b, errB := json.Marshal(editing)
	return errA != nil || errB != nil || !bytes.Equal(a, b)
}

func slotKey(slot int) (string, error) {
	if slot < 1 || slot > Slots {
		return "", fmt.Errorf("%w (got %d)", ErrInvalidSlot, slot)
	}
	return fmt.Sprintf("%s%d", keyPrefix, slot), nil
}

// Save stores the editing program in slot.
func (s *State) Save(ctx context.Context, slot int) error {
	key, err := slotKey(slot)
	if err != nil {
		return err
	}
	snap := s.parts.Snapshot()
	data, err := json.Marshal(Entry{ID: slot, Saved: true, SavedAt: s.now().UTC(), Program: &snap})
	if err != nil {
		return fmt.Errorf("failed to marshal bank entry: %w", err)
	}
	if err := s.store.Set(ctx, key, data); err != nil {
		return err
	}
	log.Printf("Saved program to bank slot %d", slot)
	return nil
}

func (s *State) get(ctx context.Context, slot int) (Entry, error) {
	key, err := slotKey(slot)
	if err != nil {
		return Entry{}, err
	}
	data, err := s.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Entry{ID: slot}, nil
	} else if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to parse bank slot %d: %w", slot, err)
	}
	e.ID = slot
	e.Saved = e.Program != nil
	return e, nil
}

// Load restores the program in slot as the editing program. It is not
// sent; call Apply for that.
func (s *State) Load(ctx context.Context, slot int) (parts.State, error) {
	e, err := s.get(ctx, slot)
	if err != nil {
		return parts.State{}, err
	}
	if !e.Saved {
		return parts.State{}, fmt.Errorf("%w: %d", ErrEmptySlot, slot)
	}
	if err := s.parts.Restore(*e.Program); err != nil {
		return parts.State{}, fmt.Errorf("failed to restore bank slot %d: %w", slot, err)
	}
	log.Printf("Loaded program from bank slot %d", slot)
	return *e.Program, nil
}

// List returns every slot in order, saved or not.
func (s *State) List(ctx context.Context) ([]Entry, error) {
	out := make([]Entry, 0, Slots)
	for slot := 1; slot <= Slots; slot++ {
		e, err := s.get(ctx, slot)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Clear empties slot.
func (s *State) Clear(ctx context.Context, slot int) error {
	key, err := slotKey(slot)
	if err != nil {
		return err
	}
	return s.store.Delete(ctx, key)
}
