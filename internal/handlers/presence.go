package handlers

import (
	"context"
	"sort"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/mossy-p/ensemble/internal/models"
)

// Presence records which clients are registered, per role.
// *redis.Presence implements it.
type Presence interface {
	Add(ctx context.Context, role models.Role, id string) error
	Remove(ctx context.Context, role models.Role, id string) error
	List(ctx context.Context, role models.Role) ([]string, error)
}

// MemoryPresence is a Presence for a single relay without redis
type MemoryPresence struct {
	mu  sync.Mutex
	ids map[models.Role]mapset.Set[string]
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{ids: make(map[models.Role]mapset.Set[string])}
}

func (p *MemoryPresence) Add(_ context.Context, role models.Role, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.ids[role]
	set.Add(id)
	p.ids[role] = set
	return nil
}

func (p *MemoryPresence) Remove(_ context.Context, role models.Role, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.ids[role]
	set.Remove(id)
	p.ids[role] = set
	return nil
}

func (p *MemoryPresence) List(_ context.Context, role models.Role) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.ids[role]
	ids := set.Slice()
	sort.Strings(ids)
	return ids, nil
}
