// Package redis connects to redis and keeps relay presence in it.
package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/mossy-p/ensemble/config"
	"github.com/mossy-p/ensemble/internal/models"
	"github.com/redis/go-redis/v9"
)

// Connect opens a client and checks that the server answers
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// Presence keeps the ids of registered clients in one set per role
type Presence struct {
	client *redis.Client
}

func NewPresence(client *redis.Client) *Presence {
	return &Presence{client: client}
}

func presenceKey(role models.Role) string {
	switch role {
	case models.RoleController:
		return "ensemble:controllers"
	default:
		return "ensemble:synths"
	}
}

// Add records id as present in role
func (p *Presence) Add(ctx context.Context, role models.Role, id string) error {
	if err := p.client.SAdd(ctx, presenceKey(role), id).Err(); err != nil {
		return fmt.Errorf("failed to add %s %s: %w", role, id, err)
	}
	return nil
}

// Remove forgets id
func (p *Presence) Remove(ctx context.Context, role models.Role, id string) error {
	if err := p.client.SRem(ctx, presenceKey(role), id).Err(); err != nil {
		return fmt.Errorf("failed to remove %s %s: %w", role, id, err)
	}
	return nil
}

// List returns the ids present in role, sorted
func (p *Presence) List(ctx context.Context, role models.Role) ([]string, error) {
	ids, err := p.client.SMembers(ctx, presenceKey(role)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", role, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear empties both presence sets. The relay calls it on startup, since
// clients of a previous run are gone.
func (p *Presence) Clear(ctx context.Context) error {
	if err := p.client.Del(ctx, presenceKey(models.RoleController), presenceKey(models.RoleSynth)).Err(); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}
