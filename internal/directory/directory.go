// Package directory resolves participant ids to display metadata.
package directory

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("directory: profile not found")

// PlaceholderName is shown when a profile lookup fails. Lookups are
// presentation only and never block or fail signaling.
const PlaceholderName = "Unknown"

type Profile struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Lookup interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// ProfileOrPlaceholder resolves a profile, degrading to the placeholder on
// any error.
func ProfileOrPlaceholder(ctx context.Context, l Lookup, userID string) Profile {
	if l == nil {
		return Profile{Name: PlaceholderName}
	}
	p, err := l.Profile(ctx, userID)
	if err != nil || p.Name == "" {
		return Profile{Name: PlaceholderName}
	}
	return p
}

// Memory is a Lookup over a fixed in-process table.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

var _ Lookup = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]Profile)}
}

func (m *Memory) Put(userID string, p Profile) {
	m.mu.Lock()
	m.profiles[userID] = p
	m.mu.Unlock()
}

func (m *Memory) Profile(_ context.Context, userID string) (Profile, error) {
	m.mu.RLock()
	p, ok := m.profiles[userID]
	m.mu.RUnlock()
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}
