package users

import (
	"context"
	"sync"

	"relay-service/internal/models"
)

// MemoryProfiles is a map-backed ProfileSource for development and tests.
type MemoryProfiles struct {
	mu       sync.RWMutex
	profiles map[int]models.Profile
}

// NewMemoryProfiles seeds a MemoryProfiles with the given profiles.
func NewMemoryProfiles(profiles ...models.Profile) *MemoryProfiles {
	m := &MemoryProfiles{profiles: make(map[int]models.Profile, len(profiles))}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	return m
}

// Put stores or replaces a profile.
func (m *MemoryProfiles) Put(p models.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *MemoryProfiles) GetProfile(_ context.Context, userID int) (models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[userID]
	if !ok {
		return models.Profile{}, ErrUserNotFound
	}
	return p, nil
}
