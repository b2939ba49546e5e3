package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/nearby/internal/models"
)

// MemoryStore is a LocationStore for local runs and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[int64]models.UserRecord
	locations map[int64]models.UserLocation // by user id
	sessions  map[string]int64
	nextUser  int64
	nextLoc   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]models.UserRecord),
		locations: make(map[int64]models.UserLocation),
		sessions:  make(map[string]int64),
	}
}

func (m *MemoryStore) CreateUser(_ context.Context, u NewUser) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUser++
	m.users[m.nextUser] = models.UserRecord{ID: m.nextUser, Name: u.Name, Age: u.Age, Gender: u.Gender, Avatar: u.Avatar}
	return m.nextUser, nil
}

// DeleteUser removes a user and cascades to its location row.
func (m *MemoryStore) DeleteUser(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	delete(m.locations, id)
}

func (m *MemoryStore) UpsertLocation(_ context.Context, loc models.UserLocation) (models.UserLocation, error) {
	if loc.LastUpdated.IsZero() {
		loc.LastUpdated = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[loc.UserID]; !ok {
		return models.UserLocation{}, fmt.Errorf("%w: %d", ErrUnknownUser, loc.UserID)
	}
	if prev, ok := m.locations[loc.UserID]; ok {
		loc.ID = prev.ID
	} else {
		m.nextLoc++
		loc.ID = m.nextLoc
	}
	m.locations[loc.UserID] = loc
	return loc, nil
}

func (m *MemoryStore) UsersByIDs(_ context.Context, ids []int64) (map[int64]models.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int64]models.UserRecord, len(ids))
	for _, id := range ids {
		u, ok := m.users[id]
		if !ok {
			continue
		}
		if loc, ok := m.locations[id]; ok {
			l := loc
			u.Location = &l
		}
		out[id] = u
	}
	return out, nil
}

func (m *MemoryStore) VisibleLocations(context.Context) ([]models.UserLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.UserLocation, 0, len(m.locations))
	for _, loc := range m.locations {
		if loc.IsVisible {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) SetVisibility(_ context.Context, userID int64, visible bool) (*models.UserLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc, ok := m.locations[userID]
	if !ok {
		return nil, nil
	}
	loc.IsVisible = visible
	m.locations[userID] = loc
	return &loc, nil
}

func (m *MemoryStore) TouchLastSeen(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		t := at
		u.LastSeenAt = &t
		m.users[userID] = u
	}
	return nil
}

func (m *MemoryStore) EnsureSessionUser(_ context.Context, token string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.sessions[token]; ok {
		return id, nil
	}
	m.nextUser++
	m.users[m.nextUser] = models.UserRecord{ID: m.nextUser, Name: guestName(token)}
	m.sessions[token] = m.nextUser
	return m.nextUser, nil
}

func (m *MemoryStore) Close() error { return nil }
