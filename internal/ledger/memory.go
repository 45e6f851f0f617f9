package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/resumeai/pkg/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps profiles in process memory. Each user has its own lock
// so deductions for one user are serialized without blocking others.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*models.Profile
	locks    map[string]*sync.Mutex
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*models.Profile),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Put creates or replaces a profile
func (s *MemoryStore) Put(profile models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = now
	}
	profile.UpdatedAt = now
	s.profiles[profile.UserID] = &profile
	if _, ok := s.locks[profile.UserID]; !ok {
		s.locks[profile.UserID] = &sync.Mutex{}
	}
}

// GetProfile implements Store
func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	lock, ok := s.userLock(userID)
	if !ok {
		return nil, models.ErrProfileNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	profile := *s.profiles[userID]
	s.mu.Unlock()
	return &profile, nil
}

// DeductIfSufficient implements Store
func (s *MemoryStore) DeductIfSufficient(ctx context.Context, userID string, amount int) (int, bool, error) {
	lock, ok := s.userLock(userID)
	if !ok {
		return 0, false, models.ErrProfileNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	profile := s.profiles[userID]
	s.mu.Unlock()

	if profile.Credits < amount {
		return profile.Credits, false, nil
	}
	profile.Credits -= amount
	profile.UpdatedAt = time.Now().UTC()
	return profile.Credits, true, nil
}

// Add implements Store
func (s *MemoryStore) Add(ctx context.Context, userID string, amount int) (int, error) {
	lock, ok := s.userLock(userID)
	if !ok {
		return 0, models.ErrProfileNotFound
	}
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	profile := s.profiles[userID]
	s.mu.Unlock()

	profile.Credits += amount
	profile.UpdatedAt = time.Now().UTC()
	return profile.Credits, nil
}

func (s *MemoryStore) userLock(userID string) (*sync.Mutex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	return lock, ok
}
