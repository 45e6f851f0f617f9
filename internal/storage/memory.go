package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStorage keeps resumes in process. It backs local development when
// object storage is disabled.
type MemoryStorage struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string][]byte)}
}

// StoreResume implements ResumeStore
func (m *MemoryStorage) StoreResume(ctx context.Context, userID, filename string, data []byte) (*StoredObject, error) {
	key := ResumeKey(userID, filename)
	stored := make([]byte, len(data))
	copy(stored, data)

	m.mu.Lock()
	m.objects[key] = stored
	m.mu.Unlock()

	return &StoredObject{
		Key:         key,
		Size:        int64(len(data)),
		ContentType: getContentType(filename),
		UploadedAt:  time.Now().UTC(),
	}, nil
}

// GetURL implements ResumeStore. The returned URL is only meaningful to
// this process.
func (m *MemoryStorage) GetURL(ctx context.Context, objectName string) (string, error) {
	if _, ok := m.Get(objectName); !ok {
		return "", ErrObjectNotFound
	}
	return "memory:///" + objectName, nil
}

// Delete implements ResumeStore
func (m *MemoryStorage) Delete(ctx context.Context, objectName string) error {
	m.mu.Lock()
	delete(m.objects, objectName)
	m.mu.Unlock()
	return nil
}

// DeleteUserResumes implements ResumeStore
func (m *MemoryStorage) DeleteUserResumes(ctx context.Context, userID string) (int, error) {
	prefix := userPrefix(userID)

	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
			deleted++
		}
	}
	return deleted, nil
}

// Get returns a stored object
func (m *MemoryStorage) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	return data, ok
}

// Len returns the number of stored objects
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
