package credentials

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned when no token is cached for a key
var ErrNotFound = errors.New("credentials not found")

// Key identifies cached tokens. The device token belongs to Server and
// LicenseKey; the user token additionally to UserEmail.
type Key struct {
	Server     string
	LicenseKey string
	UserEmail  string
}

// Entry holds the cached tokens for a key. Empty fields are not cached.
type Entry struct {
	DeviceToken string
	UserToken   string
}

// Store caches device and user tokens across runs
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)
	Put(ctx context.Context, key Key, entry Entry) error
	Clear(ctx context.Context) error
}

type licenseKey struct {
	server  string
	license string
}

func (k Key) license() licenseKey {
	return licenseKey{server: k.Server, license: k.LicenseKey}
}

// MemoryStore keeps tokens for the lifetime of the process
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[licenseKey]string
	users   map[Key]string
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[licenseKey]string),
		users:   make(map[Key]string),
	}
}

// Get returns the cached tokens or ErrNotFound when neither is cached
func (s *MemoryStore) Get(ctx context.Context, key Key) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry := Entry{
		DeviceToken: s.devices[key.license()],
		UserToken:   s.users[key],
	}
	if entry == (Entry{}) {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

// Put stores the non-empty tokens of entry. An empty UserToken removes the
// cached user token so a stale one can be dropped.
func (s *MemoryStore) Put(ctx context.Context, key Key, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.DeviceToken != "" {
		s.devices[key.license()] = entry.DeviceToken
	}
	if entry.UserToken != "" {
		s.users[key] = entry.UserToken
	} else {
		delete(s.users, key)
	}
	return nil
}

// Clear drops every cached token
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.devices = make(map[licenseKey]string)
	s.users = make(map[Key]string)
	return nil
}
