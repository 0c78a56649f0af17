package cache

import (
	"sync"
	"time"
)

type namespaceState struct {
	members  map[string]bool
	users    map[string]User
	metadata map[string]any
}

func newNamespaceState() *namespaceState {
	return &namespaceState{
		members:  make(map[string]bool),
		users:    make(map[string]User),
		metadata: make(map[string]any),
	}
}

// MemoryBackend is the default in-process Backend. One mutex across all
// namespaces gives every call the single-writer discipline the cache needs.
type MemoryBackend struct {
	mu   sync.Mutex
	byNS map[string]*namespaceState
}

// NewMemoryBackend builds an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byNS: make(map[string]*namespaceState)}
}

func (m *MemoryBackend) state(namespace string) *namespaceState {
	st, ok := m.byNS[namespace]
	if !ok {
		st = newNamespaceState()
		m.byNS[namespace] = st
	}
	return st
}

// JoinChannel implements Backend.
func (m *MemoryBackend) JoinChannel(namespace, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(namespace).members[channelID] = true
	return nil
}

// LeaveChannel implements Backend.
func (m *MemoryBackend) LeaveChannel(namespace, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state(namespace).members, channelID)
	return nil
}

// IsMember implements Backend.
func (m *MemoryBackend) IsMember(namespace, channelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(namespace).members[channelID], nil
}

// MemberChannelIDs implements Backend.
func (m *MemoryBackend) MemberChannelIDs(namespace string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(namespace)
	out := make([]string, 0, len(st.members))
	for id := range st.members {
		out = append(out, id)
	}
	return out, nil
}

// PutUser implements Backend.
func (m *MemoryBackend) PutUser(namespace string, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(namespace).users[u.ID] = u
	return nil
}

// DropUser implements Backend.
func (m *MemoryBackend) DropUser(namespace, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state(namespace).users, userID)
	return nil
}

// PutMetadata implements Backend.
func (m *MemoryBackend) PutMetadata(namespace string, merge map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(namespace)
	for k, v := range merge {
		st.metadata[k] = v
	}
	return nil
}

// Users implements Backend. Expired entries are swept as they're found.
func (m *MemoryBackend) Users(namespace string, now time.Time) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(namespace)
	out := make([]User, 0, len(st.users))
	for id, u := range st.users {
		if u.expired(now) {
			delete(st.users, id)
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Metadata implements Backend.
func (m *MemoryBackend) Metadata(namespace string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(namespace)
	out := make(map[string]any, len(st.metadata))
	for k, v := range st.metadata {
		out[k] = v
	}
	return out, nil
}

// GetUser implements Backend.
func (m *MemoryBackend) GetUser(namespace, userID string, now time.Time) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(namespace)
	u, ok := st.users[userID]
	if !ok {
		return User{}, false, nil
	}
	if u.expired(now) {
		delete(st.users, userID)
		return User{}, false, nil
	}
	return u, true, nil
}

// Sweep implements Backend.
func (m *MemoryBackend) Sweep(namespace string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(namespace)
	removed := 0
	for id, u := range st.users {
		if u.expired(now) {
			delete(st.users, id)
			removed++
		}
	}
	return removed, nil
}
