package store

import (
	"sync"
	"time"
)

// MemoryStore is an in-memory UserStore. It backs the server's --memory
// development mode and most unit tests. A single RWMutex covers all records;
// that comfortably satisfies the per-login serialization contract, and at
// this scale per-record locking buys nothing.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*memUser
}

type memUser struct {
	passwordHash string
	contacts     []string
	pending      []PendingMessage
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*memUser)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser registers a new login with an empty contact set and queue.
func (s *MemoryStore) CreateUser(login, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[login]; ok {
		return ErrLoginTaken
	}
	s.users[login] = &memUser{passwordHash: passwordHash}
	return nil
}

// UserExists reports whether the login is registered.
func (s *MemoryStore) UserExists(login string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.users[login]
	return ok, nil
}

// PasswordHash returns the stored password hash for the login.
func (s *MemoryStore) PasswordHash(login string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[login]
	if !ok {
		return "", ErrNoSuchUser
	}
	return u.passwordHash, nil
}

// Contacts returns a copy of the contact set for a login.
func (s *MemoryStore) Contacts(login string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[login]
	if !ok {
		return nil, ErrNoSuchUser
	}
	contacts := make([]string, len(u.contacts))
	copy(contacts, u.contacts)
	return contacts, nil
}

// AddContact inserts contact into login's contact set.
func (s *MemoryStore) AddContact(login, contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[login]
	if !ok {
		return ErrNoSuchUser
	}
	if _, ok := s.users[contact]; !ok {
		return ErrNoSuchUser
	}
	for _, c := range u.contacts {
		if c == contact {
			return ErrAlreadyContact
		}
	}
	u.contacts = append(u.contacts, contact)
	return nil
}

// RemoveContact removes contact from login's contact set.
func (s *MemoryStore) RemoveContact(login, contact string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[login]
	if !ok {
		return ErrNoSuchUser
	}
	if _, ok := s.users[contact]; !ok {
		return ErrNoSuchUser
	}
	for i, c := range u.contacts {
		if c == contact {
			u.contacts = append(u.contacts[:i], u.contacts[i+1:]...)
			return nil
		}
	}
	return ErrNotContact
}

// AppendPending appends one message to the recipient's offline queue.
func (s *MemoryStore) AppendPending(recipient string, msg PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[recipient]
	if !ok {
		return ErrNoSuchUser
	}
	if msg.QueuedAt == 0 {
		msg.QueuedAt = time.Now().UnixMilli()
	}
	u.pending = append(u.pending, msg)
	return nil
}

// DrainPending atomically reads and clears the recipient's offline queue.
func (s *MemoryStore) DrainPending(recipient string) ([]PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[recipient]
	if !ok {
		return nil, ErrNoSuchUser
	}
	drained := u.pending
	u.pending = nil
	if drained == nil {
		drained = []PendingMessage{}
	}
	return drained, nil
}
