package session

import (
	"fmt"
	"sync"
)

// TokenKey is the fixed storage key the bearer token lives under.
const TokenKey = "token"

// Storage is persistent key/value storage that outlives the process.
type Storage interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Store holds the bearer token for one operator.
// Presence of a token is the only authentication signal; it is never validated
// or checked for expiry client-side.
type Store struct {
	storage Storage

	// notifyMu orders persist+notify as one step, so subscribers observe
	// changes in the order they reached storage.
	notifyMu sync.Mutex

	mu     sync.RWMutex
	token  string
	nextID int
	subs   map[int]func(token string)
}

// Open loads any previously saved token from storage.
func Open(storage Storage) (*Store, error) {
	s := &Store{storage: storage, subs: make(map[int]func(string))}

	token, ok, err := storage.Get(TokenKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read saved token: %w", err)
	}
	if ok {
		s.token = token
	}
	return s, nil
}

// SetToken persists a non-empty token, or clears storage when token is empty.
// Subscribers are notified with the new value after storage has been updated.
// Subscribers must not call SetToken.
func (s *Store) SetToken(token string) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	var err error
	if token != "" {
		err = s.storage.Set(TokenKey, token)
	} else {
		err = s.storage.Delete(TokenKey)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to persist token: %w", err)
	}
	s.token = token

	subs := make([]func(string), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(token)
	}
	return nil
}

// Token returns the current token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// IsAuthenticated reports whether a token is present.
func (s *Store) IsAuthenticated() bool {
	return s.Token() != ""
}

// Subscribe registers fn to be called on every token change and invokes it once
// immediately with the current token. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(token string)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	current := s.token
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}
