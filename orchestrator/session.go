package orchestrator

import (
	"crypto/ecdsa"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruteri/threshold-key-manager/cryptoutils"
	"github.com/ruteri/threshold-key-manager/interfaces"
	"github.com/ruteri/threshold-key-manager/keymanager"
)

// Session is one logged-in key. It is owned by a SessionStore.
type Session struct {
	ID        string
	Identity  interfaces.VerifierParams
	CreatedAt time.Time

	postbox  *ecdsa.PrivateKey
	manager  *keymanager.KeyManager
	provider interfaces.ProviderHandle
}

func newSession(identity interfaces.VerifierParams, postbox *ecdsa.PrivateKey, manager *keymanager.KeyManager) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		CreatedAt: time.Now(),
		postbox:   postbox,
		manager:   manager,
	}
}

// PublicID is the metadata record id of the session's key.
func (s *Session) PublicID() interfaces.PublicID {
	return s.manager.PublicID()
}

// Provider returns the chain provider handed out once the key was
// reconstructed, or nil before that.
func (s *Session) Provider() interfaces.ProviderHandle {
	return s.provider
}

// Pending reports whether the session holds changes not yet committed,
// such as a freshly created key.
func (s *Session) Pending() bool {
	return s.manager.State() == keymanager.StateDirty
}

// SessionStore holds the open sessions of one host application. Its
// lifetime is the host's: Close wipes every key still held.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

func (s *SessionStore) put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// Get returns an open session.
func (s *SessionStore) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no session %q", interfaces.ErrNotInitialized, id)
	}
	return sess, nil
}

// Len returns the number of open sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// remove closes a session and wipes its key.
func (s *SessionStore) remove(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		sess.manager.Close()
		cryptoutils.WipePrivateKey(sess.postbox)
		sess.provider = nil
	}
	return ok
}

// Close wipes and drops every session.
func (s *SessionStore) Close() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.remove(id)
	}
}
