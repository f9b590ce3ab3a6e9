package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session blob kinds; the kind selects how a stored blob is replayed into a
// live client.
const (
	KindNative   = "native"
	KindPyrogram = "pyrogram"
)

// SessionBlob is one persisted user session.
type SessionBlob struct {
	UserID    int64  `json:"user_id,string"`
	Kind      string `json:"kind"`
	Data      string `json:"data"`
	Phone     string `json:"phone,omitempty"`
	Username  string `json:"username,omitempty"`
	SavedAt   string `json:"saved_at"`
	InvalidAt string `json:"invalid_at,omitempty"`
}

// SessionStore persists user session blobs as one JSON file, written with
// temp-then-rename so a crash never truncates it.
type SessionStore struct {
	path string

	mu    sync.Mutex
	blobs map[int64]SessionBlob
}

func NewSessionStore(path string) (*SessionStore, error) {
	s := &SessionStore{path: path, blobs: make(map[int64]SessionBlob)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if err := json.Unmarshal(data, &s.blobs); err != nil {
		return nil, fmt.Errorf("decode session store: %w", err)
	}
	return s, nil
}

// Save stores one blob and flushes the file.
func (s *SessionStore) Save(blob SessionBlob) error {
	blob.SavedAt = time.Now().UTC().Format(time.RFC3339)
	s.mu.Lock()
	s.blobs[blob.UserID] = blob
	err := s.flushLocked()
	s.mu.Unlock()
	return err
}

// Get returns the blob for userID.
func (s *SessionStore) Get(userID int64) (SessionBlob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.blobs[userID]
	return blob, ok
}

// All returns every stored blob.
func (s *SessionStore) All() []SessionBlob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionBlob, 0, len(s.blobs))
	for _, b := range s.blobs {
		out = append(out, b)
	}
	return out
}

// Invalidate removes the blob for userID; called when the upstream reports
// the auth key as dead.
func (s *SessionStore) Invalidate(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[userID]; !ok {
		return nil
	}
	delete(s.blobs, userID)
	return s.flushLocked()
}

func (s *SessionStore) flushLocked() error {
	data, err := json.MarshalIndent(s.blobs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
