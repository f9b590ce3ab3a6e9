package zipper

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tgdl/internal/scheduler"
)

// Registry holds the active ZIP managers and the per-message ownership map
// used for overtake decisions. Newer jobs always win a (chat, message) pair.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*Manager
	// owners maps an in-flight (chat, message) download to the manager
	// that currently owns it.
	owners map[ownerKey]string

	log *zap.Logger
}

type ownerKey struct {
	chatID    int64
	messageID int
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		managers: make(map[string]*Manager),
		owners:   make(map[ownerKey]string),
		log:      log.Named("ZipRegistry"),
	}
}

// Add registers a manager and claims ownership of each of its targets,
// overtaking any older job still downloading the same messages.
func (r *Registry) Add(m *Manager) {
	r.mu.Lock()
	r.managers[m.ID] = m
	for _, id := range m.MessageIDs {
		r.owners[ownerKey{chatID: m.ChatID, messageID: id}] = m.ID
	}
	r.mu.Unlock()
}

// Get returns the manager by id.
func (r *Registry) Get(id string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	return m, ok
}

// Manager adapts Get to the scheduler's zip resolver.
func (r *Registry) Manager(id string) (scheduler.ZipSink, bool) {
	m, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	return m, true
}

// CurrentManager implements the overtake check consulted by progress
// callbacks.
func (r *Registry) CurrentManager(chatID int64, messageID int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[ownerKey{chatID: chatID, messageID: messageID}]
	return id, ok
}

// Remove drops a manager and releases its ownership claims. Claims already
// overtaken by a newer job are left untouched.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	m, ok := r.managers[id]
	if ok {
		delete(r.managers, id)
		for _, msgID := range m.MessageIDs {
			key := ownerKey{chatID: m.ChatID, messageID: msgID}
			if r.owners[key] == id {
				delete(r.owners, key)
			}
		}
	}
	r.mu.Unlock()
}

// List snapshots all active managers.
func (r *Registry) List() []*Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		out = append(out, m)
	}
	return out
}

// CancelAll cancels and removes every active job.
func (r *Registry) CancelAll() {
	for _, m := range r.List() {
		m.Cancel()
		r.Remove(m.ID)
	}
}

// SweepOrphans removes leftover tgdl_zip_* temp directories that no active
// manager owns. Run on session reset.
func (r *Registry) SweepOrphans() {
	active := make(map[string]bool)
	r.mu.Lock()
	for _, m := range r.managers {
		m.mu.Lock()
		if m.tempDir != "" {
			active[m.tempDir] = true
		}
		m.mu.Unlock()
	}
	r.mu.Unlock()

	entries, err := os.ReadDir(os.TempDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), TempDirPrefix) {
			continue
		}
		dir := filepath.Join(os.TempDir(), e.Name())
		if active[dir] {
			continue
		}
		if err := os.RemoveAll(dir); err == nil {
			r.log.Info("Removed orphan temp dir", zap.String("dir", dir))
		}
	}
}
