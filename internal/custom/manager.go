// Package custom drives user-curated downloads: it resolves a backlog of
// message ids per chat, submits them to the worker pool, and finalizes
// history once every message settles.
package custom

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"tgdl/internal/progress"
	"tgdl/internal/scheduler"
	"tgdl/internal/storage"
	"tgdl/internal/task"
	"tgdl/internal/upstream"
)

const (
	pollInterval = 2 * time.Second
	pollTimeout  = 300 * time.Second

	// placeholderTotal seeds pending items in the progress view before real
	// byte counts arrive.
	placeholderTotal = int64(50 * 1024 * 1024)
	rampWindow       = 30 * time.Second
	rampCap          = 0.9
)

// Manager owns the custom-download lifecycle for all chats.
type Manager struct {
	store    *storage.Storage
	queue    *scheduler.Queue
	tracker  *progress.Tracker
	registry *task.Registry
	log      *zap.Logger

	// ChatDir resolves the on-disk directory scanned by IsDownloaded.
	ChatDir func(chatID int64) string
	// SidecarPath mirrors history to a JSON file next to the database;
	// storage stays authoritative.
	SidecarPath string

	sleep func(time.Duration)
	now   func() time.Time
}

func NewManager(store *storage.Storage, queue *scheduler.Queue, tracker *progress.Tracker, registry *task.Registry, log *zap.Logger) *Manager {
	return &Manager{
		store:    store,
		queue:    queue,
		tracker:  tracker,
		registry: registry,
		log:      log.Named("CustomDownload"),
		ChatDir:  func(int64) string { return "" },
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// IsDownloaded reports whether a message is safely on disk: history must say
// success and a matching file must still exist. Stale records are demoted so
// the next run repairs them.
func (m *Manager) IsDownloaded(chatID int64, messageID int) bool {
	rec, err := m.store.GetDownloadRecord(chatID, messageID)
	if err != nil || rec.DownloadStatus != storage.StatusSuccess {
		return false
	}
	if m.fileExistsFor(chatID, messageID, rec.FilePath) {
		return true
	}
	if err := m.store.DemoteDownloadRecord(chatID, messageID, "file missing on disk"); err != nil {
		m.log.Warn("Demote failed", zap.Int64("chatID", chatID), zap.Int("messageID", messageID), zap.Error(err))
	} else {
		m.log.Info("Demoted stale record", zap.Int64("chatID", chatID), zap.Int("messageID", messageID))
	}
	return false
}

// fileExistsFor accepts the recorded path or any file in the chat directory
// tree whose name starts with "{id} - " or "{id}.".
func (m *Manager) fileExistsFor(chatID int64, messageID int, recordedPath string) bool {
	if recordedPath != "" {
		if _, err := os.Stat(recordedPath); err == nil {
			return true
		}
	}
	root := m.ChatDir(chatID)
	if root == "" {
		return false
	}
	dashPrefix := fmt.Sprintf("%d - ", messageID)
	dotPrefix := fmt.Sprintf("%d.", messageID)
	found := false
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, dashPrefix) || strings.HasPrefix(name, dotPrefix) {
			found = true
			return filepath.SkipAll
		}
		return nil
	})
	return found
}

// Run tracks one custom-download invocation for a single chat.
type Run struct {
	ChatID    int64
	Node      *task.TaskNode
	Submitted []int
	NotFound  []int
	// AuthFailed is set when the chat could not be accessed with the
	// current session; callers surface it out-of-band.
	AuthFailed bool
}

// DownloadCustomMessages verifies access, fetches targets in batches, and
// submits each resolved message to the worker pool. Ids missing upstream are
// recorded for pruning only.
func (m *Manager) DownloadCustomMessages(ctx context.Context, client upstream.Client, chatID int64, targetIDs []int) (*Run, error) {
	run := &Run{ChatID: chatID}
	if len(targetIDs) == 0 {
		return run, nil
	}

	if _, err := client.GetChat(ctx, chatID); err != nil {
		if upstream.IsAuthError(err) {
			run.AuthFailed = true
			run.NotFound = nil
			m.log.Error("Session invalid for chat", zap.Int64("chatID", chatID))
			// An inaccessible chat fails every requested id; they stay in
			// the backlog for the next run.
			for _, id := range targetIDs {
				m.recordOutcome(chatID, id, storage.StatusFailed, "chat inaccessible")
			}
			m.writeSidecar(chatID)
			return run, err
		}
		return run, fmt.Errorf("access chat %d: %w", chatID, err)
	}

	node := m.registry.Register(task.NewNode(chatID).WithClient(client))
	node.IsCustomDownload = true
	run.Node = node

	for start := 0; start < len(targetIDs); start += upstream.MaxBatchMessages {
		end := start + upstream.MaxBatchMessages
		if end > len(targetIDs) {
			end = len(targetIDs)
		}
		batch := targetIDs[start:end]
		msgs, err := client.GetMessages(ctx, chatID, batch)
		if err != nil {
			return run, fmt.Errorf("fetch batch: %w", err)
		}
		byID := make(map[int]*upstream.Message, len(msgs))
		for _, msg := range msgs {
			if msg != nil && !msg.Empty {
				byID[msg.ID] = msg
			}
		}
		for _, id := range batch {
			msg, ok := byID[id]
			if !ok {
				run.NotFound = append(run.NotFound, id)
				continue
			}
			m.submit(msg, node)
			run.Submitted = append(run.Submitted, id)
		}
	}
	m.log.Info("Submitted custom batch",
		zap.Int64("chatID", chatID),
		zap.Int("submitted", len(run.Submitted)),
		zap.Int("notFound", len(run.NotFound)))
	return run, nil
}

// submit enqueues one message and seeds its placeholder progress entry.
func (m *Manager) submit(msg *upstream.Message, node *task.TaskNode) {
	node.AddTask(msg.ID)
	m.tracker.Put(node.ChatID, msg.ID, progress.FileProgress{
		FileName:  fmt.Sprintf("message %d", msg.ID),
		TotalSize: placeholderTotal,
		StartTime: m.now(),
		EndTime:   m.now(),
		TaskID:    node.TaskID,
	})
	m.queue.Put(scheduler.Item{Message: msg, Node: node})
}

// UpdateDownloadStatus is the finalizer: it waits for every submitted
// message to settle, animates placeholder progress meanwhile, then promotes
// outcomes into history and prunes the backlog.
func (m *Manager) UpdateDownloadStatus(ctx context.Context, run *Run) {
	if run.Node == nil {
		m.finalize(run)
		return
	}
	node := run.Node
	started := m.now()

	for m.now().Sub(started) < pollTimeout {
		if ctx.Err() != nil {
			break
		}
		if m.allSettled(node, run.Submitted) {
			break
		}
		m.animatePlaceholders(run, started)
		m.sleep(pollInterval)
	}
	m.finalize(run)
}

func (m *Manager) allSettled(node *task.TaskNode, ids []int) bool {
	for _, id := range ids {
		s, ok := node.Status(id)
		if !ok || !s.Terminal() {
			return false
		}
	}
	return true
}

// animatePlaceholders advances synthetic progress toward a 90% cap over the
// ramp window; entries already carrying real byte counts are left alone.
func (m *Manager) animatePlaceholders(run *Run, started time.Time) {
	frac := float64(m.now().Sub(started)) / float64(rampWindow)
	if frac > rampCap {
		frac = rampCap
	}
	synthetic := int64(frac * float64(placeholderTotal))
	for _, id := range run.Submitted {
		m.tracker.Update(run.ChatID, id, func(fp *progress.FileProgress) {
			if fp.TotalSize == placeholderTotal && fp.DownByte < synthetic {
				fp.DownByte = synthetic
			}
		})
	}
}

// finalize promotes outcomes to history, prunes target_ids, and releases the
// node and its progress entries.
func (m *Manager) finalize(run *Run) {
	settled := make(map[int]bool, len(run.NotFound))
	for _, id := range run.NotFound {
		settled[id] = true
	}

	if node := run.Node; node != nil {
		for _, id := range run.Submitted {
			s, ok := node.Status(id)
			if !ok {
				continue
			}
			switch s {
			case task.StatusSuccess, task.StatusSkipped:
				settled[id] = true
				m.recordOutcome(run.ChatID, id, storage.StatusSuccess, "")
			case task.StatusFailed:
				m.recordOutcome(run.ChatID, id, storage.StatusFailed, "download failed")
			default:
				// Still downloading at timeout; left in the backlog.
			}
		}
	}

	m.pruneTargets(run.ChatID, settled)
	m.writeSidecar(run.ChatID)

	if node := run.Node; node != nil {
		node.SetRunning(false)
		m.tracker.RemoveTask(run.ChatID, node.TaskID)
		m.registry.Release(node.TaskID)
	}
}

// recordOutcome touches only the status columns: the worker's outcome hook
// already wrote the file metadata, which a full upsert would blank out.
func (m *Manager) recordOutcome(chatID int64, messageID int, status, errMsg string) {
	err := m.store.UpdateDownloadStatus(chatID, messageID, status, errMsg)
	if err != nil {
		m.log.Warn("History write failed",
			zap.Int64("chatID", chatID), zap.Int("messageID", messageID), zap.Error(err))
	}
}

// pruneTargets removes settled ids from the persistent backlog.
func (m *Manager) pruneTargets(chatID int64, settled map[int]bool) {
	if len(settled) == 0 {
		return
	}
	ids, err := m.store.TargetIDs(chatID)
	if err != nil {
		m.log.Warn("Backlog read failed", zap.Int64("chatID", chatID), zap.Error(err))
		return
	}
	remaining := ids[:0]
	for _, id := range ids {
		if !settled[id] {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == len(ids) {
		return
	}
	if err := m.store.SaveTargetIDs(chatID, remaining); err != nil {
		m.log.Warn("Backlog prune failed", zap.Int64("chatID", chatID), zap.Error(err))
	}
}

// RunForSelected downloads a caller-chosen subset of the chat's backlog,
// clearing failed history first so those messages retry. Submission only:
// the caller runs UpdateDownloadStatus to finalize once workers settle.
func (m *Manager) RunForSelected(ctx context.Context, client upstream.Client, chatID int64, selected []int) (*Run, error) {
	if _, err := m.store.ClearFailedRecords(chatID); err != nil {
		m.log.Warn("Failed-record clear failed", zap.Int64("chatID", chatID), zap.Error(err))
	}

	pending := selected[:0:0]
	for _, id := range selected {
		if !m.IsDownloaded(chatID, id) {
			pending = append(pending, id)
		}
	}
	return m.DownloadCustomMessages(ctx, client, chatID, pending)
}

// RunBacklog processes the chat's full persisted backlog synchronously,
// finalizing before it returns.
func (m *Manager) RunBacklog(ctx context.Context, client upstream.Client, chatID int64) (*Run, error) {
	ids, err := m.store.TargetIDs(chatID)
	if err != nil {
		return nil, err
	}
	run, err := m.RunForSelected(ctx, client, chatID, ids)
	if err != nil {
		return run, err
	}
	m.UpdateDownloadStatus(ctx, run)
	return run, nil
}

// sidecar mirrors history ids to a JSON file for external tooling.
type sidecar struct {
	Downloaded map[string][]int `json:"downloaded_ids"`
	Failed     map[string][]int `json:"failed_ids"`
}

func (m *Manager) writeSidecar(chatID int64) {
	if m.SidecarPath == "" {
		return
	}
	sc := sidecar{Downloaded: map[string][]int{}, Failed: map[string][]int{}}
	if data, err := os.ReadFile(m.SidecarPath); err == nil {
		json.Unmarshal(data, &sc)
	}
	key := fmt.Sprintf("%d", chatID)
	if ids, err := m.store.MessageIDsByStatus(chatID, storage.StatusSuccess); err == nil {
		sc.Downloaded[key] = ids
	}
	if ids, err := m.store.MessageIDsByStatus(chatID, storage.StatusFailed); err == nil {
		sc.Failed[key] = ids
	}

	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return
	}
	tmp := m.SidecarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		m.log.Warn("Sidecar write failed", zap.Error(err))
		return
	}
	os.Rename(tmp, m.SidecarPath)
}
