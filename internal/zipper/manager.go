// Package zipper packages a selection of chat messages into one ZIP archive:
// each job downloads through the shared worker pool into its own temp
// directory and deflates the results when the last file settles.
package zipper

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tgdl/internal/scheduler"
	"tgdl/internal/task"
	"tgdl/internal/upstream"
	"tgdl/internal/utils"
)

// TempDirPrefix names every per-job temp directory so orphans can be swept.
const TempDirPrefix = "tgdl_zip_"

// DownloadedFile is one completed entry awaiting packaging.
type DownloadedFile struct {
	MessageID int    `json:"message_id"`
	FilePath  string `json:"file_path"`
	Size      int64  `json:"size"`
}

// Manager drives one ZIP packaging job.
type Manager struct {
	ID         string
	ChatID     int64
	MessageIDs []int

	queue *scheduler.Queue
	log   *zap.Logger

	mu             sync.Mutex
	tempDir        string
	zipPath        string
	safeChatTitle  string
	timestamp      string
	downloaded     []DownloadedFile
	failed         []string
	zipReady       bool
	cancelled      bool
	node           *task.TaskNode
	backgroundStop context.CancelFunc
}

// NewManager allocates a job keyed by "{chat_id}_{epoch_ms}".
func NewManager(chatID int64, messageIDs []int, queue *scheduler.Queue, log *zap.Logger) *Manager {
	id := fmt.Sprintf("%d_%d", chatID, time.Now().UnixMilli())
	return &Manager{
		ID:         id,
		ChatID:     chatID,
		MessageIDs: messageIDs,
		queue:      queue,
		log:        log.Named("Zipper").With(zap.String("managerID", id)),
	}
}

// Prepare resolves the chat title and lays out the temp dir and zip path.
func (m *Manager) Prepare(ctx context.Context, client upstream.Client) error {
	title := fmt.Sprintf("Chat_%d", m.ChatID)
	if chat, err := client.GetChat(ctx, m.ChatID); err == nil && chat.Title != "" {
		title = chat.Title
	}

	dir, err := os.MkdirTemp("", TempDirPrefix+"*")
	if err != nil {
		return fmt.Errorf("create zip temp dir: %w", err)
	}

	m.mu.Lock()
	m.tempDir = dir
	m.safeChatTitle = utils.ValidateTitle(title)
	m.timestamp = time.Now().Format("20060102_150405")
	m.zipPath = filepath.Join(dir, fmt.Sprintf("%s_%s.zip", m.safeChatTitle, m.timestamp))
	m.mu.Unlock()
	return nil
}

// StartDownloads fetches each target message and submits it to the worker
// pool. Messages without media are recorded as failures immediately.
func (m *Manager) StartDownloads(ctx context.Context, client upstream.Client) (*task.TaskNode, error) {
	node := task.NewNode(m.ChatID).WithClient(client)
	node.ZipManagerID = m.ID
	node.IsCustomDownload = true

	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return nil, fmt.Errorf("zip job %s already cancelled", m.ID)
	}
	m.node = node
	node.ZipTempDir = m.tempDir
	m.mu.Unlock()

	for start := 0; start < len(m.MessageIDs); start += upstream.MaxBatchMessages {
		end := start + upstream.MaxBatchMessages
		if end > len(m.MessageIDs) {
			end = len(m.MessageIDs)
		}
		msgs, err := client.GetMessages(ctx, m.ChatID, m.MessageIDs[start:end])
		if err != nil {
			return nil, fmt.Errorf("fetch zip batch: %w", err)
		}
		byID := make(map[int]*upstream.Message, len(msgs))
		for _, msg := range msgs {
			if msg != nil && !msg.Empty {
				byID[msg.ID] = msg
			}
		}
		for _, id := range m.MessageIDs[start:end] {
			msg, ok := byID[id]
			if !ok {
				m.OnFileFailed(id, "message not found")
				continue
			}
			if !msg.HasMedia() {
				m.OnFileFailed(id, "no downloadable media")
				continue
			}
			if m.IsCancelled() {
				break
			}
			node.AddTask(msg.ID)
			m.queue.Put(scheduler.Item{Message: msg, Node: node})
		}
	}
	return node, nil
}

// OnFileDownloaded records one completed file; called from workers.
func (m *Manager) OnFileDownloaded(messageID int, path string, size int64) {
	m.mu.Lock()
	m.downloaded = append(m.downloaded, DownloadedFile{MessageID: messageID, FilePath: path, Size: size})
	done := m.isCompleteLocked()
	cancelled := m.cancelled
	m.mu.Unlock()

	if done && !cancelled {
		if err := m.CreateZipFile(); err != nil {
			m.log.Error("Packaging failed", zap.Error(err))
		}
	}
}

// OnFileFailed records one failure; called from workers and the submitter.
func (m *Manager) OnFileFailed(messageID int, reason string) {
	m.mu.Lock()
	m.failed = append(m.failed, fmt.Sprintf("message %d: %s", messageID, reason))
	done := m.isCompleteLocked()
	cancelled := m.cancelled
	m.mu.Unlock()

	if done && !cancelled {
		if err := m.CreateZipFile(); err != nil {
			m.log.Error("Packaging failed", zap.Error(err))
		}
	}
}

func (m *Manager) isCompleteLocked() bool {
	return len(m.downloaded)+len(m.failed) == len(m.MessageIDs)
}

// IsComplete reports whether every target message has settled.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isCompleteLocked()
}

// CreateZipFile deflates every downloaded file into the archive, deleting
// sources as they are added, then marks the archive ready.
func (m *Manager) CreateZipFile() error {
	m.mu.Lock()
	if m.zipReady || m.cancelled {
		m.mu.Unlock()
		return nil
	}
	zipPath := m.zipPath
	files := append([]DownloadedFile(nil), m.downloaded...)
	m.mu.Unlock()

	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	w := zip.NewWriter(out)

	for _, f := range files {
		if err := addZipEntry(w, f); err != nil {
			m.log.Warn("Entry skipped", zap.Int("messageID", f.MessageID), zap.Error(err))
			m.mu.Lock()
			m.failed = append(m.failed, fmt.Sprintf("message %d: packaging: %v", f.MessageID, err))
			m.mu.Unlock()
			continue
		}
		os.Remove(f.FilePath)
	}

	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := out.Close(); err != nil {
		return err
	}

	m.mu.Lock()
	m.zipReady = true
	m.mu.Unlock()
	m.log.Info("Archive ready", zap.String("path", zipPath), zap.Int("files", len(files)))
	return nil
}

func addZipEntry(w *zip.Writer, f DownloadedFile) error {
	in, err := os.Open(f.FilePath)
	if err != nil {
		return err
	}
	defer in.Close()

	name := fmt.Sprintf("msg_%d_%s", f.MessageID, filepath.Base(f.FilePath))
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate}
	hdr.Modified = time.Now()
	entry, err := w.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, in)
	return err
}

// Status is the job snapshot served by the control surface.
type Status struct {
	ManagerID  string   `json:"manager_id"`
	ChatID     int64    `json:"chat_id,string"`
	Requested  int      `json:"requested"`
	Downloaded int      `json:"downloaded"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
	ZipReady   bool     `json:"zip_ready"`
	Cancelled  bool     `json:"cancelled"`
	ZipPath    string   `json:"-"`
	ZipName    string   `json:"zip_name,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		ManagerID:  m.ID,
		ChatID:     m.ChatID,
		Requested:  len(m.MessageIDs),
		Downloaded: len(m.downloaded),
		Failed:     len(m.failed),
		Errors:     append([]string(nil), m.failed...),
		ZipReady:   m.zipReady,
		Cancelled:  m.cancelled,
		ZipPath:    m.zipPath,
	}
	if m.zipPath != "" {
		st.ZipName = filepath.Base(m.zipPath)
	}
	return st
}

// SetBackgroundStop attaches the cancel func of the job's background task.
func (m *Manager) SetBackgroundStop(stop context.CancelFunc) {
	m.mu.Lock()
	m.backgroundStop = stop
	m.mu.Unlock()
}

func (m *Manager) IsCancelled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

// Cancel stops further submissions, aborts in-flight transfers, and removes
// the archive and temp directory.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.cancelled {
		m.mu.Unlock()
		return
	}
	m.cancelled = true
	node := m.node
	stop := m.backgroundStop
	m.mu.Unlock()

	if node != nil {
		node.StopTransmission()
	}
	if stop != nil {
		stop()
	}
	m.Cleanup()
	m.log.Info("Cancelled")
}

// Cleanup deletes the archive and temp directory.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	dir := m.tempDir
	m.mu.Unlock()
	if dir != "" && strings.Contains(filepath.Base(dir), TempDirPrefix) {
		os.RemoveAll(dir)
	}
}
