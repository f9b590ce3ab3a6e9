// Package progress keeps the in-memory per-file download progress, the
// aggregate speed, and the global run state consulted by every worker.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"tgdl/internal/task"
	"tgdl/internal/upstream"
)

// State is the global run state driven by the control surface.
type State int32

const (
	StateIdle State = iota
	StateDownloading
	StateStopDownload
	StateCancelled
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateStopDownload:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// FileProgress is the live record for one (chat, message) transfer.
type FileProgress struct {
	FileName      string
	TotalSize     int64
	DownByte      int64
	StartTime     time.Time
	EndTime       time.Time
	DownloadSpeed int64
	TaskID        int64
	Completed     bool

	eachSecondTotal int64
}

// OvertakeChecker resolves the authoritative ZIP manager currently owning a
// (chat, message) download. Implemented by the zip registry.
type OvertakeChecker interface {
	CurrentManager(chatID int64, messageID int) (string, bool)
}

// NotifyFunc receives per-file updates for the UI adapter. It must not block.
type NotifyFunc func(fileName string, downByte, totalSize, speed int64, messageID int)

// Tracker serializes all progress mutation behind a single mutex; writes are
// short so contention stays negligible.
type Tracker struct {
	mu      sync.Mutex
	results map[int64]map[int]*FileProgress

	totalSpeed  int64
	windowBytes int64
	windowStart time.Time

	state atomic.Int32

	overtakes    OvertakeChecker
	notify       NotifyFunc
	pauseTimeout time.Duration
	cleanupDelay time.Duration
	sleep        func(time.Duration)

	now func() time.Time
}

const (
	defaultPauseTimeout = 300 * time.Second
	defaultCleanupDelay = 2 * time.Second
)

func NewTracker() *Tracker {
	return &Tracker{
		results:      make(map[int64]map[int]*FileProgress),
		windowStart:  time.Now(),
		pauseTimeout: defaultPauseTimeout,
		cleanupDelay: defaultCleanupDelay,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// WithOvertakeChecker wires the zip registry used for the overtake check.
func (t *Tracker) WithOvertakeChecker(c OvertakeChecker) *Tracker {
	t.overtakes = c
	return t
}

func (t *Tracker) WithNotify(fn NotifyFunc) *Tracker {
	t.notify = fn
	return t
}

// WithPauseTimeout bounds how long a progress callback may be held while the
// run state is paused.
func (t *Tracker) WithPauseTimeout(d time.Duration) *Tracker {
	t.pauseTimeout = d
	return t
}

func (t *Tracker) State() State     { return State(t.state.Load()) }
func (t *Tracker) SetState(s State) { t.state.Store(int32(s)) }

// TotalSpeed returns the aggregate download speed in bytes per second.
func (t *Tracker) TotalSpeed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalSpeed
}

// UpdateProgress is the progress callback handed to the upstream client. It
// returns upstream.ErrTransmissionStopped when the transfer must abort.
func (t *Tracker) UpdateProgress(downByte, totalSize int64, messageID int, fileName string, startTime time.Time, node *task.TaskNode) error {
	if node.Stopped() {
		return upstream.ErrTransmissionStopped
	}

	// Overtake check: a newer ZIP job targeting the same (chat, message)
	// wins; this transfer aborts.
	if node.ZipManagerID != "" && t.overtakes != nil {
		if current, ok := t.overtakes.CurrentManager(node.ChatID, messageID); ok && current != node.ZipManagerID {
			node.StopTransmission()
			return upstream.ErrTransmissionStopped
		}
	}

	if t.State() == StateCancelled {
		node.StopTransmission()
		return upstream.ErrTransmissionStopped
	}

	// Pause loop, bounded so a paused run cannot hold the upstream callback
	// forever.
	pausedFor := time.Duration(0)
	for t.State() == StateStopDownload {
		if pausedFor >= t.pauseTimeout {
			break
		}
		t.sleep(time.Second)
		pausedFor += time.Second
		if t.State() == StateCancelled || node.Stopped() {
			node.StopTransmission()
			return upstream.ErrTransmissionStopped
		}
	}

	now := t.now()

	t.mu.Lock()
	chat := t.results[node.ChatID]
	if chat == nil {
		chat = make(map[int]*FileProgress)
		t.results[node.ChatID] = chat
	}

	var speed int64
	if fp, ok := chat[messageID]; ok {
		delta := downByte - fp.DownByte
		if delta < 0 {
			delta = 0
		}
		t.windowBytes += delta
		fp.eachSecondTotal += delta
		if elapsed := now.Sub(fp.EndTime); elapsed >= time.Second {
			fp.DownloadSpeed = int64(float64(fp.eachSecondTotal) / elapsed.Seconds())
			fp.eachSecondTotal = 0
			fp.EndTime = now
		}
		if fp.DownloadSpeed < 0 {
			fp.DownloadSpeed = 0
		}
		fp.DownByte = downByte
		fp.TotalSize = totalSize
		fp.FileName = fileName
		speed = fp.DownloadSpeed
	} else {
		initial := int64(0)
		if since := now.Sub(startTime).Seconds(); since > 0 {
			initial = int64(float64(downByte) / since)
		}
		chat[messageID] = &FileProgress{
			FileName:        fileName,
			TotalSize:       totalSize,
			DownByte:        downByte,
			StartTime:       startTime,
			EndTime:         now,
			DownloadSpeed:   initial,
			TaskID:          node.TaskID,
			eachSecondTotal: downByte,
		}
		t.windowBytes += downByte
		speed = initial
	}

	if elapsed := now.Sub(t.windowStart); elapsed >= time.Second {
		t.totalSpeed = int64(float64(t.windowBytes) / elapsed.Seconds())
		if t.totalSpeed < 0 {
			t.totalSpeed = 0
		}
		t.windowBytes = 0
		t.windowStart = now
	}
	t.mu.Unlock()

	node.AddDownloadedBytes(messageID, downByte)

	if t.notify != nil {
		t.notify(fileName, downByte, totalSize, speed, messageID)
	}

	if totalSize > 0 && downByte == totalSize {
		t.markCompleted(node.ChatID, messageID)
		go t.cleanupLater(node.ChatID, messageID)
	}
	return nil
}

func (t *Tracker) markCompleted(chatID int64, messageID int) {
	t.mu.Lock()
	if fp := t.results[chatID][messageID]; fp != nil {
		fp.Completed = true
		fp.EndTime = t.now()
	}
	t.mu.Unlock()
}

// cleanupLater removes one finished entry shortly after completion, leaving
// sibling entries intact.
func (t *Tracker) cleanupLater(chatID int64, messageID int) {
	t.sleep(t.cleanupDelay)
	t.Remove(chatID, messageID)
}

// Put inserts or replaces an entry directly. Used by the custom-download
// finalizer to seed placeholder progress for pending items.
func (t *Tracker) Put(chatID int64, messageID int, fp FileProgress) {
	t.mu.Lock()
	chat := t.results[chatID]
	if chat == nil {
		chat = make(map[int]*FileProgress)
		t.results[chatID] = chat
	}
	chat[messageID] = &fp
	t.mu.Unlock()
}

// Get returns a copy of one entry.
func (t *Tracker) Get(chatID int64, messageID int) (FileProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fp := t.results[chatID][messageID]; fp != nil {
		return *fp, true
	}
	return FileProgress{}, false
}

// Update applies fn to one entry under the tracker lock.
func (t *Tracker) Update(chatID int64, messageID int, fn func(*FileProgress)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp := t.results[chatID][messageID]
	if fp == nil {
		return false
	}
	fn(fp)
	return true
}

func (t *Tracker) Remove(chatID int64, messageID int) {
	t.mu.Lock()
	if chat := t.results[chatID]; chat != nil {
		delete(chat, messageID)
		if len(chat) == 0 {
			delete(t.results, chatID)
		}
	}
	t.mu.Unlock()
}

// RemoveTask purges every entry belonging to taskID under chatID.
func (t *Tracker) RemoveTask(chatID int64, taskID int64) {
	t.mu.Lock()
	if chat := t.results[chatID]; chat != nil {
		for id, fp := range chat {
			if fp.TaskID == taskID {
				delete(chat, id)
			}
		}
		if len(chat) == 0 {
			delete(t.results, chatID)
		}
	}
	t.mu.Unlock()
}

// Clear drops every progress entry.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.results = make(map[int64]map[int]*FileProgress)
	t.windowBytes = 0
	t.totalSpeed = 0
	t.mu.Unlock()
}

// Snapshot returns a deep copy of all live entries keyed by chat then
// message id.
func (t *Tracker) Snapshot() map[int64]map[int]FileProgress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[int64]map[int]FileProgress, len(t.results))
	for chatID, chat := range t.results {
		m := make(map[int]FileProgress, len(chat))
		for id, fp := range chat {
			m[id] = *fp
		}
		out[chatID] = m
	}
	return out
}
