// Package task holds the in-memory job model: a TaskNode aggregates the
// per-message downloads of one logical job and tracks its lifecycle.
package task

import (
	"sync"
	"sync/atomic"

	"tgdl/internal/upstream"
)

// DownloadStatus is the per-message outcome within a node.
type DownloadStatus int

const (
	StatusDownloading DownloadStatus = iota + 1
	StatusSuccess
	StatusFailed
	StatusSkipped
)

func (s DownloadStatus) String() string {
	switch s {
	case StatusDownloading:
		return "downloading"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// Terminal reports whether the status will not change again.
func (s DownloadStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusSkipped
}

// TaskNode is the handle for one logical job. Counters and the per-message
// status map are guarded by mu; the two control flags are atomics because
// they are polled from progress callbacks.
type TaskNode struct {
	TaskID     int64
	ChatID     int64
	FromUserID int64
	// ReplyMessageID is the bot status message edited by the notifier.
	ReplyMessageID int

	Limit         int
	StartOffsetID int
	EndOffsetID   int

	// IsCustomDownload marks user-curated jobs: text-only messages are
	// saved instead of skipped.
	IsCustomDownload bool

	// ZipManagerID is a weak handle to the owning ZIP packager, resolved
	// through the zip registry. Empty for plain jobs.
	ZipManagerID string
	ZipMessageID int
	// ZipTempDir is the packager's staging directory; every download of a
	// ZIP job lands there so source deletion never touches the library.
	ZipTempDir string

	client upstream.Client

	mu             sync.Mutex
	downloadStatus map[int]DownloadStatus
	lastBytes      map[int]int64

	TotalTask   int64
	FinishTask  int64
	SuccessTask int64
	FailedTask  int64
	SkipTask    int64

	TotalDownloadByte int64

	running          atomic.Bool
	stopTransmission atomic.Bool
}

func NewNode(chatID int64) *TaskNode {
	return &TaskNode{
		ChatID:         chatID,
		downloadStatus: make(map[int]DownloadStatus),
		lastBytes:      make(map[int]int64),
	}
}

// WithClient pins a specific upstream client to this node, overriding the
// scheduler default.
func (n *TaskNode) WithClient(c upstream.Client) *TaskNode {
	n.client = c
	return n
}

func (n *TaskNode) Client() upstream.Client { return n.client }

// AddTask registers one message as part of this job. Must be called before
// the (message, node) pair is enqueued.
func (n *TaskNode) AddTask(messageID int) {
	n.mu.Lock()
	n.downloadStatus[messageID] = StatusDownloading
	n.TotalTask++
	n.mu.Unlock()
	n.running.Store(true)
}

// Status returns the recorded status for messageID.
func (n *TaskNode) Status(messageID int) (DownloadStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.downloadStatus[messageID]
	return s, ok
}

// RecordOutcome stores the terminal status of one message and advances the
// aggregate counters. When the last message resolves the node stops running.
func (n *TaskNode) RecordOutcome(messageID int, status DownloadStatus) {
	n.mu.Lock()
	n.downloadStatus[messageID] = status
	n.FinishTask++
	switch status {
	case StatusSuccess:
		n.SuccessTask++
	case StatusFailed:
		n.FailedTask++
	case StatusSkipped:
		n.SkipTask++
	}
	done := n.FinishTask >= n.TotalTask
	n.mu.Unlock()
	if done {
		n.running.Store(false)
	}
}

// Counters returns a consistent snapshot of the aggregate counters.
func (n *TaskNode) Counters() (total, finish, success, failed, skipped int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.TotalTask, n.FinishTask, n.SuccessTask, n.FailedTask, n.SkipTask
}

// AddDownloadedBytes mirrors progress into the node total, adding only the
// increment since the last report for messageID.
func (n *TaskNode) AddDownloadedBytes(messageID int, downByte int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	last := n.lastBytes[messageID]
	if downByte > last {
		n.TotalDownloadByte += downByte - last
		n.lastBytes[messageID] = downByte
	}
}

func (n *TaskNode) DownloadedBytes() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.TotalDownloadByte
}

func (n *TaskNode) IsRunning() bool   { return n.running.Load() }
func (n *TaskNode) SetRunning(v bool) { n.running.Store(v) }
func (n *TaskNode) StopTransmission() { n.stopTransmission.Store(true) }
func (n *TaskNode) Stopped() bool     { return n.stopTransmission.Load() }
