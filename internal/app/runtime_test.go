package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgdl/internal/progress"
	"tgdl/internal/scheduler"
	"tgdl/internal/storage"
	"tgdl/internal/task"
	"tgdl/internal/upstream"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "tgdl.db"))
	require.NoError(t, err)
	return &Runtime{
		Store:   store,
		Tracker: progress.NewTracker(),
		Tasks:   task.NewRegistry(),
		Queue:   scheduler.NewQueue(),
		log:     zap.NewNop(),
	}
}

type historyClient struct {
	upstream.Client

	chat  *upstream.Chat
	pages [][]*upstream.Message
	calls int
}

func (c *historyClient) GetChat(ctx context.Context, chatID int64) (*upstream.Chat, error) {
	return c.chat, nil
}

func (c *historyClient) ChatHistory(ctx context.Context, chatID int64, opts upstream.HistoryOptions) ([]*upstream.Message, error) {
	if c.calls >= len(c.pages) {
		return nil, nil
	}
	page := c.pages[c.calls]
	c.calls++
	return page, nil
}

func mediaMsg(id int, mt upstream.MediaType) *upstream.Message {
	return &upstream.Message{
		ID:     id,
		ChatID: -5,
		Date:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Media:  &upstream.Media{Type: mt, FileSize: 100},
	}
}

func TestRecordOutcomePersistsHistoryAndStats(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Store.UpsertChat(storage.Chat{ChatID: -5, Title: "t", IsActive: true}))

	node := task.NewNode(-5)
	msg := mediaMsg(7, upstream.MediaVideo)

	rt.recordOutcome(msg, node, task.StatusSuccess, "/tmp/7 - clip.mp4")

	rec, err := rt.Store.GetDownloadRecord(-5, 7)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, rec.DownloadStatus)
	assert.Equal(t, "7 - clip.mp4", rec.FileName)
	assert.Equal(t, "video", rec.MediaType)

	chat, err := rt.Store.GetChat(-5)
	require.NoError(t, err)
	assert.Equal(t, 7, chat.LastReadMessageID)

	stats, err := rt.Store.StatsForDate(time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.EqualValues(t, 1, stats[0].SuccessfulDownloads)
	assert.EqualValues(t, 100, stats[0].TotalFileSize)
}

func TestRecordOutcomeFailureDoesNotAdvanceHighWater(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Store.UpsertChat(storage.Chat{ChatID: -5, Title: "t", IsActive: true}))

	rt.recordOutcome(mediaMsg(9, upstream.MediaPhoto), task.NewNode(-5), task.StatusFailed, "")

	chat, err := rt.Store.GetChat(-5)
	require.NoError(t, err)
	assert.Zero(t, chat.LastReadMessageID)

	rec, err := rt.Store.GetDownloadRecord(-5, 9)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.DownloadStatus)
}

func TestRecordOutcomeSkipsZipJobs(t *testing.T) {
	rt := newTestRuntime(t)
	node := task.NewNode(-5)
	node.ZipManagerID = "5_1"

	// ZIP staging files are deleted after packaging, so no durable
	// bookkeeping happens for them.
	rt.recordOutcome(mediaMsg(7, upstream.MediaVideo), node, task.StatusSuccess, "/tmp/zip/7 - clip.mp4")

	_, err := rt.Store.GetDownloadRecord(-5, 7)
	assert.Error(t, err)
	stats, err := rt.Store.StatsForDate(time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestRecordOutcomeCompletesRunWhenLastNodeSettles(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Store.UpsertChat(storage.Chat{ChatID: -5, Title: "t", IsActive: true}))
	rt.Tracker.SetState(progress.StateDownloading)

	node := rt.Tasks.Register(task.NewNode(-5))
	node.AddTask(7)

	// The pool settles the node before running hooks.
	node.RecordOutcome(7, task.StatusSuccess)
	rt.recordOutcome(mediaMsg(7, upstream.MediaVideo), node, task.StatusSuccess, "/tmp/7 - clip.mp4")

	assert.Equal(t, progress.StateCompleted, rt.Tracker.State())
}

func TestRecordOutcomeKeepsDownloadingWhileNodesRun(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Store.UpsertChat(storage.Chat{ChatID: -5, Title: "t", IsActive: true}))
	rt.Tracker.SetState(progress.StateDownloading)

	node := rt.Tasks.Register(task.NewNode(-5))
	node.AddTask(7)
	node.AddTask(8)

	node.RecordOutcome(7, task.StatusSuccess)
	rt.recordOutcome(mediaMsg(7, upstream.MediaVideo), node, task.StatusSuccess, "/tmp/7 - clip.mp4")

	assert.Equal(t, progress.StateDownloading, rt.Tracker.State())
}

func TestDownloadChatHistoryEnqueuesMediaOnly(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Store.UpsertChat(storage.Chat{ChatID: -5, Title: "t", LastReadMessageID: 2, IsActive: true}))

	client := &historyClient{
		chat: &upstream.Chat{ID: -5, Title: "t", Type: upstream.ChatSupergroup},
		pages: [][]*upstream.Message{{
			mediaMsg(3, upstream.MediaVideo),
			{ID: 4, ChatID: -5, Text: "plain"},
			mediaMsg(5, upstream.MediaPhoto),
		}},
	}

	node, err := rt.DownloadChatHistory(context.Background(), client, -5)
	require.NoError(t, err)

	total, _, _, _, _ := node.Counters()
	assert.EqualValues(t, 2, total)
	assert.Equal(t, 2, rt.Queue.Len())
	assert.Equal(t, 2, node.StartOffsetID)
}

func TestHistoryFilterNarrowsByMediaType(t *testing.T) {
	all := historyFilter("")
	assert.True(t, all(mediaMsg(1, upstream.MediaVideo)))
	assert.False(t, all(&upstream.Message{ID: 2, Text: "x"}))

	videos := historyFilter("video, voice")
	assert.True(t, videos(mediaMsg(1, upstream.MediaVideo)))
	assert.True(t, videos(mediaMsg(2, upstream.MediaVoice)))
	assert.False(t, videos(mediaMsg(3, upstream.MediaPhoto)))
}
