package custom

import (
	"context"
	"os"
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

type fakeClient struct {
	upstream.Client

	chatErr  error
	messages map[int]*upstream.Message
}

func (f *fakeClient) GetChat(ctx context.Context, chatID int64) (*upstream.Chat, error) {
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	return &upstream.Chat{ID: chatID, Title: "chat"}, nil
}

func (f *fakeClient) GetMessages(ctx context.Context, chatID int64, ids []int) ([]*upstream.Message, error) {
	var out []*upstream.Message
	for _, id := range ids {
		if msg, ok := f.messages[id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *storage.Storage, *scheduler.Queue) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "tgdl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := scheduler.NewQueue()
	m := NewManager(store, q, progress.NewTracker(), task.NewRegistry(), zap.NewNop())
	m.sleep = func(time.Duration) {}
	return m, store, q
}

func mediaMsg(id int) *upstream.Message {
	return &upstream.Message{ID: id, Media: &upstream.Media{Type: upstream.MediaPhoto, FileSize: 4}}
}

func TestIsDownloadedDemotesStaleRecord(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.UpsertDownloadRecord(storage.DownloadRecord{
		ChatID: 1, MessageID: 5, DownloadStatus: storage.StatusSuccess,
		FilePath: "/nonexistent/5 - a.mp4",
	}))

	assert.False(t, m.IsDownloaded(1, 5))

	rec, err := store.GetDownloadRecord(1, 5)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.DownloadStatus)
}

func TestIsDownloadedAcceptsDiskScanMatch(t *testing.T) {
	m, store, _ := newTestManager(t)
	dir := t.TempDir()
	sub := filepath.Join(dir, "2026_01")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "5 - clip.mp4"), []byte("x"), 0o644))

	m.ChatDir = func(int64) string { return dir }
	require.NoError(t, store.UpsertDownloadRecord(storage.DownloadRecord{
		ChatID: 1, MessageID: 5, DownloadStatus: storage.StatusSuccess,
	}))

	assert.True(t, m.IsDownloaded(1, 5))
}

func TestIsDownloadedDotPrefix(t *testing.T) {
	m, store, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "7.jpg"), []byte("x"), 0o644))
	m.ChatDir = func(int64) string { return dir }
	require.NoError(t, store.UpsertDownloadRecord(storage.DownloadRecord{
		ChatID: 1, MessageID: 7, DownloadStatus: storage.StatusSuccess,
	}))

	assert.True(t, m.IsDownloaded(1, 7))
	// 7 must not match "70.jpg" style names.
	assert.False(t, m.IsDownloaded(1, 70))
}

func TestDownloadCustomMessagesSubmitsAndTracksNotFound(t *testing.T) {
	m, _, q := newTestManager(t)
	client := &fakeClient{messages: map[int]*upstream.Message{1: mediaMsg(1), 3: mediaMsg(3)}}

	run, err := m.DownloadCustomMessages(context.Background(), client, -10, []int{1, 2, 3})
	require.NoError(t, err)

	assert.Equal(t, []int{1, 3}, run.Submitted)
	assert.Equal(t, []int{2}, run.NotFound)
	assert.Equal(t, 2, q.Len())
	assert.True(t, run.Node.IsCustomDownload)

	// Placeholder progress is seeded immediately.
	fp, ok := m.tracker.Get(-10, 1)
	require.True(t, ok)
	assert.Equal(t, placeholderTotal, fp.TotalSize)
}

func TestDownloadCustomMessagesAuthFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	client := &fakeClient{chatErr: upstream.ErrAuthKeyUnregistered}

	run, err := m.DownloadCustomMessages(context.Background(), client, -10, []int{1, 2})
	require.Error(t, err)
	assert.True(t, run.AuthFailed)
	assert.Nil(t, run.Node)

	// Every requested id is recorded as failed so operators see the outcome;
	// the backlog keeps them for the next run.
	for _, id := range []int{1, 2} {
		rec, err := store.GetDownloadRecord(-10, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFailed, rec.DownloadStatus)
		assert.Equal(t, "chat inaccessible", rec.ErrorMessage)
	}
}

func TestFinalizerPromotesAndPrunes(t *testing.T) {
	m, store, _ := newTestManager(t)
	require.NoError(t, store.SaveTargetIDs(-10, []int{1, 2, 3}))
	client := &fakeClient{messages: map[int]*upstream.Message{1: mediaMsg(1), 3: mediaMsg(3)}}

	run, err := m.DownloadCustomMessages(context.Background(), client, -10, []int{1, 2, 3})
	require.NoError(t, err)

	// Workers settle both messages.
	run.Node.RecordOutcome(1, task.StatusSuccess)
	run.Node.RecordOutcome(3, task.StatusFailed)

	m.UpdateDownloadStatus(context.Background(), run)

	// Success and not-found are pruned; failed stays for retry.
	ids, err := store.TargetIDs(-10)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ids)

	rec, err := store.GetDownloadRecord(-10, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, rec.DownloadStatus)
	rec, err = store.GetDownloadRecord(-10, 3)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.DownloadStatus)

	// Not-found ids are pruned without a history promotion.
	_, err = store.GetDownloadRecord(-10, 2)
	assert.Error(t, err)

	// Node released, progress purged.
	assert.False(t, run.Node.IsRunning())
	_, ok := m.tracker.Get(-10, 1)
	assert.False(t, ok)
	_, ok = m.registry.Get(run.Node.TaskID)
	assert.False(t, ok)
}

func TestAnimatePlaceholdersCapsAtNinetyPercent(t *testing.T) {
	m, _, _ := newTestManager(t)
	client := &fakeClient{messages: map[int]*upstream.Message{1: mediaMsg(1)}}
	run, err := m.DownloadCustomMessages(context.Background(), client, -10, []int{1})
	require.NoError(t, err)

	started := time.Now()
	m.now = func() time.Time { return started.Add(10 * time.Minute) }
	m.animatePlaceholders(run, started)

	fp, ok := m.tracker.Get(-10, 1)
	require.True(t, ok)
	assert.EqualValues(t, int64(rampCap*float64(placeholderTotal)), fp.DownByte)
}

func TestAnimatePlaceholdersLeavesRealProgressAlone(t *testing.T) {
	m, _, _ := newTestManager(t)
	client := &fakeClient{messages: map[int]*upstream.Message{1: mediaMsg(1)}}
	run, err := m.DownloadCustomMessages(context.Background(), client, -10, []int{1})
	require.NoError(t, err)

	// A real progress callback replaced the placeholder total.
	m.tracker.Put(-10, 1, progress.FileProgress{TotalSize: 1000, DownByte: 100, TaskID: run.Node.TaskID})

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	m.animatePlaceholders(run, time.Now())

	fp, _ := m.tracker.Get(-10, 1)
	assert.EqualValues(t, 100, fp.DownByte)
}

func TestRunForSelectedSkipsAlreadyDownloaded(t *testing.T) {
	m, store, q := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1 - a.jpg"), []byte("x"), 0o644))
	m.ChatDir = func(int64) string { return dir }

	require.NoError(t, store.UpsertDownloadRecord(storage.DownloadRecord{
		ChatID: -10, MessageID: 1, DownloadStatus: storage.StatusSuccess,
	}))
	// A failed record from the previous run is cleared before submitting.
	require.NoError(t, store.UpsertDownloadRecord(storage.DownloadRecord{
		ChatID: -10, MessageID: 2, DownloadStatus: storage.StatusFailed,
	}))

	client := &fakeClient{messages: map[int]*upstream.Message{2: mediaMsg(2)}}

	run, err := m.RunForSelected(context.Background(), client, -10, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, run.Submitted)
	assert.Equal(t, 1, q.Len())

	run.Node.RecordOutcome(2, task.StatusSuccess)
	m.UpdateDownloadStatus(context.Background(), run)

	rec, err := store.GetDownloadRecord(-10, 2)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSuccess, rec.DownloadStatus)
}

func TestRunForSelectedReturnsBeforeSettlement(t *testing.T) {
	m, _, q := newTestManager(t)
	client := &fakeClient{messages: map[int]*upstream.Message{1: mediaMsg(1)}}

	// No worker consumes the queue; the call must still return promptly with
	// the job submitted and live, leaving finalization to the caller.
	run, err := m.RunForSelected(context.Background(), client, -10, []int{1})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, run.Submitted)
	assert.Equal(t, 1, q.Len())
	require.NotNil(t, run.Node)
	assert.True(t, run.Node.IsRunning())
	_, ok := m.registry.Get(run.Node.TaskID)
	assert.True(t, ok)
}

func TestSidecarMirrorsHistory(t *testing.T) {
	m, store, _ := newTestManager(t)
	m.SidecarPath = filepath.Join(t.TempDir(), "custom_history.json")
	require.NoError(t, store.UpsertDownloadRecord(storage.DownloadRecord{
		ChatID: -10, MessageID: 1, DownloadStatus: storage.StatusSuccess,
	}))

	m.writeSidecar(-10)

	data, err := os.ReadFile(m.SidecarPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\"-10\"")
	assert.Contains(t, string(data), "downloaded_ids")
}
