package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tgdl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRecordsSchemaVersion(t *testing.T) {
	s := newTestStorage(t)
	assert.Equal(t, SchemaVersion, s.GetSchemaVersion())
}

func TestDownloadRecordUpsertIsSingleTransition(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{
		ChatID: -100, MessageID: 5, DownloadStatus: StatusPending,
	}))
	require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{
		ChatID: -100, MessageID: 5,
		FileName: "a.mp4", FilePath: "/x/a.mp4", FileSize: 9,
		MediaType: "video", DownloadStatus: StatusSuccess,
	}))

	rec, err := s.GetDownloadRecord(-100, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, rec.DownloadStatus)
	assert.Equal(t, "a.mp4", rec.FileName)

	// Still one row for the pair.
	var count int64
	require.NoError(t, s.DB.Model(&DownloadRecord{}).Where("chat_id = ?", -100).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestUpdateDownloadStatusPreservesFileColumns(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{
		ChatID: -100, MessageID: 5,
		FileName: "5 - clip.mp4", FilePath: "/data/dl/5 - clip.mp4",
		FileSize: 1234, MediaType: "video", DownloadStatus: StatusSuccess,
	}))

	// A status-only transition must leave the file metadata intact.
	require.NoError(t, s.UpdateDownloadStatus(-100, 5, StatusSuccess, ""))

	rec, err := s.GetDownloadRecord(-100, 5)
	require.NoError(t, err)
	assert.Equal(t, "5 - clip.mp4", rec.FileName)
	assert.Equal(t, "/data/dl/5 - clip.mp4", rec.FilePath)
	assert.EqualValues(t, 1234, rec.FileSize)
	assert.Equal(t, "video", rec.MediaType)
	assert.Equal(t, StatusSuccess, rec.DownloadStatus)
}

func TestUpdateDownloadStatusCreatesMissingRow(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.UpdateDownloadStatus(-100, 9, StatusFailed, "chat inaccessible"))

	rec, err := s.GetDownloadRecord(-100, 9)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.DownloadStatus)
	assert.Equal(t, "chat inaccessible", rec.ErrorMessage)
}

func TestMessageIDsByStatusAndDemote(t *testing.T) {
	s := newTestStorage(t)
	for id, status := range map[int]string{1: StatusSuccess, 2: StatusFailed, 3: StatusSuccess} {
		require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{
			ChatID: 7, MessageID: id, DownloadStatus: status,
		}))
	}

	ids, err := s.MessageIDsByStatus(7, StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, ids)

	require.NoError(t, s.DemoteDownloadRecord(7, 1, "file missing"))
	ids, err = s.MessageIDsByStatus(7, StatusSuccess)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, ids)
}

func TestClearFailedRecordsKeepsSuccess(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{ChatID: 1, MessageID: 1, DownloadStatus: StatusSuccess}))
	require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{ChatID: 1, MessageID: 2, DownloadStatus: StatusFailed}))

	n, err := s.ClearFailedRecords(1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetDownloadRecord(1, 1)
	assert.NoError(t, err)
}

func TestAdvanceLastReadIsMonotone(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.UpsertChat(Chat{ChatID: 9, Title: "c", IsActive: true}))

	require.NoError(t, s.AdvanceLastRead(9, 100))
	require.NoError(t, s.AdvanceLastRead(9, 50))

	chat, err := s.GetChat(9)
	require.NoError(t, err)
	assert.Equal(t, 100, chat.LastReadMessageID)
}

func TestUpsertChatKeepsHighWaterMark(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.UpsertChat(Chat{ChatID: 9, Title: "old", IsActive: true}))
	require.NoError(t, s.AdvanceLastRead(9, 42))
	require.NoError(t, s.UpsertChat(Chat{ChatID: 9, Title: "renamed", IsActive: true}))

	chat, err := s.GetChat(9)
	require.NoError(t, err)
	assert.Equal(t, "renamed", chat.Title)
	assert.Equal(t, 42, chat.LastReadMessageID)
}

func TestTargetIDsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.SaveTargetIDs(3, []int{10, 11, 12}))

	ids, err := s.TargetIDs(3)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 11, 12}, ids)

	// Pruning overwrites the list.
	require.NoError(t, s.SaveTargetIDs(3, []int{11}))
	ids, err = s.TargetIDs(3)
	require.NoError(t, err)
	assert.Equal(t, []int{11}, ids)

	ids, err = s.TargetIDs(999)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConfigTypedRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.SetConfig("name", "tgdl", ""))
	require.NoError(t, s.SetConfig("workers", 5, ""))
	require.NoError(t, s.SetConfig("ratio", 0.5, ""))
	require.NoError(t, s.SetConfig("enabled", true, ""))
	require.NoError(t, s.SetConfig("types", []string{"video", "photo"}, ""))
	require.NoError(t, s.SetConfig("limits", map[string]any{"max": float64(3)}, ""))

	v, err := s.GetConfigString("name")
	require.NoError(t, err)
	assert.Equal(t, "tgdl", v)

	i, err := s.GetConfigInt("workers")
	require.NoError(t, err)
	assert.Equal(t, 5, i)

	f, err := s.GetConfigFloat("ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.5, f)

	b, err := s.GetConfigBool("enabled")
	require.NoError(t, err)
	assert.True(t, b)

	l, err := s.GetConfigList("types")
	require.NoError(t, err)
	assert.Equal(t, []string{"video", "photo"}, l)

	d, err := s.GetConfigDict("limits")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"max": float64(3)}, d)

	// Missing string key is not an error.
	v, err = s.GetConfigString("absent")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestConfigBoolStoredAsDigit(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.SetConfig("flag", true, ""))
	row, err := s.getConfigRow("flag")
	require.NoError(t, err)
	assert.Equal(t, "1", row.Value)
	assert.Equal(t, TypeBool, row.ValueType)
}

func TestAddAuthorizedUserIdempotent(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.AddAuthorizedUser(AuthorizedUser{UserID: 77, Username: "alice", IsActive: true}))
	require.NoError(t, s.AddAuthorizedUser(AuthorizedUser{UserID: 77, Username: "alice2", IsActive: true}))

	var count int64
	require.NoError(t, s.DB.Model(&AuthorizedUser{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	u, err := s.GetAuthorizedUser(77)
	require.NoError(t, err)
	assert.Equal(t, "alice2", u.Username)
}

func TestStatRollupIncrements(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.RecordStatOutcome(5, StatusSuccess, 100))
	require.NoError(t, s.RecordStatOutcome(5, StatusSuccess, 50))
	require.NoError(t, s.RecordStatOutcome(5, StatusFailed, 0))

	rows, err := s.StatsForDate(time.Now().UTC().Format("2006-01-02"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 3, rows[0].TotalMessages)
	assert.EqualValues(t, 2, rows[0].SuccessfulDownloads)
	assert.EqualValues(t, 1, rows[0].FailedDownloads)
	assert.EqualValues(t, 150, rows[0].TotalFileSize)
}

func TestQueueEntryRetryLadder(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.EnqueueEntry(QueueEntry{ChatID: 1, MessageID: 1, MaxRetries: 2}))

	require.NoError(t, s.MarkQueueFailed(1, 1, "net"))
	pending, err := s.PendingQueueEntries(0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].CurrentRetries)

	// Second failure exhausts max_retries.
	require.NoError(t, s.MarkQueueFailed(1, 1, "net"))
	pending, err = s.PendingQueueEntries(0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTimestampsAreUTCISO(t *testing.T) {
	s := newTestStorage(t)
	require.NoError(t, s.UpsertDownloadRecord(DownloadRecord{ChatID: 1, MessageID: 1, DownloadStatus: StatusPending}))
	rec, err := s.GetDownloadRecord(1, 1)
	require.NoError(t, err)
	ts, err := time.Parse(time.RFC3339, rec.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
}
