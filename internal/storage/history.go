package storage

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertDownloadRecord is the sole primitive used to transition the durable
// state of one (chat, message). Conflicts on the unique pair update the
// mutable fields in place.
func (s *Storage) UpsertDownloadRecord(rec DownloadRecord) error {
	now := nowStamp()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.DownloadDate == "" {
		rec.DownloadDate = now
	}
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"file_name", "file_path", "file_size", "media_type",
				"download_status", "error_message", "download_date", "updated_at",
			}),
		}).Create(&rec).Error
	})
}

// UpdateDownloadStatus transitions only the status columns, preserving the
// file metadata the worker recorded when the download settled. Creates the
// row when none exists yet.
func (s *Storage) UpdateDownloadStatus(chatID int64, messageID int, status, errMsg string) error {
	return s.withRetry(func() error {
		now := nowStamp()
		res := s.DB.Model(&DownloadRecord{}).
			Where("chat_id = ? AND message_id = ?", chatID, messageID).
			Updates(map[string]any{
				"download_status": status,
				"error_message":   errMsg,
				"updated_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return s.DB.Create(&DownloadRecord{
			ChatID:         chatID,
			MessageID:      messageID,
			DownloadStatus: status,
			ErrorMessage:   errMsg,
			DownloadDate:   now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}).Error
	})
}

// GetDownloadRecord returns the record for one (chat, message) pair.
func (s *Storage) GetDownloadRecord(chatID int64, messageID int) (DownloadRecord, error) {
	var rec DownloadRecord
	err := s.DB.First(&rec, "chat_id = ? AND message_id = ?", chatID, messageID).Error
	return rec, err
}

// MessageIDsByStatus lists message ids in chatID with the given status.
func (s *Storage) MessageIDsByStatus(chatID int64, status string) ([]int, error) {
	var ids []int
	err := s.DB.Model(&DownloadRecord{}).
		Where("chat_id = ? AND download_status = ?", chatID, status).
		Order("message_id asc").
		Pluck("message_id", &ids).Error
	return ids, err
}

// DemoteDownloadRecord resets a stale success record whose file went missing.
func (s *Storage) DemoteDownloadRecord(chatID int64, messageID int, reason string) error {
	return s.withRetry(func() error {
		return s.DB.Model(&DownloadRecord{}).
			Where("chat_id = ? AND message_id = ?", chatID, messageID).
			Updates(map[string]any{
				"download_status": StatusFailed,
				"error_message":   reason,
				"updated_at":      nowStamp(),
			}).Error
	})
}

// ClearFailedRecords drops failed history for chatID so a re-run retries
// those messages while keeping successful ones de-duplicated.
func (s *Storage) ClearFailedRecords(chatID int64) (int64, error) {
	var affected int64
	err := s.withRetry(func() error {
		res := s.DB.Where("chat_id = ? AND download_status = ?", chatID, StatusFailed).
			Delete(&DownloadRecord{})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// ListDownloadRecords pages history for one chat, newest first.
func (s *Storage) ListDownloadRecords(chatID int64, limit int) ([]DownloadRecord, error) {
	var recs []DownloadRecord
	q := s.DB.Where("chat_id = ?", chatID).Order("message_id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// RecordStatOutcome folds one worker outcome into the per-day, per-chat
// statistics rollup.
func (s *Storage) RecordStatOutcome(chatID int64, status string, fileSize int64) error {
	now := nowStamp()
	row := AppStatistic{
		StatDate:      time.Now().UTC().Format("2006-01-02"),
		ChatID:        chatID,
		TotalMessages: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inc := map[string]any{
		"total_messages": gorm.Expr("total_messages + 1"),
		"updated_at":     now,
	}
	switch status {
	case StatusSuccess:
		row.SuccessfulDownloads = 1
		row.TotalFileSize = fileSize
		inc["successful_downloads"] = gorm.Expr("successful_downloads + 1")
		inc["total_file_size"] = gorm.Expr("total_file_size + ?", fileSize)
	case StatusFailed:
		row.FailedDownloads = 1
		inc["failed_downloads"] = gorm.Expr("failed_downloads + 1")
	case StatusSkipped:
		row.SkippedDownloads = 1
		inc["skipped_downloads"] = gorm.Expr("skipped_downloads + 1")
	}
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stat_date"}, {Name: "chat_id"}},
			DoUpdates: clause.Assignments(inc),
		}).Create(&row).Error
	})
}

// StatsForDate returns the rollups recorded on date (YYYY-MM-DD).
func (s *Storage) StatsForDate(date string) ([]AppStatistic, error) {
	var rows []AppStatistic
	err := s.DB.Where("stat_date = ?", date).Find(&rows).Error
	return rows, err
}
