package storage

import (
	"gorm.io/gorm/clause"
)

// EnqueueEntry records a durable queue entry for (chat, message); an existing
// row is reset to pending with its retry counters kept.
func (s *Storage) EnqueueEntry(entry QueueEntry) error {
	now := nowStamp()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	if entry.MaxRetries == 0 {
		entry.MaxRetries = 3
	}
	if entry.ScheduledAt == "" {
		entry.ScheduledAt = now
	}
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}, {Name: "message_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "priority", "scheduled_at", "updated_at"}),
		}).Create(&entry).Error
	})
}

// MarkQueueProcessing transitions an entry to processing.
func (s *Storage) MarkQueueProcessing(chatID int64, messageID int) error {
	return s.setQueueStatus(chatID, messageID, StatusProcessing, "")
}

// MarkQueueCompleted finishes an entry.
func (s *Storage) MarkQueueCompleted(chatID int64, messageID int) error {
	return s.setQueueStatus(chatID, messageID, StatusCompleted, "")
}

// MarkQueueFailed bumps the retry counter; the entry goes back to pending
// until current_retries reaches max_retries, then stays failed.
func (s *Storage) MarkQueueFailed(chatID int64, messageID int, errMsg string) error {
	var entry QueueEntry
	if err := s.DB.First(&entry, "chat_id = ? AND message_id = ?", chatID, messageID).Error; err != nil {
		return err
	}
	status := StatusPending
	if entry.CurrentRetries+1 >= entry.MaxRetries {
		status = StatusFailed
	}
	return s.withRetry(func() error {
		return s.DB.Model(&QueueEntry{}).
			Where("chat_id = ? AND message_id = ?", chatID, messageID).
			Updates(map[string]any{
				"current_retries": entry.CurrentRetries + 1,
				"status":          status,
				"error_message":   errMsg,
				"processed_at":    nowStamp(),
				"updated_at":      nowStamp(),
			}).Error
	})
}

func (s *Storage) setQueueStatus(chatID int64, messageID int, status, errMsg string) error {
	return s.withRetry(func() error {
		return s.DB.Model(&QueueEntry{}).
			Where("chat_id = ? AND message_id = ?", chatID, messageID).
			Updates(map[string]any{
				"status":        status,
				"error_message": errMsg,
				"processed_at":  nowStamp(),
				"updated_at":    nowStamp(),
			}).Error
	})
}

// PendingQueueEntries returns up to limit pending entries by priority.
func (s *Storage) PendingQueueEntries(limit int) ([]QueueEntry, error) {
	var entries []QueueEntry
	q := s.DB.Where("status = ?", StatusPending).
		Order("priority desc, scheduled_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&entries).Error
	return entries, err
}
