package storage

import (
	"encoding/json"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertChat creates or refreshes one chat row, keeping the existing
// last_read_message_id.
func (s *Storage) UpsertChat(chat Chat) error {
	now := nowStamp()
	chat.CreatedAt = now
	chat.UpdatedAt = now
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"title", "type", "is_active", "updated_at"}),
		}).Create(&chat).Error
	})
}

func (s *Storage) GetChat(chatID int64) (Chat, error) {
	var chat Chat
	err := s.DB.First(&chat, "chat_id = ?", chatID).Error
	return chat, err
}

// ListActiveChats returns every chat still enabled for history downloads.
func (s *Storage) ListActiveChats() ([]Chat, error) {
	var chats []Chat
	err := s.DB.Where("is_active = ?", true).Order("chat_id asc").Find(&chats).Error
	return chats, err
}

// AdvanceLastRead raises the chat's high-water mark; lower values are
// ignored so the mark stays monotone.
func (s *Storage) AdvanceLastRead(chatID int64, messageID int) error {
	return s.withRetry(func() error {
		return s.DB.Model(&Chat{}).
			Where("chat_id = ? AND last_read_message_id < ?", chatID, messageID).
			Updates(map[string]any{
				"last_read_message_id": messageID,
				"updated_at":           nowStamp(),
			}).Error
	})
}

// SetDownloadFilter stores the chat's filter expression.
func (s *Storage) SetDownloadFilter(chatID int64, filter string) error {
	return s.withRetry(func() error {
		return s.DB.Model(&Chat{}).
			Where("chat_id = ?", chatID).
			Updates(map[string]any{"download_filter": filter, "updated_at": nowStamp()}).Error
	})
}

// GetCustomDownload returns the backlog row for chatID, a zero row when none.
func (s *Storage) GetCustomDownload(chatID int64) (CustomDownload, error) {
	var row CustomDownload
	err := s.DB.First(&row, "chat_id = ?", chatID).Error
	if err == gorm.ErrRecordNotFound {
		return CustomDownload{ChatID: chatID, IsEnabled: true}, nil
	}
	return row, err
}

// ListCustomDownloads returns every enabled backlog.
func (s *Storage) ListCustomDownloads() ([]CustomDownload, error) {
	var rows []CustomDownload
	err := s.DB.Where("is_enabled = ?", true).Find(&rows).Error
	return rows, err
}

// SaveTargetIDs upserts the backlog message ids for chatID.
func (s *Storage) SaveTargetIDs(chatID int64, ids []int) error {
	encoded, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	now := nowStamp()
	row := CustomDownload{
		ChatID:    chatID,
		TargetIDs: string(encoded),
		IsEnabled: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chat_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"target_ids", "is_enabled", "updated_at"}),
		}).Create(&row).Error
	})
}

// TargetIDs decodes the backlog message ids for chatID.
func (s *Storage) TargetIDs(chatID int64) ([]int, error) {
	row, err := s.GetCustomDownload(chatID)
	if err != nil {
		return nil, err
	}
	if row.TargetIDs == "" {
		return nil, nil
	}
	var ids []int
	if err := json.Unmarshal([]byte(row.TargetIDs), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// AddAuthorizedUser is idempotent; re-adding refreshes the profile fields.
func (s *Storage) AddAuthorizedUser(user AuthorizedUser) error {
	now := nowStamp()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.LastActivity == "" {
		user.LastActivity = now
	}
	return s.withRetry(func() error {
		return s.DB.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"username", "first_name", "last_name", "is_active", "updated_at",
			}),
		}).Create(&user).Error
	})
}

func (s *Storage) GetAuthorizedUser(userID int64) (AuthorizedUser, error) {
	var user AuthorizedUser
	err := s.DB.First(&user, "user_id = ?", userID).Error
	return user, err
}

// TouchUserActivity stamps last_activity for userID.
func (s *Storage) TouchUserActivity(userID int64) error {
	return s.withRetry(func() error {
		return s.DB.Model(&AuthorizedUser{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{"last_activity": nowStamp(), "updated_at": nowStamp()}).Error
	})
}
