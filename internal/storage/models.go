package storage

// Download and queue statuses stored in the database.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusCompleted  = "completed"
)

// Chat is one tracked chat with its download high-water mark.
type Chat struct {
	ChatID            int64  `gorm:"primaryKey;column:chat_id" json:"chat_id,string"`
	Title             string `json:"title"`
	Type              string `json:"type"`
	LastReadMessageID int    `gorm:"default:0" json:"last_read_message_id"`
	DownloadFilter    string `json:"download_filter"`
	UploadChatID      int64  `json:"upload_chat_id,omitempty"`
	IsActive          bool   `gorm:"default:true" json:"is_active"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func (Chat) TableName() string { return "chats" }

// DownloadRecord is the durable per-message outcome, unique by
// (chat_id, message_id).
type DownloadRecord struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ChatID         int64  `gorm:"uniqueIndex:idx_history_chat_message" json:"chat_id,string"`
	MessageID      int    `gorm:"uniqueIndex:idx_history_chat_message" json:"message_id"`
	FileName       string `json:"file_name"`
	FilePath       string `json:"file_path"`
	FileSize       int64  `json:"file_size"`
	MediaType      string `json:"media_type"`
	DownloadStatus string `gorm:"index;default:pending" json:"download_status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	DownloadDate   string `json:"download_date"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func (DownloadRecord) TableName() string { return "download_history" }

// CustomDownload is a user-curated backlog of message ids for one chat.
// TargetIDs holds a JSON int array.
type CustomDownload struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ChatID    int64  `gorm:"uniqueIndex" json:"chat_id,string"`
	TargetIDs string `json:"-"`
	GroupTag  string `json:"group_tag,omitempty"`
	IsEnabled bool   `gorm:"default:true" json:"is_enabled"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func (CustomDownload) TableName() string { return "custom_downloads" }

// AuthorizedUser is an account allowed to use the control surface.
// Permissions holds a JSON string array.
type AuthorizedUser struct {
	UserID       int64  `gorm:"primaryKey" json:"user_id,string"`
	Username     string `json:"username,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	IsActive     bool   `gorm:"default:true" json:"is_active"`
	LastActivity string `json:"last_activity"`
	Permissions  string `json:"-"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func (AuthorizedUser) TableName() string { return "authorized_users" }

// QueueEntry is the durable retry bookkeeping for one queued message,
// unique by (chat_id, message_id).
type QueueEntry struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	ChatID         int64  `gorm:"uniqueIndex:idx_queue_chat_message" json:"chat_id,string"`
	MessageID      int    `gorm:"uniqueIndex:idx_queue_chat_message" json:"message_id"`
	Priority       int    `gorm:"default:0" json:"priority"`
	MaxRetries     int    `gorm:"default:3" json:"max_retries"`
	CurrentRetries int    `gorm:"default:0" json:"current_retries"`
	Status         string `gorm:"index;default:pending" json:"status"`
	ScheduledAt    string `json:"scheduled_at"`
	ProcessedAt    string `json:"processed_at,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func (QueueEntry) TableName() string { return "download_queue" }

// AppStatistic is a per-day, per-chat rollup of download outcomes.
type AppStatistic struct {
	ID                  uint   `gorm:"primaryKey" json:"id"`
	StatDate            string `gorm:"uniqueIndex:idx_stats_date_chat" json:"stat_date"`
	ChatID              int64  `gorm:"uniqueIndex:idx_stats_date_chat" json:"chat_id,string"`
	TotalMessages       int64  `gorm:"default:0" json:"total_messages"`
	SuccessfulDownloads int64  `gorm:"default:0" json:"successful_downloads"`
	FailedDownloads     int64  `gorm:"default:0" json:"failed_downloads"`
	SkippedDownloads    int64  `gorm:"default:0" json:"skipped_downloads"`
	TotalFileSize       int64  `gorm:"default:0" json:"total_file_size"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

func (AppStatistic) TableName() string { return "app_statistics" }

// AppConfig is a typed key/value setting; Value is serialized per ValueType.
type AppConfig struct {
	Key         string `gorm:"primaryKey" json:"key"`
	Value       string `json:"value"`
	ValueType   string `gorm:"default:str" json:"value_type"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func (AppConfig) TableName() string { return "app_config" }
