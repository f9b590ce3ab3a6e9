package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tgdl/internal/upstream"
)

const (
	defaultLogLevel     string = "info"
	defaultPort         int    = 8080
	defaultMaxTasks     int    = 5
	defaultPauseSeconds int    = 300
	defaultDateFormat   string = "2006_01"
)

var ValueOf = &config{
	LogLevel:            defaultLogLevel,
	Port:                defaultPort,
	MaxDownloadTask:     defaultMaxTasks,
	PauseTimeoutSeconds: defaultPauseSeconds,
	DateFormat:          defaultDateFormat,
}

type allowedUsers []int64

func (au *allowedUsers) Decode(value string) error {
	if value == "" {
		return nil
	}
	for _, id := range strings.Split(value, ",") {
		idInt, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
		if err != nil {
			return err
		}
		*au = append(*au, idInt)
	}
	return nil
}

// mediaTypes decodes a comma-separated match order, e.g.
// "photo,video,document".
type mediaTypes []upstream.MediaType

func (mt *mediaTypes) Decode(value string) error {
	if value == "" {
		return nil
	}
	for _, raw := range strings.Split(value, ",") {
		if t := strings.TrimSpace(raw); t != "" {
			*mt = append(*mt, upstream.MediaType(t))
		}
	}
	return nil
}

// fileFormats decodes per-type extension filters, e.g.
// "video:mp4|mkv,audio:all".
type fileFormats map[upstream.MediaType][]string

func (ff *fileFormats) Decode(value string) error {
	out := make(map[upstream.MediaType][]string)
	if value != "" {
		for _, entry := range strings.Split(value, ",") {
			parts := strings.SplitN(entry, ":", 2)
			if len(parts) != 2 {
				continue
			}
			t := upstream.MediaType(strings.TrimSpace(parts[0]))
			for _, format := range strings.Split(parts[1], "|") {
				if f := strings.TrimSpace(format); f != "" {
					out[t] = append(out[t], f)
				}
			}
		}
	}
	*ff = out
	return nil
}

type config struct {
	ApiID   int    `envconfig:"API_ID" required:"true"`
	ApiHash string `envconfig:"API_HASH" required:"true"`
	// BotToken enables the control-bot notifier; downloads work without it.
	BotToken string `envconfig:"BOT_TOKEN"`

	SavePath     string `envconfig:"SAVE_PATH" default:"downloads"`
	BotSavePath  string `envconfig:"BOT_SAVE_PATH"`
	TempSavePath string `envconfig:"TEMP_SAVE_PATH"`

	MediaTypes       mediaTypes  `envconfig:"MEDIA_TYPES" default:"audio,document,photo,video,video_note,voice"`
	FileFormats      fileFormats `envconfig:"FILE_FORMATS" default:"audio:all,document:all,video:all"`
	FilePathPrefixes []string    `envconfig:"FILE_PATH_PREFIX" default:"chat_title,media_datetime"`
	DateFormat       string      `envconfig:"DATE_FORMAT" default:"2006_01"`

	EnableDownloadTxt   bool `envconfig:"ENABLE_DOWNLOAD_TXT" default:"false"`
	MaxDownloadTask     int  `envconfig:"MAX_DOWNLOAD_TASK" default:"5"`
	PauseTimeoutSeconds int  `envconfig:"PAUSE_TIMEOUT_SECONDS" default:"300"`

	DBPath           string `envconfig:"DB_PATH" default:"data/tgdl.db"`
	SessionStorePath string `envconfig:"SESSION_STORE_PATH" default:"data/sessions.json"`

	Dev      bool   `envconfig:"DEV" default:"false"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	LogPath  string `envconfig:"LOG_PATH" default:""`
	Port     int    `envconfig:"PORT" default:"8080"`
	Host     string `envconfig:"HOST" default:""`

	AllowedUsers allowedUsers `envconfig:"ALLOWED_USERS"`
}

func (c *config) loadFromEnvFile(log *zap.Logger) {
	envPath := filepath.Clean("tgdl.env")
	log.Sugar().Infof("Trying to load ENV vars from %s", envPath)
	if err := godotenv.Load(envPath); err != nil {
		if os.IsNotExist(err) {
			log.Sugar().Infof("ENV file not found: %s, relying on process env", envPath)
		} else {
			log.Fatal("Unknown error while parsing env file.", zap.Error(err))
		}
	}
}

func SetFlagsFromConfig(cmd *cobra.Command) {
	cmd.Flags().Int("api-id", ValueOf.ApiID, "Telegram API ID")
	cmd.Flags().String("api-hash", ValueOf.ApiHash, "Telegram API Hash")
	cmd.Flags().String("bot-token", ValueOf.BotToken, "Telegram bot token for the notifier")
	cmd.Flags().String("save-path", ValueOf.SavePath, "Root directory for downloaded media")
	cmd.Flags().String("temp-save-path", ValueOf.TempSavePath, "Staging directory for in-flight transfers")
	cmd.Flags().Int("max-download-task", ValueOf.MaxDownloadTask, "Parallel download workers")
	cmd.Flags().Bool("dev", ValueOf.Dev, "Enable development mode")
	cmd.Flags().IntP("port", "p", ValueOf.Port, "Server port")
	cmd.Flags().String("db-path", ValueOf.DBPath, "SQLite database path")
}

func (c *config) loadConfigFromArgs(cmd *cobra.Command) {
	if cmd.Flags().Changed("api-id") {
		apiID, _ := cmd.Flags().GetInt("api-id")
		os.Setenv("API_ID", strconv.Itoa(apiID))
	}
	if cmd.Flags().Changed("api-hash") {
		apiHash, _ := cmd.Flags().GetString("api-hash")
		os.Setenv("API_HASH", apiHash)
	}
	if cmd.Flags().Changed("bot-token") {
		botToken, _ := cmd.Flags().GetString("bot-token")
		os.Setenv("BOT_TOKEN", botToken)
	}
	if cmd.Flags().Changed("save-path") {
		savePath, _ := cmd.Flags().GetString("save-path")
		os.Setenv("SAVE_PATH", savePath)
	}
	if cmd.Flags().Changed("temp-save-path") {
		tempPath, _ := cmd.Flags().GetString("temp-save-path")
		os.Setenv("TEMP_SAVE_PATH", tempPath)
	}
	if cmd.Flags().Changed("max-download-task") {
		maxTasks, _ := cmd.Flags().GetInt("max-download-task")
		os.Setenv("MAX_DOWNLOAD_TASK", strconv.Itoa(maxTasks))
	}
	if cmd.Flags().Changed("dev") {
		dev, _ := cmd.Flags().GetBool("dev")
		os.Setenv("DEV", strconv.FormatBool(dev))
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		os.Setenv("PORT", strconv.Itoa(port))
	}
	if cmd.Flags().Changed("db-path") {
		dbPath, _ := cmd.Flags().GetString("db-path")
		os.Setenv("DB_PATH", dbPath)
	}
}

func (c *config) setupEnvVars(log *zap.Logger, cmd *cobra.Command) {
	c.loadFromEnvFile(log)
	c.loadConfigFromArgs(cmd)
	if err := envconfig.Process("", c); err != nil {
		log.Fatal("Error while parsing env variables", zap.Error(err))
	}
}

func Load(log *zap.Logger, cmd *cobra.Command) {
	log = log.Named("Config")
	defer log.Info("Loaded config")
	ValueOf.setupEnvVars(log, cmd)

	if ValueOf.BotSavePath == "" {
		ValueOf.BotSavePath = ValueOf.SavePath
	}
	if ValueOf.TempSavePath == "" {
		ValueOf.TempSavePath = filepath.Join(ValueOf.SavePath, "temp")
	}
	if ValueOf.MaxDownloadTask <= 0 {
		log.Sugar().Infof("MAX_DOWNLOAD_TASK must be positive, defaulting to %d", defaultMaxTasks)
		ValueOf.MaxDownloadTask = defaultMaxTasks
	}
	if ValueOf.Host == "" {
		ValueOf.Host = "http://localhost:" + strconv.Itoa(ValueOf.Port)
		log.Sugar().Info("HOST not set, automatically set to " + ValueOf.Host)
	}
}
