// Package app wires the engine together: storage, broker, scheduler, custom
// and zip managers, the notifier, and the HTTP server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tgdl/config"
	"tgdl/internal/bot"
	"tgdl/internal/broker"
	"tgdl/internal/custom"
	"tgdl/internal/downloader"
	"tgdl/internal/progress"
	"tgdl/internal/routes"
	"tgdl/internal/scheduler"
	"tgdl/internal/storage"
	"tgdl/internal/task"
	"tgdl/internal/upstream"
	"tgdl/internal/utils"
	"tgdl/internal/zipper"
)

// transmissionsPerWorker scales the per-client transfer parallelism off the
// worker count.
const transmissionsPerWorker = 5

// Runtime owns every long-lived component and their shutdown order.
type Runtime struct {
	Store   *storage.Storage
	Broker  *broker.Broker
	Tracker *progress.Tracker
	Tasks   *task.Registry
	Queue   *scheduler.Queue
	Pool    *scheduler.Pool
	Custom  *custom.Manager
	Zips    *zipper.Registry
	DL      *downloader.Downloader

	Notifier *bot.Notifier

	log    *zap.Logger
	server *http.Server
}

func New(log *zap.Logger) (*Runtime, error) {
	cfg := config.ValueOf

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	sessions, err := broker.NewSessionStore(cfg.SessionStorePath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	threads := cfg.MaxDownloadTask * transmissionsPerWorker
	b := broker.New(cfg.ApiID, cfg.ApiHash, threads, sessions, log)

	zips := zipper.NewRegistry(log)
	tracker := progress.NewTracker().
		WithOvertakeChecker(zips).
		WithPauseTimeout(time.Duration(cfg.PauseTimeoutSeconds) * time.Second)

	queue := scheduler.NewQueue()
	tasks := task.NewRegistry()

	dl := downloader.New(downloader.Options{
		SavePath:          cfg.SavePath,
		BotSavePath:       cfg.BotSavePath,
		TempPath:          cfg.TempSavePath,
		MediaTypes:        cfg.MediaTypes,
		FileFormats:       cfg.FileFormats,
		PathPrefixes:      cfg.FilePathPrefixes,
		DateFormat:        cfg.DateFormat,
		EnableDownloadTxt: cfg.EnableDownloadTxt,
	}, tracker, log)

	cm := custom.NewManager(store, queue, tracker, tasks, log)
	cm.SidecarPath = filepath.Join(filepath.Dir(cfg.DBPath), "download_history.json")
	cm.ChatDir = func(chatID int64) string {
		title := fmt.Sprintf("Chat_%d", chatID)
		if chat, err := store.GetChat(chatID); err == nil && chat.Title != "" {
			title = chat.Title
		}
		return filepath.Join(cfg.SavePath, utils.ValidateTitle(title))
	}

	pool := scheduler.NewPool(cfg.MaxDownloadTask, queue, tracker, dl.DownloadMedia,
		func(*task.TaskNode) upstream.Client { return nil }, log).
		WithZipResolver(zips)

	rt := &Runtime{
		Store:   store,
		Broker:  b,
		Tracker: tracker,
		Tasks:   tasks,
		Queue:   queue,
		Pool:    pool,
		Custom:  cm,
		Zips:    zips,
		DL:      dl,
		log:     log.Named("App"),
	}
	pool.AddOutcomeHook(rt.recordOutcome)
	return rt, nil
}

// recordOutcome is the durable bookkeeping hook run after every message
// settles: history upsert, daily statistics, queue state, and the per-chat
// high-water mark.
func (rt *Runtime) recordOutcome(msg *upstream.Message, node *task.TaskNode, status task.DownloadStatus, path string) {
	// ZIP jobs download into a staging dir that is deleted after packaging,
	// so none of the durable bookkeeping applies to them.
	if node.ZipManagerID != "" {
		return
	}

	dbStatus := storage.StatusFailed
	switch status {
	case task.StatusSuccess:
		dbStatus = storage.StatusSuccess
	case task.StatusSkipped:
		dbStatus = storage.StatusSkipped
	}

	var size int64
	var mediaType string
	if msg.Media != nil {
		size = msg.Media.FileSize
		mediaType = string(msg.Media.Type)
	}
	rec := storage.DownloadRecord{
		ChatID:         node.ChatID,
		MessageID:      msg.ID,
		FilePath:       path,
		FileSize:       size,
		MediaType:      mediaType,
		DownloadStatus: dbStatus,
		DownloadDate:   time.Now().UTC().Format(time.RFC3339),
	}
	if path != "" {
		rec.FileName = filepath.Base(path)
	}
	if err := rt.Store.UpsertDownloadRecord(rec); err != nil {
		rt.log.Warn("History write failed", zap.Int("messageID", msg.ID), zap.Error(err))
	}
	if err := rt.Store.RecordStatOutcome(node.ChatID, dbStatus, size); err != nil {
		rt.log.Warn("Statistic write failed", zap.Error(err))
	}

	switch dbStatus {
	case storage.StatusSuccess, storage.StatusSkipped:
		if err := rt.Store.AdvanceLastRead(node.ChatID, msg.ID); err != nil {
			rt.log.Warn("High-water mark update failed", zap.Error(err))
		}
		rt.Store.MarkQueueCompleted(node.ChatID, msg.ID)
	default:
		rt.Store.MarkQueueFailed(node.ChatID, msg.ID, "download failed")
	}

	// The pool records the outcome on the node before running hooks, so a
	// node whose last message just settled is already out of Running().
	if rt.Tracker.State() == progress.StateDownloading && len(rt.Tasks.Running()) == 0 {
		rt.Tracker.SetState(progress.StateCompleted)
	}
}

// Start brings up the workers, restores sessions, connects the optional
// control bot, and serves the HTTP API. Blocks until the server stops.
func (rt *Runtime) Start(ctx context.Context) error {
	cfg := config.ValueOf

	rt.Zips.SweepOrphans()
	rt.Pool.Start(ctx)
	go rt.Broker.RestoreSessions(ctx)

	if cfg.BotToken != "" {
		botClient, err := upstream.NewGotdClient(ctx, upstream.ClientOptions{
			APIID:    cfg.ApiID,
			APIHash:  cfg.ApiHash,
			BotToken: cfg.BotToken,
		}, rt.log)
		if err != nil {
			rt.log.Warn("Control bot unavailable", zap.Error(err))
		} else {
			rt.Notifier = bot.NewNotifier(botClient, rt.log)
		}
	}

	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.Load(rt.log, engine, routes.Deps{
		Broker:  rt.Broker,
		Tracker: rt.Tracker,
		Tasks:   rt.Tasks,
		Custom:  rt.Custom,
		Zips:    rt.Zips,
		Queue:   rt.Queue,
	})

	rt.server = &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: engine,
	}
	rt.log.Info("Serving", zap.String("addr", rt.server.Addr))
	err := rt.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts components down in dependency order: no new work, drain workers,
// then close the clients and the database.
func (rt *Runtime) Stop(ctx context.Context) {
	if rt.server != nil {
		if err := rt.server.Shutdown(ctx); err != nil {
			rt.log.Warn("HTTP shutdown", zap.Error(err))
		}
	}
	rt.Queue.Close()
	rt.Pool.Wait()
	rt.Broker.Close()
	if err := rt.Store.Close(); err != nil {
		rt.log.Warn("Storage close", zap.Error(err))
	}
	rt.log.Info("Stopped")
}

// DownloadChatHistory walks a chat forward from its stored high-water mark
// and enqueues every matching message. The per-chat download_filter narrows
// by media type ("video,photo"); empty means everything.
func (rt *Runtime) DownloadChatHistory(ctx context.Context, client upstream.Client, chatID int64) (*task.TaskNode, error) {
	chat, err := rt.Store.GetChat(chatID)
	if err != nil {
		// First run for this chat: create the record from the upstream.
		info, uerr := client.GetChat(ctx, chatID)
		if uerr != nil {
			return nil, uerr
		}
		chat = storage.Chat{ChatID: chatID, Title: info.Title, Type: string(info.Type), IsActive: true}
		if serr := rt.Store.UpsertChat(chat); serr != nil {
			return nil, serr
		}
	}

	node := rt.Tasks.Register(task.NewNode(chatID).WithClient(client))
	node.StartOffsetID = chat.LastReadMessageID

	filter := historyFilter(chat.DownloadFilter)
	offsetID := chat.LastReadMessageID
	enqueued := 0
	for {
		page, err := client.ChatHistory(ctx, chatID, upstream.HistoryOptions{
			Limit:    upstream.MaxBatchMessages,
			OffsetID: offsetID,
			Reverse:  true,
		})
		if err != nil {
			return node, err
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			if msg.ID > offsetID {
				offsetID = msg.ID
			}
			if msg.Empty || !filter(msg) {
				continue
			}
			node.AddTask(msg.ID)
			rt.Queue.Put(scheduler.Item{Message: msg, Node: node})
			enqueued++
		}
		if len(page) < upstream.MaxBatchMessages {
			break
		}
	}

	rt.log.Info("Chat history enqueued",
		zap.Int64("chatID", chatID),
		zap.Int("fromMessageID", chat.LastReadMessageID),
		zap.Int("enqueued", enqueued))
	return node, nil
}

// historyFilter compiles the stored download_filter into a predicate.
func historyFilter(filter string) func(*upstream.Message) bool {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return func(msg *upstream.Message) bool { return msg.HasMedia() }
	}
	allowed := make(map[upstream.MediaType]bool)
	for _, part := range strings.Split(filter, ",") {
		if t := strings.TrimSpace(part); t != "" {
			allowed[upstream.MediaType(t)] = true
		}
	}
	return func(msg *upstream.Message) bool {
		return msg.Media != nil && allowed[msg.Media.Type]
	}
}

// NotifyNode attaches the control-bot notifier to a job when a bot is
// configured; progress edits never block the job itself.
func (rt *Runtime) NotifyNode(ctx context.Context, node *task.TaskNode, chatID int64) {
	if rt.Notifier == nil {
		return
	}
	if err := rt.Notifier.Announce(ctx, node, chatID); err != nil {
		rt.log.Debug("Notifier announce failed", zap.Error(err))
		return
	}
	go rt.Notifier.Watch(ctx, node)
}
