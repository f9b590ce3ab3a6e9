package scheduler

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"

	"tgdl/internal/progress"
	"tgdl/internal/task"
	"tgdl/internal/upstream"
)

// DownloadFunc runs the media download routine for one message and returns
// the terminal status plus the final file path ("" when nothing was written).
type DownloadFunc func(ctx context.Context, client upstream.Client, msg *upstream.Message, node *task.TaskNode) (task.DownloadStatus, string)

// ZipSink receives per-file outcomes for a ZIP packaging job.
type ZipSink interface {
	OnFileDownloaded(messageID int, path string, size int64)
	OnFileFailed(messageID int, reason string)
}

// ZipResolver resolves a node's weak manager handle to the live packager.
type ZipResolver interface {
	Manager(id string) (ZipSink, bool)
}

// OutcomeHook observes each finished message; used for history recording,
// statistics and upload/notification glue. Must not panic the worker.
type OutcomeHook func(msg *upstream.Message, node *task.TaskNode, status task.DownloadStatus, path string)

// Pool is the bounded worker pool drawing from a single queue.
type Pool struct {
	queue    *Queue
	tracker  *progress.Tracker
	download DownloadFunc
	// clientFor supplies the default client for nodes without an override.
	clientFor func(node *task.TaskNode) upstream.Client
	zips      ZipResolver
	hooks     []OutcomeHook
	workers   int
	log       *zap.Logger

	wg sync.WaitGroup
}

func NewPool(workers int, queue *Queue, tracker *progress.Tracker, download DownloadFunc, clientFor func(*task.TaskNode) upstream.Client, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:     queue,
		tracker:   tracker,
		download:  download,
		clientFor: clientFor,
		workers:   workers,
		log:       log.Named("Workers"),
	}
}

func (p *Pool) WithZipResolver(r ZipResolver) *Pool {
	p.zips = r
	return p
}

// AddOutcomeHook appends an observer called after every message resolves.
func (p *Pool) AddOutcomeHook(h OutcomeHook) {
	p.hooks = append(p.hooks, h)
}

// Start launches the workers. They exit when the queue closes or ctx is
// cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i + 1)
	}
	p.log.Info("Started", zap.Int("workers", p.workers))
}

// Wait blocks until every worker has returned.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok := p.queue.Take()
		if !ok {
			return
		}
		msg, node := item.Message, item.Node

		if p.tracker.State() == progress.StateCancelled {
			node.StopTransmission()
			continue
		}
		if node.Stopped() {
			continue
		}

		status, path := p.runOne(ctx, log, msg, node)

		if node.ZipManagerID != "" && p.zips != nil {
			p.notifyZip(msg, node, status, path)
		}

		node.RecordOutcome(msg.ID, status)
		for _, hook := range p.hooks {
			p.callHook(log, hook, msg, node, status, path)
		}
	}
}

// runOne isolates a single download so a panic becomes a failed message, not
// a dead worker.
func (p *Pool) runOne(ctx context.Context, log *zap.Logger, msg *upstream.Message, node *task.TaskNode) (status task.DownloadStatus, path string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Download panicked", zap.Int("messageID", msg.ID), zap.Any("panic", r))
			status, path = task.StatusFailed, ""
		}
	}()
	client := node.Client()
	if client == nil {
		client = p.clientFor(node)
	}
	if client == nil {
		log.Error("No client available", zap.Int64("chatID", node.ChatID), zap.Int("messageID", msg.ID))
		return task.StatusFailed, ""
	}
	return p.download(ctx, client, msg, node)
}

func (p *Pool) notifyZip(msg *upstream.Message, node *task.TaskNode, status task.DownloadStatus, path string) {
	sink, ok := p.zips.Manager(node.ZipManagerID)
	if !ok {
		return
	}
	messageID := node.ZipMessageID
	if messageID == 0 {
		messageID = msg.ID
	}
	if (status == task.StatusSuccess || status == task.StatusSkipped) && path != "" {
		var size int64
		if fi, err := os.Stat(path); err == nil {
			size = fi.Size()
		}
		sink.OnFileDownloaded(messageID, path, size)
	} else {
		sink.OnFileFailed(messageID, "download status: "+status.String())
	}
}

func (p *Pool) callHook(log *zap.Logger, hook OutcomeHook, msg *upstream.Message, node *task.TaskNode, status task.DownloadStatus, path string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Outcome hook panicked", zap.Any("panic", r))
		}
	}()
	hook(msg, node, status, path)
}
