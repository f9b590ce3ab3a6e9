// Package bot runs the control-bot side channel: a notifier that keeps a
// reply message updated with job progress. Everything here is advisory; a
// failed edit never slows a download.
package bot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tgdl/internal/task"
	"tgdl/internal/upstream"
	"tgdl/internal/utils"
)

// editInterval paces reply-message edits; Telegram throttles faster edits.
const editInterval = 3 * time.Second

// Notifier edits a job's reply message with live progress while the node is
// running.
type Notifier struct {
	client upstream.Client
	log    *zap.Logger

	interval time.Duration
	sleep    func(time.Duration)
}

func NewNotifier(client upstream.Client, log *zap.Logger) *Notifier {
	return &Notifier{
		client:   client,
		log:      log.Named("Notifier"),
		interval: editInterval,
		sleep:    time.Sleep,
	}
}

// Announce posts the initial status message and pins its id on the node so
// Watch can edit it.
func (n *Notifier) Announce(ctx context.Context, node *task.TaskNode, chatID int64) error {
	total, _, _, _, _ := node.Counters()
	msgID, err := n.client.SendMessage(ctx, chatID, fmt.Sprintf("Downloading %d files...", total))
	if err != nil {
		return err
	}
	node.ReplyMessageID = msgID
	node.FromUserID = chatID
	return nil
}

// Watch edits the reply message until the node stops running. It returns
// after a final summary edit. Intended to run on its own goroutine.
func (n *Notifier) Watch(ctx context.Context, node *task.TaskNode) {
	if node.ReplyMessageID == 0 || node.FromUserID == 0 {
		return
	}

	var lastText string
	for node.IsRunning() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		text := progressText(node)
		if text != lastText {
			if err := n.client.EditMessage(ctx, node.FromUserID, node.ReplyMessageID, text); err != nil {
				n.log.Debug("Progress edit failed", zap.Int64("taskID", node.TaskID), zap.Error(err))
			} else {
				lastText = text
			}
		}
		n.sleep(n.interval)
	}

	summary := summaryText(node)
	if err := n.client.EditMessage(ctx, node.FromUserID, node.ReplyMessageID, summary); err != nil {
		n.log.Debug("Summary edit failed", zap.Int64("taskID", node.TaskID), zap.Error(err))
	}
}

func progressText(node *task.TaskNode) string {
	total, finish, success, failed, skipped := node.Counters()
	return fmt.Sprintf("Downloading... %d/%d\nSuccess: %d  Failed: %d  Skipped: %d\nTransferred: %s",
		finish, total, success, failed, skipped, utils.FormatBytes(node.DownloadedBytes()))
}

func summaryText(node *task.TaskNode) string {
	total, _, success, failed, skipped := node.Counters()
	return fmt.Sprintf("Completed %d files: %d successful, %d failed, %d skipped.",
		total, success, failed, skipped)
}
