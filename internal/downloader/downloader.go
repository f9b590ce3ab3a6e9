// Package downloader implements the per-message media download routine: name
// resolution, format filtering, temp-file download with size verification and
// the retry ladder for upstream error classes.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tgdl/internal/progress"
	"tgdl/internal/task"
	"tgdl/internal/upstream"
	"tgdl/internal/utils"
)

// Path prefix segments accepted in Options.PathPrefixes.
const (
	PrefixChatTitle     = "chat_title"
	PrefixMediaDatetime = "media_datetime"
	PrefixMediaType     = "media_type"
)

const (
	maxAttempts  = 3
	retryTimeout = 3 * time.Second
)

// Options is the static configuration of the download routine.
type Options struct {
	SavePath    string
	BotSavePath string
	TempPath    string

	// MediaTypes is the match order; the first media field present on the
	// message wins.
	MediaTypes []upstream.MediaType
	// FileFormats restricts audio/document/video by extension; a leading
	// "all" entry disables the filter for that type.
	FileFormats map[upstream.MediaType][]string

	PathPrefixes []string
	DateFormat   string

	EnableDownloadTxt bool
}

// Downloader resolves targets and runs transfers for single messages. Safe
// for concurrent use by the worker pool.
type Downloader struct {
	opts    Options
	tracker *progress.Tracker
	log     *zap.Logger

	sleep func(time.Duration)
	now   func() time.Time
}

func New(opts Options, tracker *progress.Tracker, log *zap.Logger) *Downloader {
	if opts.TempPath == "" {
		opts.TempPath = os.TempDir()
	}
	if opts.DateFormat == "" {
		opts.DateFormat = "2006_01"
	}
	return &Downloader{
		opts:    opts,
		tracker: tracker,
		log:     log.Named("Downloader"),
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// target is the resolved destination for one message's media.
type target struct {
	media     *upstream.Media
	mediaType upstream.MediaType
	finalPath string
	uiName    string
}

// DownloadMedia runs the full routine for one message and reports the
// terminal status plus the path written ("" when nothing was produced).
func (d *Downloader) DownloadMedia(ctx context.Context, client upstream.Client, msg *upstream.Message, node *task.TaskNode) (task.DownloadStatus, string) {
	fresh, err := client.FetchMessage(ctx, msg)
	if err != nil {
		d.log.Warn("Refetch failed, using queued copy", zap.Int("messageID", msg.ID), zap.Error(err))
	} else if fresh != nil {
		msg = fresh
	}

	tgt, status := d.resolveTarget(msg, node)
	if tgt == nil {
		if status == task.StatusSkipped && !msg.HasMedia() {
			return d.maybeSaveText(msg, node)
		}
		return status, ""
	}

	// ZIP jobs collect their files in the packager's staging dir; the
	// archive step deletes them afterwards, so none may land in the
	// library tree.
	if node.ZipManagerID != "" {
		dir := node.ZipTempDir
		if dir == "" {
			dir = filepath.Join(d.opts.TempPath, "tgdl_dl_"+uuid.NewString())
			if err := os.MkdirAll(dir, 0o755); err != nil {
				d.log.Error("Staging dir create failed", zap.Error(err))
				return task.StatusFailed, ""
			}
		}
		tgt.finalPath = filepath.Join(dir, filepath.Base(tgt.finalPath))
	}

	return d.transfer(ctx, client, msg, node, tgt)
}

// resolveTarget walks the configured media-type order and computes the final
// path. A nil target with StatusSkipped means no downloadable media.
func (d *Downloader) resolveTarget(msg *upstream.Message, node *task.TaskNode) (*target, task.DownloadStatus) {
	for _, t := range d.opts.MediaTypes {
		media := msg.MediaOfType(t)
		if media == nil {
			continue
		}

		format := d.fileFormat(t, media)
		fileName := d.fileName(msg, t, media, format)

		if !d.formatAllowed(t, format) {
			d.log.Debug("Format filtered",
				zap.Int("messageID", msg.ID), zap.String("format", format))
			return nil, task.StatusSkipped
		}

		dir := d.saveDir(msg, node, t, media)
		finalPath := utils.TruncateFilename(filepath.Join(dir, fileName))

		tgt := &target{
			media:     media,
			mediaType: t,
			finalPath: finalPath,
			uiName:    filepath.Base(finalPath),
		}
		// ZIP jobs always fetch a fresh copy into their staging dir, so
		// the library exists-check applies to plain jobs only.
		if node.ZipManagerID == "" {
			if _, err := os.Stat(finalPath); err == nil {
				d.log.Info("Already downloaded, skipping",
					zap.Int("messageID", msg.ID), zap.String("file", tgt.uiName))
				return nil, task.StatusSkipped
			}
		}
		return tgt, task.StatusDownloading
	}
	return nil, task.StatusSkipped
}

func (d *Downloader) fileFormat(t upstream.MediaType, media *upstream.Media) string {
	switch t {
	case upstream.MediaAudio, upstream.MediaDocument, upstream.MediaVideo,
		upstream.MediaVoice, upstream.MediaVideoNote:
		return strings.TrimPrefix(utils.GetExtension(media.FileID, media.MimeType), ".")
	default:
		if ext := filepath.Ext(media.FileName); ext != "" {
			return strings.TrimPrefix(ext, ".")
		}
		return strings.TrimPrefix(utils.GetExtension(media.FileID, media.MimeType), ".")
	}
}

func (d *Downloader) fileName(msg *upstream.Message, t upstream.MediaType, media *upstream.Media, format string) string {
	switch t {
	case upstream.MediaVoice, upstream.MediaVideoNote:
		stamp := media.Date.UTC().Format("2006-01-02T15-04-05")
		return fmt.Sprintf("%d - %s_%s.%s", msg.ID, t, stamp, format)
	}
	if media.FileName != "" {
		return fmt.Sprintf("%d - %s", msg.ID, utils.ValidateTitle(media.FileName))
	}
	if caption := strings.TrimSpace(msg.Caption); caption != "" {
		return fmt.Sprintf("%d - %s.%s", msg.ID, utils.ValidateTitle(caption), format)
	}
	return fmt.Sprintf("%d.%s", msg.ID, format)
}

func (d *Downloader) formatAllowed(t upstream.MediaType, format string) bool {
	switch t {
	case upstream.MediaAudio, upstream.MediaDocument, upstream.MediaVideo:
	default:
		return true
	}
	allowed := d.opts.FileFormats[t]
	if len(allowed) == 0 || allowed[0] == "all" {
		return true
	}
	return utils.Contains(allowed, strings.ToLower(format))
}

func (d *Downloader) saveDir(msg *upstream.Message, node *task.TaskNode, t upstream.MediaType, media *upstream.Media) string {
	base := d.opts.SavePath
	if node.ReplyMessageID != 0 && d.opts.BotSavePath != "" {
		base = d.opts.BotSavePath
	}
	parts := []string{base}
	for _, p := range d.opts.PathPrefixes {
		switch p {
		case PrefixChatTitle:
			title := msg.ChatTitle
			if title == "" {
				title = fmt.Sprintf("Chat_%d", msg.ChatID)
			}
			parts = append(parts, utils.ValidateTitle(title))
		case PrefixMediaDatetime:
			parts = append(parts, media.Date.UTC().Format(d.opts.DateFormat))
		case PrefixMediaType:
			parts = append(parts, string(t))
		}
	}
	return filepath.Join(parts...)
}

// transfer runs the attempt loop with the retry ladder.
func (d *Downloader) transfer(ctx context.Context, client upstream.Client, msg *upstream.Message, node *task.TaskNode, tgt *target) (task.DownloadStatus, string) {
	tempPath := filepath.Join(d.opts.TempPath,
		fmt.Sprintf("%d_%d_%s.temp", msg.ChatID, msg.ID, uuid.NewString()))

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if node.Stopped() {
			return task.StatusFailed, ""
		}

		start := d.now()
		onProgress := func(downloaded, total int64) error {
			return d.tracker.UpdateProgress(downloaded, total, msg.ID, tgt.uiName, start, node)
		}

		written, err := client.DownloadMedia(ctx, msg, tempPath, onProgress)
		if err == nil {
			if written == "" {
				d.log.Error("Upstream returned empty path", zap.Int("messageID", msg.ID))
				return task.StatusFailed, ""
			}
			err = d.verifySize(written, tgt.media)
			if err == nil {
				final, mvErr := d.finalize(written, tgt.finalPath)
				if mvErr != nil {
					d.log.Error("Move to final path failed",
						zap.String("file", tgt.uiName), zap.Error(mvErr))
					return task.StatusFailed, ""
				}
				return task.StatusSuccess, final
			}
			// Fall through: the size mismatch is handled as a stale
			// reference below.
		}

		switch {
		case errors.Is(err, upstream.ErrTransmissionStopped):
			return task.StatusFailed, ""
		case errors.Is(err, upstream.ErrBadRequest):
			if attempt == maxAttempts-1 {
				d.log.Error("Stale file reference, giving up",
					zap.Int("messageID", msg.ID))
				return task.StatusFailed, ""
			}
			d.sleep(retryTimeout)
			if fresh, ferr := client.FetchMessage(ctx, msg); ferr == nil && fresh != nil {
				msg = fresh
			}
		case errors.Is(err, upstream.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			if attempt == maxAttempts-1 {
				d.log.Error("Timed out, giving up", zap.Int("messageID", msg.ID))
				return task.StatusFailed, ""
			}
			d.sleep(retryTimeout)
		default:
			if wait, ok := upstream.AsFloodWait(err); ok {
				d.log.Warn("Flood wait", zap.Duration("wait", wait), zap.Int("messageID", msg.ID))
				d.sleep(wait)
				continue
			}
			d.log.Error("Download failed", zap.Int("messageID", msg.ID), zap.Error(err))
			return task.StatusFailed, ""
		}
	}
	return task.StatusFailed, ""
}

// verifySize deletes the temp file and reports a stale reference when the
// written size disagrees with the declared media size.
func (d *Downloader) verifySize(path string, media *upstream.Media) error {
	if media.FileSize <= 0 {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat temp file: %w", upstream.ErrBadRequest)
	}
	if fi.Size() != media.FileSize {
		os.Remove(path)
		return fmt.Errorf("size mismatch %d != %d: %w", fi.Size(), media.FileSize, upstream.ErrBadRequest)
	}
	return nil
}

// finalize moves the temp file into place, creating the directory tree.
func (d *Downloader) finalize(tempPath, finalPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(tempPath, finalPath); err == nil {
		return finalPath, nil
	}
	// Rename fails across filesystems; copy then remove.
	if err := copyFile(tempPath, finalPath); err != nil {
		return "", err
	}
	os.Remove(tempPath)
	return finalPath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// maybeSaveText writes a text-only message to a .txt file when the feature is
// enabled for this job.
func (d *Downloader) maybeSaveText(msg *upstream.Message, node *task.TaskNode) (task.DownloadStatus, string) {
	if !d.opts.EnableDownloadTxt && !node.IsCustomDownload {
		return task.StatusSkipped, ""
	}
	if strings.TrimSpace(msg.Text) == "" {
		return task.StatusSkipped, ""
	}

	base := d.opts.SavePath
	if node.ReplyMessageID != 0 && d.opts.BotSavePath != "" {
		base = d.opts.BotSavePath
	}
	dir := base
	if utils.Contains(d.opts.PathPrefixes, PrefixChatTitle) {
		title := msg.ChatTitle
		if title == "" {
			title = fmt.Sprintf("Chat_%d", msg.ChatID)
		}
		dir = filepath.Join(base, utils.ValidateTitle(title))
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.txt", msg.ID))
	if _, err := os.Stat(path); err == nil {
		return task.StatusSkipped, path
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.log.Error("Text dir create failed", zap.Error(err))
		return task.StatusFailed, ""
	}
	if err := os.WriteFile(path, []byte(msg.Text), 0o644); err != nil {
		d.log.Error("Text write failed", zap.Int("messageID", msg.ID), zap.Error(err))
		return task.StatusFailed, ""
	}
	return task.StatusSuccess, path
}
