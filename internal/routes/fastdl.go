package routes

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tgdl/internal/progress"
)

// LoadFastDownload registers task submission, progress polling, and the
// run-state controls (pause / resume / cancel / cleanup).
func (e *allRoutes) LoadFastDownload(r *Route) {
	dlLog := e.log.Named("FastDownload")
	defer dlLog.Info("Loaded fast download routes")

	g := r.Engine.Group("/api/fast_download", e.requireAuth())
	g.POST("/add_tasks", e.addTasks(dlLog))
	g.GET("/status", e.downloadStatus())
	g.POST("/pause", e.setRunState(progress.StateDownloading, progress.StateStopDownload))
	g.POST("/resume", e.setRunState(progress.StateStopDownload, progress.StateDownloading))
	g.POST("/cancel", e.cancelAll(dlLog))
	g.POST("/cleanup", e.cleanup())
}

func (e *allRoutes) addTasks(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req struct {
			ChatID     int64 `json:"chat_id,string" binding:"required"`
			MessageIDs []int `json:"message_ids" binding:"required"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil || len(req.MessageIDs) == 0 {
			badRequest(ctx, "chat_id and message_ids are required")
			return
		}

		userID := currentUser(ctx)
		client, err := e.deps.Broker.GetUserClient(ctx.Request.Context(), userID)
		if err != nil {
			fail(ctx, err)
			return
		}

		if s := e.deps.Tracker.State(); s == progress.StateIdle || s == progress.StateCompleted || s == progress.StateCancelled {
			e.deps.Tracker.SetState(progress.StateDownloading)
		}

		run, err := e.deps.Custom.RunForSelected(ctx.Request.Context(), client, req.ChatID, req.MessageIDs)
		if err != nil {
			logger.Error("Task submission failed", zap.Int64("chatID", req.ChatID), zap.Error(err))
			fail(ctx, err)
			return
		}

		if len(run.Submitted) > 0 {
			// The finalizer outlives the request.
			go e.deps.Custom.UpdateDownloadStatus(context.Background(), run)
		}

		ctx.JSON(http.StatusOK, gin.H{
			"success":            true,
			"added_count":        len(run.Submitted),
			"total_count":        len(req.MessageIDs),
			"download_triggered": len(run.Submitted) > 0,
		})
	}
}

func (e *allRoutes) downloadStatus() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		snapshot := e.deps.Tracker.Snapshot()

		var downloadedSize, totalSize int64
		var current []string
		inFlight := 0
		for _, files := range snapshot {
			for _, fp := range files {
				downloadedSize += fp.DownByte
				totalSize += fp.TotalSize
				if !fp.Completed {
					inFlight++
					if fp.FileName != "" {
						current = append(current, fp.FileName)
					}
				}
			}
		}

		var total, finish int64
		for _, node := range e.deps.Tasks.Running() {
			t, f, _, _, _ := node.Counters()
			total += t
			finish += f
		}

		speed := e.deps.Tracker.TotalSpeed()
		var eta int64
		if speed > 0 && totalSize > downloadedSize {
			eta = (totalSize - downloadedSize) / speed
		}

		ctx.JSON(http.StatusOK, gin.H{
			"progress": gin.H{
				"active":          inFlight > 0,
				"total_task":      total,
				"completed_task":  finish,
				"downloaded_size": downloadedSize,
				"total_size":      totalSize,
				"download_speed":  speed,
				"remaining_files": total - finish,
				"current_files":   current,
				"eta_seconds":     eta,
			},
			"session":        gin.H{"user_id": currentUser(ctx)},
			"download_state": e.deps.Tracker.State().String(),
		})
	}
}

// setRunState transitions the global run state only when it currently holds
// the expected value.
func (e *allRoutes) setRunState(from, to progress.State) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if e.deps.Tracker.State() != from {
			badRequest(ctx, "invalid state transition from "+e.deps.Tracker.State().String())
			return
		}
		e.deps.Tracker.SetState(to)
		ctx.JSON(http.StatusOK, gin.H{"success": true, "download_state": to.String()})
	}
}

// cancelAll is the hard stop: every node, every zip job, the queue backlog,
// and the progress map are cleared.
func (e *allRoutes) cancelAll(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		e.deps.Tracker.SetState(progress.StateCancelled)
		e.deps.Tasks.StopAll()
		dropped := e.deps.Queue.Drain()
		e.deps.Zips.CancelAll()
		e.deps.Zips.SweepOrphans()
		e.deps.Tracker.Clear()
		logger.Info("Cancelled all downloads", zap.Int("droppedFromQueue", dropped))
		ctx.JSON(http.StatusOK, gin.H{"success": true, "download_state": progress.StateCancelled.String()})
	}
}

// cleanup resets a finished or cancelled session back to idle.
func (e *allRoutes) cleanup() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		e.deps.Tracker.Clear()
		e.deps.Tracker.SetState(progress.StateIdle)
		ctx.JSON(http.StatusOK, gin.H{"success": true, "download_state": progress.StateIdle.String()})
	}
}
