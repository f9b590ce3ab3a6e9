package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	range_parser "github.com/quantumsheep/range-parser"
	"go.uber.org/zap"

	"tgdl/internal/progress"
	"tgdl/internal/zipper"
)

// LoadZip registers ZIP job submission and the combined status/download
// endpoint. The archive is served exactly once; afterwards the manager is
// gone and status returns 410.
func (e *allRoutes) LoadZip(r *Route) {
	zipLog := e.log.Named("Zip")
	defer zipLog.Info("Loaded zip routes")

	g := r.Engine.Group("/api/download/zip", e.requireAuth())
	g.POST("", e.submitZip(zipLog))
	g.GET("/status/:managerID", e.zipStatus(zipLog))
	g.POST("/cancel/:managerID", e.cancelZip(zipLog))
}

func (e *allRoutes) submitZip(logger *zap.Logger) gin.HandlerFunc {
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

		m := zipper.NewManager(req.ChatID, req.MessageIDs, e.deps.Queue, e.log)
		if err := m.Prepare(ctx.Request.Context(), client); err != nil {
			fail(ctx, err)
			return
		}
		// Registering claims ownership of every (chat, message) pair and
		// overtakes older jobs still downloading them.
		e.deps.Zips.Add(m)

		if s := e.deps.Tracker.State(); s == progress.StateIdle || s == progress.StateCompleted || s == progress.StateCancelled {
			e.deps.Tracker.SetState(progress.StateDownloading)
		}

		bgCtx, stop := context.WithCancel(context.Background())
		m.SetBackgroundStop(stop)
		go func() {
			defer stop()
			if _, err := m.StartDownloads(bgCtx, client); err != nil {
				logger.Error("Zip submission failed", zap.String("managerID", m.ID), zap.Error(err))
			}
		}()

		ctx.JSON(http.StatusOK, gin.H{
			"success":               true,
			"manager_id":            m.ID,
			"expected_zip_filename": m.Status().ZipName,
		})
	}
}

func (e *allRoutes) zipStatus(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		managerID := ctx.Param("managerID")
		m, ok := e.deps.Zips.Get(managerID)
		if !ok {
			ctx.JSON(http.StatusGone, gin.H{"success": false, "error": "zip job no longer exists"})
			return
		}

		st := m.Status()
		if ctx.Query("download") != "true" {
			ctx.JSON(http.StatusOK, gin.H{
				"success":   true,
				"completed": st.Downloaded+st.Failed == st.Requested,
				"ready":     st.ZipReady,
				"progress":  st,
			})
			return
		}

		if !st.ZipReady {
			badRequest(ctx, "archive is not ready")
			return
		}
		info, err := os.Stat(st.ZipPath)
		if err != nil || info.Size() == 0 {
			logger.Error("Archive missing or empty", zap.String("managerID", managerID), zap.Error(err))
			ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "archive missing or empty"})
			return
		}

		e.serveZip(ctx, st.ZipPath, st.ZipName, info.Size())

		// Served once; purge the job.
		e.deps.Zips.Remove(managerID)
		m.Cleanup()
		logger.Info("Archive served", zap.String("managerID", managerID), zap.String("zip", st.ZipName))
	}
}

func (e *allRoutes) serveZip(ctx *gin.Context, path, name string, size int64) {
	w := ctx.Writer
	r := ctx.Request

	ctx.Header("Accept-Ranges", "bytes")
	ctx.Header("Content-Type", "application/zip")
	ctx.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", name))

	var start, end int64
	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		start, end = 0, size-1
		ctx.Header("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
	} else {
		ranges, err := range_parser.Parse(size, rangeHeader)
		if err != nil {
			badRequest(ctx, "invalid range header")
			return
		}
		start, end = ranges[0].Start, ranges[0].End
		ctx.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		ctx.Header("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	}

	if r.Method == http.MethodHead {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	if _, err := io.CopyN(w, f, end-start+1); err != nil {
		e.log.Debug("Archive stream interrupted", zap.Error(err))
	}
}

func (e *allRoutes) cancelZip(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		managerID := ctx.Param("managerID")
		m, ok := e.deps.Zips.Get(managerID)
		if !ok {
			ctx.JSON(http.StatusGone, gin.H{"success": false, "error": "zip job no longer exists"})
			return
		}
		m.Cancel()
		e.deps.Zips.Remove(managerID)
		logger.Info("Zip job cancelled", zap.String("managerID", managerID))
		ctx.JSON(http.StatusOK, gin.H{"success": true})
	}
}
