package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultMessagePageSize = 50

// LoadGroups registers dialog and message listing for the selection UI.
func (e *allRoutes) LoadGroups(r *Route) {
	groupsLog := e.log.Named("Groups")
	defer groupsLog.Info("Loaded group routes")

	g := r.Engine.Group("/api/groups", e.requireAuth())
	g.GET("/list", e.listGroups(groupsLog))
	g.POST("/messages", e.listMessages(groupsLog))
}

func (e *allRoutes) listGroups(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := currentUser(ctx)
		groups, err := e.deps.Broker.ListGroups(ctx.Request.Context(), userID)
		if err != nil {
			logger.Error("List groups failed", zap.Int64("userID", userID), zap.Error(err))
			fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"success": true, "groups": groups})
	}
}

func (e *allRoutes) listMessages(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req struct {
			ChatID    int64 `json:"chat_id,string" binding:"required"`
			Limit     int   `json:"limit"`
			OffsetID  int   `json:"offset_id"`
			MediaOnly bool  `json:"media_only"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, "chat_id is required")
			return
		}
		if req.Limit <= 0 {
			req.Limit = defaultMessagePageSize
		}
		userID := currentUser(ctx)
		msgs, err := e.deps.Broker.ListMessages(ctx.Request.Context(), userID, req.ChatID, req.Limit, req.OffsetID, req.MediaOnly)
		if err != nil {
			logger.Error("List messages failed",
				zap.Int64("chatID", req.ChatID),
				zap.Error(err))
			fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"success": true, "messages": msgs, "count": len(msgs)})
	}
}
