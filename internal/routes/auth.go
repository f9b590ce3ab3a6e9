package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tgdl/internal/broker"
)

// LoadAuth registers the login flow: phone+code (+optional 2FA password) and
// QR, plus logout.
func (e *allRoutes) LoadAuth(r *Route) {
	authLog := e.log.Named("Auth")
	defer authLog.Info("Loaded auth routes")

	g := r.Engine.Group("/api/auth")
	g.POST("/send_code", e.sendCode(authLog))
	g.POST("/verify_code", e.verifyCode(authLog))
	g.POST("/verify_password", e.verifyPassword(authLog))
	g.POST("/qr_login", e.qrLogin(authLog))
	g.POST("/check_qr_status", e.checkQRStatus(authLog))
	g.POST("/logout", e.requireAuth(), e.logout(authLog))
}

func (e *allRoutes) sendCode(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req struct {
			Phone string `json:"phone" binding:"required"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, "phone is required")
			return
		}
		key, err := e.deps.Broker.StartAuth(ctx.Request.Context(), req.Phone)
		if err != nil {
			logger.Error("send_code failed", zap.Error(err))
			fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"success":     true,
			"session_key": key,
			// The code hash lives inside the auth conversation; the key
			// doubles as the opaque resend token.
			"phone_code_hash": key,
		})
	}
}

func (e *allRoutes) verifyCode(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req struct {
			SessionKey       string `json:"session_key" binding:"required"`
			VerificationCode string `json:"verification_code" binding:"required"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, "session_key and verification_code are required")
			return
		}
		user, err := e.deps.Broker.VerifyCode(req.SessionKey, req.VerificationCode)
		if errors.Is(err, broker.ErrPasswordRequired) {
			ctx.JSON(http.StatusOK, gin.H{"success": true, "requires_password": true})
			return
		}
		if err != nil {
			logger.Warn("verify_code failed", zap.Error(err))
			fail(ctx, err)
			return
		}
		e.sessions.issue(ctx, user.ID)
		ctx.JSON(http.StatusOK, gin.H{"success": true, "user_info": user})
	}
}

func (e *allRoutes) verifyPassword(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req struct {
			SessionKey string `json:"session_key" binding:"required"`
			Password   string `json:"password" binding:"required"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, "session_key and password are required")
			return
		}
		user, err := e.deps.Broker.VerifyPassword(req.SessionKey, req.Password)
		if err != nil {
			logger.Warn("verify_password failed", zap.Error(err))
			fail(ctx, err)
			return
		}
		e.sessions.issue(ctx, user.ID)
		ctx.JSON(http.StatusOK, gin.H{"success": true, "user_info": user})
	}
}

func (e *allRoutes) qrLogin(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		// Detached from the request context: the QR watcher outlives this
		// call and is bounded by the broker's own timeout.
		start, err := e.deps.Broker.StartQRLogin(context.Background())
		if err != nil {
			logger.Error("qr_login failed", zap.Error(err))
			fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"success":     true,
			"session_key": start.SessionKey,
			"qr_token":    start.TokenURL,
			"expires":     start.Expires,
		})
	}
}

func (e *allRoutes) checkQRStatus(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req struct {
			SessionKey string `json:"session_key" binding:"required"`
		}
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, "session_key is required")
			return
		}
		status, err := e.deps.Broker.CheckQRStatus(ctx.Request.Context(), req.SessionKey)
		if err != nil && status == nil {
			fail(ctx, err)
			return
		}
		if status.Authenticated && status.User != nil {
			e.sessions.issue(ctx, status.User.ID)
		}
		body := gin.H{
			"success":       true,
			"authenticated": status.Authenticated,
			"expired":       status.Expired,
		}
		if status.User != nil {
			body["user_info"] = status.User
		}
		if err != nil {
			logger.Debug("QR pending with error", zap.Error(err))
			body["error"] = err.Error()
		}
		ctx.JSON(http.StatusOK, body)
	}
}

func (e *allRoutes) logout(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := currentUser(ctx)
		if err := e.deps.Broker.Logout(userID); err != nil {
			logger.Warn("logout failed", zap.Int64("userID", userID), zap.Error(err))
			fail(ctx, err)
			return
		}
		e.sessions.drop(ctx)
		ctx.JSON(http.StatusOK, gin.H{"success": true})
	}
}
