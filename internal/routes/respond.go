package routes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tgdl/internal/broker"
	"tgdl/internal/upstream"
)

// fail maps engine errors onto the structured failure body. Auth errors carry
// auth_required so the UI can route back to login.
func fail(ctx *gin.Context, err error) {
	switch {
	case upstream.IsAuthError(err) || errors.Is(err, broker.ErrNotAuthenticated):
		ctx.JSON(http.StatusUnauthorized, gin.H{
			"success":       false,
			"error":         err.Error(),
			"auth_required": true,
		})
	case errors.Is(err, broker.ErrUnknownSession), errors.Is(err, upstream.ErrNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	default:
		ctx.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

func badRequest(ctx *gin.Context, msg string) {
	ctx.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}
