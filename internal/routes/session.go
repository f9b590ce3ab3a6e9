package routes

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	sessionCookie = "tgdl_session"
	// cookieMaxAge keeps the login for 30 days; the blob store is the real
	// source of truth, the cookie only names the user.
	cookieMaxAge = 30 * 24 * 60 * 60

	ctxUserID = "userID"
)

// webSessions maps opaque cookie values to authenticated user ids.
type webSessions struct {
	mu    sync.Mutex
	users map[string]int64
}

func newWebSessions() *webSessions {
	return &webSessions{users: make(map[string]int64)}
}

func (s *webSessions) issue(ctx *gin.Context, userID int64) {
	token := uuid.NewString()
	s.mu.Lock()
	s.users[token] = userID
	s.mu.Unlock()
	ctx.SetCookie(sessionCookie, token, cookieMaxAge, "/", "", false, true)
}

func (s *webSessions) lookup(ctx *gin.Context) (int64, bool) {
	token, err := ctx.Cookie(sessionCookie)
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.users[token]
	return userID, ok
}

func (s *webSessions) drop(ctx *gin.Context) {
	token, err := ctx.Cookie(sessionCookie)
	if err == nil {
		s.mu.Lock()
		delete(s.users, token)
		s.mu.Unlock()
	}
	ctx.SetCookie(sessionCookie, "", -1, "/", "", false, true)
}

// requireAuth resolves the cookie to a user id or rejects with the
// auth_required shape the UI routes on.
func (e *allRoutes) requireAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID, ok := e.sessions.lookup(ctx)
		if !ok {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success":       false,
				"error":         "not authenticated",
				"auth_required": true,
			})
			return
		}
		ctx.Set(ctxUserID, userID)
		ctx.Next()
	}
}

func currentUser(ctx *gin.Context) int64 {
	return ctx.GetInt64(ctxUserID)
}
