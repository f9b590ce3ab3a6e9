package routes

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tgdl/internal/broker"
	"tgdl/internal/custom"
	"tgdl/internal/progress"
	"tgdl/internal/scheduler"
	"tgdl/internal/storage"
	"tgdl/internal/task"
	"tgdl/internal/zipper"
)

func newTestRouter(t *testing.T) (*gin.Engine, *allRoutes) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := broker.NewSessionStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	db, err := storage.Open(filepath.Join(t.TempDir(), "tgdl.db"))
	require.NoError(t, err)

	queue := scheduler.NewQueue()
	tracker := progress.NewTracker()
	tasks := task.NewRegistry()
	deps := Deps{
		Broker:  broker.New(1, "hash", 4, store, zap.NewNop()),
		Tracker: tracker,
		Tasks:   tasks,
		Custom:  custom.NewManager(db, queue, tracker, tasks, zap.NewNop()),
		Zips:    zipper.NewRegistry(zap.NewNop()),
		Queue:   queue,
	}

	engine := gin.New()
	Load(zap.NewNop(), engine, deps)

	all := &allRoutes{log: zap.NewNop(), deps: deps, sessions: newWebSessions()}
	return engine, all
}

func authCookie(t *testing.T, all *allRoutes, engine *gin.Engine, userID int64) *http.Cookie {
	t.Helper()
	// Issue a cookie through a throwaway handler so the middleware under
	// test accepts subsequent requests.
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	all.sessions.issue(ctx, userID)
	res := w.Result()
	require.NotEmpty(t, res.Cookies())
	return res.Cookies()[0]
}

func TestRequireAuthRejectsAnonymous(t *testing.T) {
	engine, _ := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/groups/list", nil)
	engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"auth_required":true`)
}

func TestRunStateTransitions(t *testing.T) {
	_, all := newTestRouter(t)
	engine := gin.New()
	engine.POST("/pause", all.setRunState(progress.StateDownloading, progress.StateStopDownload))
	engine.POST("/resume", all.setRunState(progress.StateStopDownload, progress.StateDownloading))

	// Pause from idle is rejected.
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pause", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, progress.StateIdle, all.deps.Tracker.State())

	all.deps.Tracker.SetState(progress.StateDownloading)
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/pause", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, progress.StateStopDownload, all.deps.Tracker.State())

	w = httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/resume", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, progress.StateDownloading, all.deps.Tracker.State())
}

func TestCancelClearsEverything(t *testing.T) {
	_, all := newTestRouter(t)
	engine := gin.New()
	engine.POST("/cancel", all.cancelAll(zap.NewNop()))

	all.deps.Tracker.SetState(progress.StateDownloading)
	all.deps.Tracker.Put(-5, 1, progress.FileProgress{FileName: "a.bin", TotalSize: 10})
	all.deps.Queue.Put(scheduler.Item{})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cancel", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, progress.StateCancelled, all.deps.Tracker.State())
	assert.Zero(t, all.deps.Queue.Len())
	assert.Empty(t, all.deps.Tracker.Snapshot())
}

func TestZipStatusGoneForUnknownManager(t *testing.T) {
	_, all := newTestRouter(t)
	engine := gin.New()
	engine.GET("/zip/status/:managerID", all.zipStatus(zap.NewNop()))

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/zip/status/nope", nil))

	assert.Equal(t, http.StatusGone, w.Code)
}

func TestPanicRecoveryReturnsStructuredError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(recoverJSON(zap.NewNop()))
	engine.GET("/boom", func(*gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "伺服器內部錯誤")
	assert.Contains(t, w.Body.String(), `"success":false`)
}

func TestDownloadStatusShape(t *testing.T) {
	engine, all := newTestRouter(t)
	cookie := authCookie(t, all, engine, 42)

	// The Load-constructed router has its own session map; exercise the
	// handler directly with an issued identity instead.
	direct := gin.New()
	direct.GET("/status", func(ctx *gin.Context) {
		ctx.Set(ctxUserID, int64(42))
		all.downloadStatus()(ctx)
	})

	all.deps.Tracker.Put(-5, 1, progress.FileProgress{FileName: "a.bin", TotalSize: 100, DownByte: 40})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.AddCookie(cookie)
	direct.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	for _, field := range []string{"total_task", "downloaded_size", "download_speed", "eta_seconds", "download_state"} {
		assert.True(t, strings.Contains(body, field), "missing %s in %s", field, body)
	}
}
