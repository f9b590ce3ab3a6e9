package routes

import (
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tgdl/internal/broker"
	"tgdl/internal/custom"
	"tgdl/internal/progress"
	"tgdl/internal/scheduler"
	"tgdl/internal/task"
	"tgdl/internal/zipper"
)

type Route struct {
	Name   string
	Engine *gin.Engine
}

func (r *Route) Init(engine *gin.Engine) {
	r.Engine = engine
}

// Deps carries the engine components the control surface wraps. Handlers are
// stateless over these.
type Deps struct {
	Broker  *broker.Broker
	Tracker *progress.Tracker
	Tasks   *task.Registry
	Custom  *custom.Manager
	Zips    *zipper.Registry
	Queue   *scheduler.Queue
}

type allRoutes struct {
	log      *zap.Logger
	deps     Deps
	sessions *webSessions
}

func Load(log *zap.Logger, r *gin.Engine, deps Deps) {
	log = log.Named("routes")
	defer log.Sugar().Info("Loaded all API routes")

	r.Use(recoverJSON(log))

	route := &Route{Name: "/", Engine: r}
	route.Init(r)
	all := &allRoutes{
		log:      log,
		deps:     deps,
		sessions: newWebSessions(),
	}
	Type := reflect.TypeOf(all)
	Value := reflect.ValueOf(all)
	for i := 0; i < Type.NumMethod(); i++ {
		Type.Method(i).Func.Call([]reflect.Value{Value, reflect.ValueOf(route)})
	}
}

// recoverJSON converts handler panics into the structured 500 body so the
// process never dies on a request.
func recoverJSON(log *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("Handler panic", zap.Any("panic", r), zap.String("path", ctx.Request.URL.Path))
				ctx.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"success": false,
					"error":   "伺服器內部錯誤",
				})
			}
		}()
		ctx.Next()
	}
}
