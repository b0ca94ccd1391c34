package handler

import (
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/room-relay/backend/internal/handler/diag"
	"github.com/zhouzirui/room-relay/backend/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/room-relay/backend/internal/middleware"
	"github.com/zhouzirui/room-relay/backend/pkg/utils"
)

// Deps 路由依赖
type Deps struct {
	Dispatcher *relay.Dispatcher
	Registry   *relay.Registry
	// Diag 为空时不注册诊断接口
	Diag      *diag.Handler
	StaticDir string
	Log       logrus.FieldLogger
}

// NewRouter wires HTTP routes to the relay and its diagnostics.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Log))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": deps.Registry.Count(),
		})
	})

	deps.Dispatcher.RegisterRoutes(r)

	if deps.Diag != nil {
		deps.Diag.RegisterRoutes(r)
	}

	static := deps.StaticDir
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(static))))
	r.Get("/crossdomain.xml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(static, "crossdomain.xml"))
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(static, "index.html"))
	})

	return r
}
