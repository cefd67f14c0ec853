package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/misszhang/rosterboard/internal/health"
	"github.com/misszhang/rosterboard/internal/http/handler"
	"github.com/misszhang/rosterboard/internal/http/middleware"
	"github.com/misszhang/rosterboard/internal/http/response"
)

type Dependencies struct {
	WeChatHandler   *handler.WeChatHandler
	LoginHandler    *handler.LoginHandler
	ContactHandler  *handler.ContactHandler
	ScheduleHandler *handler.ScheduleHandler
	SiteHandler     *handler.SiteHandler
	Sessions        middleware.SessionVerifier
	CORSOrigins     []string
	BodyLimitBytes  int64
	Readiness       *health.ProbeRunner
	EnableOTelHTTP  bool
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.StructuredRequestLogger)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(dep.CORSOrigins))

	bodyLimit := dep.BodyLimitBytes
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	limited := middleware.BodyLimit(1 << 20)
	requireSession := middleware.AuthMiddleware(dep.Sessions)

	r.Get("/health", dep.SiteHandler.Health)
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})
	r.Get("/MP_verify_{code}.txt", dep.SiteHandler.VerifyFile)

	r.Route("/wechat", func(r chi.Router) {
		r.Use(limited)
		r.Get("/message", dep.WeChatHandler.Verify)
		r.Post("/message", dep.WeChatHandler.Receive)
		r.Post("/login/start", dep.LoginHandler.Start)
		r.Post("/check_login_status", dep.LoginHandler.CheckStatus)
		r.Post("/manual_login", dep.LoginHandler.ManualLogin)
		r.Post("/logout", dep.LoginHandler.Logout)
		r.Post("/refresh", dep.LoginHandler.Refresh)
	})

	r.Route("/api", func(r chi.Router) {
		r.With(limited).Post("/contact", dep.ContactHandler.Create)
		r.With(requireSession).Get("/contact", dep.ContactHandler.List)
		r.With(requireSession).Get("/me", dep.LoginHandler.Me)
		r.With(requireSession).Get("/sessions/count", dep.LoginHandler.SessionCount)

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", dep.ScheduleHandler.Weeks)
			r.Get("/images", dep.ScheduleHandler.Images)
			r.Get("/{week}", dep.ScheduleHandler.Get)
			r.Get("/{week}/image", dep.ScheduleHandler.LatestImage)
			r.Group(func(r chi.Router) {
				r.Use(requireSession)
				r.With(limited).Put("/{week}", dep.ScheduleHandler.Put)
				r.With(limited).Delete("/{week}", dep.ScheduleHandler.Delete)
				r.With(middleware.BodyLimit(bodyLimit)).Post("/{week}/image", dep.ScheduleHandler.UploadImage)
			})
		})
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
