// Package api is the HTTP/WS surface (C9): a chi router wiring the
// beta gate, request-id logging, and feed-trash access middleware
// ahead of the hand-routed handlers.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/forgecanvas/comfybroker/internal/config"
	"github.com/forgecanvas/comfybroker/internal/feedstore"
	"github.com/forgecanvas/comfybroker/internal/jobstore"
	"github.com/forgecanvas/comfybroker/internal/mediastore"
	"github.com/forgecanvas/comfybroker/internal/notify"
	"github.com/forgecanvas/comfybroker/internal/poststore"
	"github.com/forgecanvas/comfybroker/internal/scheduler"
	"github.com/forgecanvas/comfybroker/internal/translate"
)

// Deps bundles every collaborator a handler may need. Built once in
// cmd/server and handed to New.
type Deps struct {
	Config      *config.Config
	Workflows   *config.WorkflowConfigStore
	Media       *mediastore.Store
	Feed        *feedstore.Store
	Posts       *poststore.Store
	Jobs        *jobstore.Store
	Scheduler   *scheduler.Scheduler
	Hub         *notify.Hub
	Translator  *translate.Client
	Logger      *slog.Logger
	HealthCheck func() HealthReport
}

type api struct {
	deps     Deps
	validate *validator.Validate
}

// New builds the full chi router: middleware chain, then route
// groups, in order: beta gate, request logging, feed-trash gate,
// handlers, with static mounts bypassing logging but not the trash
// gate.
func New(deps Deps) http.Handler {
	a := &api{deps: deps, validate: validator.New()}

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(a.betaGate)

	// Static mounts sit in their own group so they skip requestLogger
	// while everything else gets the full chain; they still pass
	// through the trash gate.
	r.Group(func(r chi.Router) {
		r.Use(a.feedTrashGate)
		r.Handle("/outputs/*", http.StripPrefix("/outputs/", http.FileServer(http.Dir(deps.Config.OutputDir))))
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))
	})

	r.Group(func(r chi.Router) {
		r.Use(a.requestLogger)
		r.Use(a.feedTrashGate)

		r.Get("/healthz", a.handleHealthz)

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/generate", a.handleGenerate)
			r.Get("/jobs/metrics", a.handleJobMetrics)
			r.Get("/jobs/{id}", a.handleGetJob)
			r.Post("/jobs/{id}/cancel", a.handleCancelJob)
			r.Post("/cancel", a.handleCancelActive)
			r.Get("/workflows", a.handleListWorkflows)

			r.Get("/images", a.handleListImages)
			r.Post("/images/{id}/delete", a.handleDeleteImage)

			r.Get("/controls", a.handleListControls)
			r.Post("/controls", a.handleUploadControl)
			r.Post("/controls/{id}/delete", a.handleDeleteControl)

			r.Get("/inputs", a.handleListInputs)
			r.Post("/inputs", a.handleUploadInput)
			r.Post("/inputs/{id}/delete", a.handleDeleteInput)

			r.Get("/feed", a.handleListFeed)
			r.Get("/feed/{id}", a.handleFeedDetail)
			r.Post("/feed/publish", a.handleFeedPublish)
			r.Post("/feed/{id}/delete", a.handleFeedDelete)
			r.Post("/feed/{id}/like", a.handleFeedLike)
			r.Post("/feed/{id}/reaction", a.handleFeedReaction)

			r.With(a.translateRateLimit()).Post("/translate-prompt", a.handleTranslatePrompt)

			r.Route("/admin", func(r chi.Router) {
				r.Use(a.adminBasicAuth)
				r.Get("/feed/trash", a.handleAdminFeedTrash)
				r.Post("/feed/{id}/purge", a.handleAdminFeedPurge)
				r.Post("/images/{owner}/{id}/restore", a.handleAdminRestoreImage)
			})
		})

		r.Get("/ws/status", a.handleWSStatus)
	})

	return r
}

// translateRateLimit protects the external translation provider call
// with a per-process token bucket; the provider itself has its own
// quota, but this keeps a thundering client from burning it in one
// burst before the provider's own 429 would land.
func (a *api) translateRateLimit() func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Every(time.Second), 5)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, r, http.StatusTooManyRequests, "translate_rate_limited", "too many translation requests, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
