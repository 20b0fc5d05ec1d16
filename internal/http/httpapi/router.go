package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cartoon/internal/http/handlers"
	"cartoon/internal/middleware"
)

// Options configures the cross-cutting middleware.
type Options struct {
	Logger          zerolog.Logger
	Verifier        middleware.TokenVerifier
	CountryLookup   middleware.CountryLookup
	AllowedOrigins  []string
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.LocaleRouting(app.Locales, opts.CountryLookup, "/v1", "/api"),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Get("/presets", app.ListPresets)
		r.With(middleware.RateLimit(opts.RateLimitPerMin, time.Minute)).
			Post("/session/google", app.SessionGoogle)

		r.Group(func(r chi.Router) {
			r.Use(
				middleware.RateLimit(opts.RateLimitPerMin, time.Minute),
				middleware.AuthJWT(opts.Verifier, app.Unauthorized),
			)

			r.Post("/session/sync", app.SessionSync)
			r.Post("/session/signout", app.SessionSignOut)

			r.Route("/generation", func(r chi.Router) {
				r.Get("/", app.GenerationState)
				r.Delete("/", app.GenerationCancel)
				r.Post("/file", app.GenerationUploadFile)
				r.Put("/options", app.GenerationOptions)
				r.Post("/start", app.GenerationStart)
				r.Post("/redo", app.GenerationRedo)
				r.Post("/save", app.GenerationSave)
			})

			r.Route("/profile", func(r chi.Router) {
				r.Get("/credits", app.ProfileCredits)
				r.Get("/history", app.ProfileHistory)
			})
		})
	})

	r.Get("/*", app.Page)

	return r
}
