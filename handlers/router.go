package handlers

import (
	"net/http"
	"time"

	"github.com/camden-git/campaignstudio/repository"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// API bundles every handler the router mounts.
type API struct {
	Auth        *AuthHandler
	Products    *ProductHandler
	Models      *ModelHandler
	Scenes      *SceneHandler
	Campaigns   *CampaignHandler
	Generations *GenerationHandler
	Jobs        *JobHandler
	Billing     *BillingHandler
	Realtime    *RealtimeHandler

	Tokens         *Tokens
	Users          repository.UserRepository
	StoragePath    string
	StaticSubDirs  []string
	AllowedOrigins []string
	Log            *zap.Logger
}

// Router builds the HTTP surface: the JSON API under /api and stored assets
// under /static.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	})

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.Log))
	r.Use(middleware.Recoverer)
	r.Use(corsHandler.Handler)

	for _, sub := range a.StaticSubDirs {
		r.Get("/static/"+sub+"/*", AssetServer(a.StoragePath, sub, a.Log))
	}

	auth := AuthMiddleware(a.Tokens, a.Users, a.Log)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", a.Auth.Register)
			r.Post("/login", a.Auth.Login)
			r.With(auth).Get("/me", a.Auth.CurrentUser)
			r.With(auth).Post("/change-password", a.Auth.ChangePassword)
		})

		r.With(auth).Get("/ws", a.Realtime.Serve)

		// long running: inline generation and archive export
		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/campaigns/{id}/generate", a.Campaigns.Generate)
			r.Get("/campaigns/{id}/export", a.Campaigns.Export)
			r.Post("/products/{id}/packshots", a.Products.RerollPackshots)
			r.Post("/models/ai-generate", a.Models.AIGenerate)
		})

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/products", func(r chi.Router) {
				r.Get("/", a.Products.List)
				r.Post("/", a.Products.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.Products.Get)
					r.Put("/", a.Products.Update)
					r.Delete("/", a.Products.Delete)
				})
			})

			r.Route("/models", func(r chi.Router) {
				r.Get("/", a.Models.List)
				r.Post("/", a.Models.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.Models.Get)
					r.Put("/", a.Models.Update)
					r.Delete("/", a.Models.Delete)
					r.Get("/poses", a.Models.ListPoses)
					r.Delete("/poses/{index}", a.Models.DeletePose)
					r.Post("/generate-poses", a.Models.GeneratePoses)
				})
			})

			r.Route("/scenes", func(r chi.Router) {
				r.Get("/", a.Scenes.List)
				r.Post("/", a.Scenes.Create)
				r.Delete("/{id}", a.Scenes.Delete)
			})

			r.Route("/campaigns", func(r chi.Router) {
				r.Get("/", a.Campaigns.List)
				r.Post("/create", a.Campaigns.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", a.Campaigns.Get)
					r.Put("/", a.Campaigns.Update)
					r.Delete("/", a.Campaigns.Delete)
					r.Get("/status", a.Campaigns.Status)
				})
			})

			r.Route("/generations", func(r chi.Router) {
				r.Get("/", a.Generations.List)
				r.Get("/{id}", a.Generations.Get)
				r.Post("/{id}/generate-video", a.Generations.GenerateVideo)
			})

			r.Get("/jobs/{id}", a.Jobs.Get)
			r.Get("/credits", a.Billing.GetCredits)

			r.Route("/payments", func(r chi.Router) {
				r.Get("/packages", a.Billing.ListPackages)
				r.Post("/create-intent", a.Billing.CreateIntent)
				r.Post("/confirm", a.Billing.Confirm)
			})
		})
	})

	return r
}

// requestLogger logs one line per request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
