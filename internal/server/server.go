package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gbmm/internal/analytics"
	"gbmm/internal/config"
	"gbmm/internal/downloader"
	"gbmm/internal/gbapi"
	"gbmm/internal/indexer"
	"gbmm/internal/integrity"
	"gbmm/internal/jobs"
	"gbmm/internal/messenger"
	"gbmm/internal/storage"
)

// Services bundles the long-lived collaborators the handlers need.
type Services struct {
	Log        *slog.Logger
	Cfg        *config.Config
	Store      *storage.Store
	Messenger  *messenger.Messenger
	Client     *gbapi.Client
	Jobs       *jobs.Manager
	Indexer    *indexer.Indexer
	Downloader *downloader.Downloader
	Stats      *analytics.Stats
	Verifier   *integrity.Verifier
}

// Server is the HTTP surface over the service core.
type Server struct {
	svc    *Services
	log    *slog.Logger
	router *chi.Mux
	http   *http.Server
}

func New(svc *Services) *Server {
	s := &Server{
		svc:    svc,
		log:    svc.Log.With("component", "server"),
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks serving the configured address until Shutdown.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:    s.svc.Cfg.ListenAddr(),
		Handler: s.router,
	}
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/definitions/get", s.handleDefinitions)

		r.Route("/downloads", func(r chi.Router) {
			r.Use(s.apiKeyRequired)
			r.Post("/get", s.handleDownloadsGet)
			r.Post("/get-one", s.handleDownloadsGetOne)
			r.Post("/enqueue", s.handleDownloadsEnqueue)
		})

		r.Route("/videos", func(r chi.Router) {
			r.Use(s.apiKeyRequired)
			r.Post("/browse", s.handleVideosBrowse)
			r.Post("/get", s.handleVideosGet)
			r.Post("/get-one", s.handleVideosGetOne)
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/first-time-setup-state", s.handleSetupState)
			r.Get("/get-indexer-state", s.handleIndexerState)
			r.Get("/stats", s.handleStats)
			r.Post("/verify-files", s.handleVerifyFiles)
			r.With(s.apiKeyRequired).Post("/run-first-time-setup", s.handleFirstTimeSetup)
			r.With(s.apiKeyRequired).Post("/update-index", s.handleUpdateIndex)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/get-all", s.handleSettingsGetAll)
			r.Post("/modify", s.handleSettingsModify)
		})

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/subscribe", s.handleSubscribe)
			r.Post("/{uuid}/unsubscribe", s.handleUnsubscribe)
			r.Post("/{uuid}/get", s.handleSubscriptionGet)
			r.Post("/{uuid}/set-interests", s.handleSetInterests)
		})
	})

	s.router.Route("/media", func(r chi.Router) {
		r.Get("/recent", s.handleMediaRecent)
		r.Get("/show/list", s.handleShowList)
		r.Get("/show/{id}/info", s.handleShowInfo)
		r.Get("/show/{id}/videos", s.handleShowVideos)
		r.Get("/category/list", s.handleCategoryList)
		r.Get("/category/{id}/info", s.handleCategoryInfo)
		r.Get("/category/{id}/videos", s.handleCategoryVideos)
		r.Get("/video/{id}/info", s.handleVideoInfo)
		r.Get("/video/{id}/file", s.handleVideoFile)
		r.Get("/image/{id}", s.handleImageFile)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "elapsed", time.Since(start))
	})
}

// apiKeyRequired rejects mutating requests until an upstream API key has
// been configured.
func (s *Server) apiKeyRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.svc.Cfg.HasAPIKey() {
			s.respondError(w, http.StatusBadRequest, "no API key configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response failed", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	kinds := map[string]int{}
	for _, k := range []*gbapi.Kind{gbapi.KindVideo, gbapi.KindVideoShow, gbapi.KindVideoCategory, gbapi.KindImage} {
		kinds[k.ItemName] = k.TypeID
	}
	events := map[string]int{}
	for e := range messenger.AllEventTypes() {
		events[e.String()] = int(e)
	}
	s.respond(w, http.StatusOK, map[string]any{
		"download_statuses": storage.DownloadStatuses(),
		"job_states":        jobs.States(),
		"event_types":       events,
		"entity_kinds":      kinds,
	})
}
