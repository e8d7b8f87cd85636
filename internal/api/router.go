// Package api wires the HTTP surface: routing, auth, rate limits, and the
// operational endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/api/handlers"
	mw "github.com/puo-memo/puomemo/internal/api/middleware"
	"github.com/puo-memo/puomemo/internal/attachments"
	"github.com/puo-memo/puomemo/internal/buildconfig"
	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/config"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/embedding"
	"github.com/puo-memo/puomemo/internal/events"
	"github.com/puo-memo/puomemo/internal/graph"
	"github.com/puo-memo/puomemo/internal/search"
	"github.com/puo-memo/puomemo/internal/service"
	"github.com/puo-memo/puomemo/internal/storage"
	"github.com/puo-memo/puomemo/internal/store"
	"github.com/puo-memo/puomemo/internal/vision"
	"github.com/puo-memo/puomemo/internal/ws"
)

// Deps carries the constructed components the router exposes. Wiring of
// providers, stores, and background workers happens in cmd/server.
type Deps struct {
	Pool        *store.Pool
	Tenants     domain.TenantStore
	Memories    *service.MemoryService
	Versions    *service.VersioningService
	Planner     *search.Planner
	Graph       *graph.Service
	Attachments *attachments.Service
	Extras      domain.ExtrasStore
	Cache       domain.Cache
	Bus         *events.Bus
	Hub         *ws.Hub
}

// App holds the router plus process-level metrics state.
type App struct {
	Router *chi.Mux

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(cfg *config.Config, d Deps, logger *zap.Logger) *App {
	r := chi.NewRouter()
	app := &App{Router: r, startTime: time.Now()}

	memoryHandler := handlers.NewMemoryHandler(d.Memories)
	versionHandler := handlers.NewVersionHandler(d.Versions)
	searchHandler := handlers.NewSearchHandler(d.Planner)
	graphHandler := handlers.NewGraphHandler(d.Graph)
	attachmentHandler := handlers.NewAttachmentHandler(d.Memories, d.Attachments)
	extrasHandler := handlers.NewExtrasHandler(d.Memories, d.Extras)
	tenantHandler := handlers.NewTenantHandler(d.Tenants, d.Bus)
	wsHandler := handlers.NewWSHandler(d.Hub)

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters).
	r.Use(mw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(mw.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	r.Get("/health", app.healthHandler(d.Pool))
	r.Get("/metrics", app.metricsHandler(d.Cache))

	// Tenant creation is the unauthenticated bootstrap endpoint.
	r.Post("/v1/tenants", tenantHandler.Create)

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(d.Tenants))
		r.Use(mw.TenantRateLimit(cfg.TenantWindowLimit, cfg.TenantWindow))

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", memoryHandler.Create)
			r.Get("/", memoryHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", memoryHandler.GetByID)
				r.Patch("/", memoryHandler.Update)
				r.Delete("/", memoryHandler.Delete)

				r.Post("/corrections", memoryHandler.AddCorrection)
				r.Get("/corrections", memoryHandler.ListCorrections)

				r.Get("/versions", versionHandler.History)
				r.Get("/versions/compare", versionHandler.Compare)
				r.Get("/versions/{version}", versionHandler.GetVersion)
				r.Post("/versions/prune", versionHandler.Prune)
				r.Post("/rollback", versionHandler.Rollback)

				r.Post("/attachments", attachmentHandler.Add)
				r.Get("/attachments", attachmentHandler.ListByMemory)

				r.Get("/action-items", extrasHandler.ListActionItems)
				r.Patch("/action-items/{itemID}", extrasHandler.UpdateActionItem)
				r.Get("/references", extrasHandler.ListReferences)
			})
		})

		r.Route("/attachments/{attachmentID}", func(r chi.Router) {
			r.Get("/", attachmentHandler.GetByID)
			r.Get("/download", attachmentHandler.Download)
		})

		r.Post("/search", searchHandler.Search)
		r.Get("/search", searchHandler.SearchGet)

		r.Get("/entities", graphHandler.SearchEntities)
		r.Get("/graph/neighborhood", graphHandler.Neighborhood)

		r.Post("/conversations/links", extrasHandler.LinkConversations)
		r.Get("/conversations/{conversationID}/links", extrasHandler.ListConversationLinks)

		r.Route("/users", func(r chi.Router) {
			r.Post("/", tenantHandler.CreateUser)
			r.Delete("/{userID}", tenantHandler.DeleteUser)
		})

		r.Get("/ws", wsHandler.Connect)
	})

	return app
}

func (app *App) healthHandler(pool *store.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := pool.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler(c domain.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
			"build":      buildconfig.VersionInfo(),
		}
		if sr, ok := c.(cache.StatsReporter); ok {
			response["cache"] = sr.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and providers satisfy their interfaces at compile time.
var (
	_ domain.TenantStore     = (*store.TenantStore)(nil)
	_ domain.MemoryStore     = (*store.MemoryStore)(nil)
	_ domain.VersionStore    = (*store.VersionStore)(nil)
	_ domain.CorrectionStore = (*store.CorrectionStore)(nil)
	_ domain.AttachmentStore = (*store.AttachmentStore)(nil)
	_ domain.EntityStore     = (*store.EntityStore)(nil)
	_ domain.ExtrasStore     = (*store.ExtrasStore)(nil)
	_ domain.Embedder        = (*embedding.OpenAIClient)(nil)
	_ domain.Embedder        = (*embedding.MockClient)(nil)
	_ domain.VisionAnalyzer  = (*vision.OpenAIClient)(nil)
	_ domain.VisionAnalyzer  = (*vision.MockClient)(nil)
	_ domain.StorageBackend  = (*storage.Local)(nil)
	_ domain.StorageBackend  = (*storage.S3)(nil)
)
