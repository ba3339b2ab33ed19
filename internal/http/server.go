package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/activity"
	"github.com/Clark-Hu/watchtrail/internal/config"
	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metadata"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

// HealthChecker reports whether the backing database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TitleLister browses the title cache.
type TitleLister interface {
	List(ctx context.Context, filters repository.TitleListFilters) (repository.TitleListResult, error)
}

// TitleResolver reads one title through the cache.
type TitleResolver interface {
	Ensure(ctx context.Context, id string) metadata.Resolution
}

// Acquirer runs bulk acquisitions.
type Acquirer interface {
	Acquire(ctx context.Context, ids []string, plan metadata.Plan) metadata.AcquireResult
}

// ActivityService is the user activity API the handlers call.
type ActivityService interface {
	ListWatched(ctx context.Context, userID string) ([]domain.Enriched[domain.WatchedMovie], error)
	ListWatchLater(ctx context.Context, userID string) ([]domain.Enriched[domain.WatchLaterEntry], error)
	ListSeriesProgress(ctx context.Context, userID string) ([]domain.Enriched[domain.SeriesProgress], error)
	RecordWatch(ctx context.Context, userID, movieID string, minutes int) (domain.WatchedMovie, error)
	RemoveWatched(ctx context.Context, userID, movieID string) error
	ToggleWatchLater(ctx context.Context, userID, titleID string) (bool, error)
	MarkEpisode(ctx context.Context, userID, seriesID string, season, episode int, watched bool) error
}

// SessionServer upgrades a request into a live-update session for userID.
type SessionServer interface {
	ServeWS(w http.ResponseWriter, r *http.Request, userID string)
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Health    HealthChecker
	Titles    TitleLister
	Resolver  TitleResolver
	Scheduler Acquirer
	Activity  ActivityService
	Sessions  SessionServer
}

var _ ActivityService = (*activity.Service)(nil)

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg     config.Config
	deps    Dependencies
	logger  zerolog.Logger
	router  chi.Router
	httpSrv *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Dependencies, logger zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "http").Logger(),
		router: r,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/titles", func(r chi.Router) {
		r.Get("/", s.handleListTitles)
		r.With(s.batchRateLimit()).Post("/batch", s.handleBatchTitles)
		r.Get("/{id}", s.handleGetTitle)
	})

	s.router.Route("/me", func(r chi.Router) {
		r.Get("/watched", s.handleListWatched)
		r.Post("/watched", s.handleRecordWatch)
		r.Delete("/watched/{id}", s.handleRemoveWatched)
		r.Get("/watch-later", s.handleListWatchLater)
		r.Put("/watch-later/{id}", s.handleToggleWatchLater)
		r.Get("/series", s.handleListSeries)
		r.Post("/series/{id}/episodes", s.handleMarkEpisode)
	})

	s.router.Get("/ws", s.handleWebSocket)
}

func (s *Server) batchRateLimit() func(http.Handler) http.Handler {
	if s.cfg.BatchRateLimitPerMin <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		s.cfg.BatchRateLimitPerMin,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many batch requests, retry later")
		}),
	)
}

// Start boots the HTTP server and blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			s.respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Database unavailable")
			return
		}
	}
	body := map[string]any{"status": "ok"}
	if statser, ok := s.deps.Health.(poolStatser); ok {
		if stat := statser.Stats(); stat != nil {
			body["db"] = map[string]int32{
				"totalConns":    stat.TotalConns(),
				"idleConns":     stat.IdleConns(),
				"acquiredConns": stat.AcquiredConns(),
			}
		}
	}
	if counter, ok := s.deps.Titles.(titleCounter); ok {
		if count, err := counter.Count(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("count cached titles")
		} else {
			body["cachedTitles"] = count
		}
	}
	s.respondJSON(w, http.StatusOK, body)
}

type titleCounter interface {
	Count(ctx context.Context) (int64, error)
}

// poolStatser is implemented by stores that can report connection-pool usage.
type poolStatser interface {
	Stats() *pgxpool.Stat
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)
	if userID == "" {
		userID = trimmedQuery(r, "user")
	}
	if userID == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user identity")
		return
	}
	if s.deps.Sessions == nil {
		s.respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Live updates unavailable")
		return
	}
	s.deps.Sessions.ServeWS(w, r, userID)
}

// requestLogger emits one structured line per request with chi's request id.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	logger = logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
