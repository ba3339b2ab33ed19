package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/activity"
	"github.com/Clark-Hu/watchtrail/internal/config"
	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metadata"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

func baseConfig() config.Config {
	return config.Config{
		Port:                       "0",
		ReadTimeoutSecs:            15,
		WriteTimeoutSecs:           15,
		IdleTimeoutSecs:            60,
		BatchConcurrentRequests:    5,
		BatchConcurrentGroups:      1,
		BatchDelayMs:               1000,
		BatchMaxConcurrentRequests: 20,
		BatchMaxIDs:                100,
		BatchDeadlineSecs:          600,
	}
}

// newBareServer builds a server on a plain chi router so tests see handler
// behaviour without the logging and recovery middleware.
func newBareServer(cfg config.Config, deps Dependencies) *Server {
	srv := New(cfg, deps, zerolog.Nop())
	srv.router = chi.NewRouter()
	srv.registerRoutes()
	return srv
}

func attachIDParam(req *http.Request, id string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, ctx))
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

type fakeLister struct {
	result  repository.TitleListResult
	err     error
	filters repository.TitleListFilters
}

func (f *fakeLister) List(_ context.Context, filters repository.TitleListFilters) (repository.TitleListResult, error) {
	f.filters = filters
	return f.result, f.err
}

// countingLister also reports the cache size, like the titles repository.
type countingLister struct {
	fakeLister
	count int64
}

func (c *countingLister) Count(context.Context) (int64, error) { return c.count, nil }

type fakeResolver struct {
	mu      sync.Mutex
	results map[string]metadata.Resolution
	seen    []string
}

func (f *fakeResolver) Ensure(_ context.Context, id string) metadata.Resolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	if res, ok := f.results[id]; ok {
		return res
	}
	return metadata.Resolution{Status: metadata.StatusNotFound}
}

type fakeAcquirer struct {
	ids    []string
	plan   metadata.Plan
	result metadata.AcquireResult
	panics bool
}

func (f *fakeAcquirer) Acquire(_ context.Context, ids []string, plan metadata.Plan) metadata.AcquireResult {
	if f.panics {
		panic("scheduler exploded")
	}
	f.ids = ids
	f.plan = plan
	return f.result
}

type fakeActivity struct {
	mu         sync.Mutex
	watchCount map[string]int
	watchLater map[string]bool
	marks      []string
	err        error
}

func newFakeActivity() *fakeActivity {
	return &fakeActivity{watchCount: map[string]int{}, watchLater: map[string]bool{}}
}

func (f *fakeActivity) ListWatched(_ context.Context, userID string) ([]domain.Enriched[domain.WatchedMovie], error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Enriched[domain.WatchedMovie]
	for id, count := range f.watchCount {
		out = append(out, domain.Enriched[domain.WatchedMovie]{
			Record:   domain.WatchedMovie{UserID: userID, MovieID: id, WatchCount: count},
			ID:       id,
			Metadata: &domain.Title{ID: id, Kind: domain.KindMovie, Title: "Title " + id},
		})
	}
	return out, nil
}

func (f *fakeActivity) ListWatchLater(context.Context, string) ([]domain.Enriched[domain.WatchLaterEntry], error) {
	return nil, f.err
}

func (f *fakeActivity) ListSeriesProgress(context.Context, string) ([]domain.Enriched[domain.SeriesProgress], error) {
	return nil, f.err
}

func (f *fakeActivity) RecordWatch(_ context.Context, userID, movieID string, minutes int) (domain.WatchedMovie, error) {
	if f.err != nil {
		return domain.WatchedMovie{}, f.err
	}
	if minutes < 0 {
		return domain.WatchedMovie{}, fmt.Errorf("%w: minutes must be between 0 and 1440", activity.ErrInvalidInput)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCount[movieID]++
	return domain.WatchedMovie{UserID: userID, MovieID: movieID, WatchCount: f.watchCount[movieID], TotalMinutes: minutes}, nil
}

func (f *fakeActivity) RemoveWatched(_ context.Context, _, movieID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watchCount[movieID]; !ok {
		return activity.ErrNotFound
	}
	delete(f.watchCount, movieID)
	return nil
}

func (f *fakeActivity) ToggleWatchLater(_ context.Context, _, titleID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchLater[titleID] = !f.watchLater[titleID]
	return f.watchLater[titleID], nil
}

func (f *fakeActivity) MarkEpisode(_ context.Context, _, seriesID string, season, episode int, watched bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	mark := "unmark"
	if watched {
		mark = "mark"
	}
	f.marks = append(f.marks, fmt.Sprintf("%s:%s:%d:%d", mark, seriesID, season, episode))
	return nil
}

var _ ActivityService = (*fakeActivity)(nil)

func requireStatus(t *testing.T, got, want int, body string) {
	t.Helper()
	if got != want {
		t.Fatalf("status = %d, want %d (body %s)", got, want, body)
	}
}
