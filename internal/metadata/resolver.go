// Package metadata is the acquisition layer between the title catalog and the
// persistent title cache: the cache-aside resolver, the wave scheduler for bulk
// acquisition and the enricher that projects cached metadata onto activity records.
package metadata

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Clark-Hu/watchtrail/internal/catalog"
	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metrics"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

// TitleStore is the persistent title cache the resolver reads through.
type TitleStore interface {
	Get(ctx context.Context, id string) (domain.Title, error)
	GetMany(ctx context.Context, ids []string) (map[string]domain.Title, error)
	Upsert(ctx context.Context, title domain.Title) error
}

// Status describes how a Resolution was reached.
type Status int

const (
	StatusInvalid Status = iota
	StatusCached
	StatusFetched
	// StatusStale means a refresh failed and the expired cached record was returned.
	StatusStale
	StatusNotFound
	StatusUpstreamError
	// StatusStoreError means the title was fetched but could not be persisted.
	StatusStoreError
)

func (s Status) String() string {
	switch s {
	case StatusCached:
		return "cached"
	case StatusFetched:
		return "fetched"
	case StatusStale:
		return "stale"
	case StatusNotFound:
		return "not_found"
	case StatusUpstreamError:
		return "upstream_error"
	case StatusStoreError:
		return "store_error"
	default:
		return "invalid"
	}
}

// Resolution is the outcome of Ensure. Title is set whenever metadata is
// available, including StatusStale and StatusStoreError.
type Resolution struct {
	Title  *domain.Title
	Status Status
	Err    error
}

// OK reports whether metadata is available.
func (r Resolution) OK() bool {
	return r.Title != nil
}

// ResolverOptions tunes a Resolver.
type ResolverOptions struct {
	// TTL marks cached records stale after this age. Zero keeps records forever.
	TTL time.Duration
	// FetchTimeout bounds each upstream call.
	FetchTimeout time.Duration
	// SingleFlight collapses concurrent misses for the same id into one fetch.
	SingleFlight bool
	Logger       zerolog.Logger
	Now          func() time.Time
}

// Resolver implements cache-aside reads of title metadata.
type Resolver struct {
	store        TitleStore
	client       catalog.Client
	ttl          time.Duration
	fetchTimeout time.Duration
	flight       *singleflight.Group
	logger       zerolog.Logger
	now          func() time.Time
}

// NewResolver wires a resolver over the cache store and the catalog client.
func NewResolver(store TitleStore, client catalog.Client, opts ResolverOptions) *Resolver {
	r := &Resolver{
		store:        store,
		client:       client,
		ttl:          opts.TTL,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger.With().Str("component", "resolver").Logger(),
		now:          opts.Now,
	}
	if r.fetchTimeout <= 0 {
		r.fetchTimeout = 10 * time.Second
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.SingleFlight {
		r.flight = &singleflight.Group{}
	}
	return r
}

// Ensure returns the cached record for id, fetching and persisting it on a
// miss. It never returns an error to the caller; degradations are reported
// through the Resolution status.
func (r *Resolver) Ensure(ctx context.Context, id string) Resolution {
	id = strings.TrimSpace(id)
	if id == "" {
		return Resolution{Status: StatusInvalid, Err: catalog.ErrInvalidID}
	}

	var stale *domain.Title
	cached, err := r.store.Get(ctx, id)
	switch {
	case err == nil && !cached.StaleAfter(r.ttl, r.now()):
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Resolution{Title: &cached, Status: StatusCached}
	case err == nil:
		metrics.CacheLookups.WithLabelValues("stale").Inc()
		stale = &cached
	case errors.Is(err, repository.ErrNotFound):
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	default:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		r.logger.Warn().Err(err).Str("title_id", id).Msg("cache lookup failed, treating as miss")
	}

	res := r.fetch(ctx, id)
	if !res.OK() && stale != nil {
		r.logger.Warn().Err(res.Err).Str("title_id", id).Msg("refresh failed, serving stale record")
		return Resolution{Title: stale, Status: StatusStale, Err: res.Err}
	}
	return res
}

func (r *Resolver) fetch(ctx context.Context, id string) Resolution {
	if r.flight == nil {
		return r.fetchAndPersist(ctx, id)
	}
	// The shared fetch must outlive any single caller; each caller still
	// stops waiting when its own ctx ends.
	flight := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(id, func() (any, error) {
		return r.fetchAndPersist(flight, id), nil
	})
	select {
	case <-ctx.Done():
		return Resolution{Status: StatusUpstreamError, Err: ctx.Err()}
	case out := <-ch:
		res := out.Val.(Resolution)
		if res.Title != nil {
			// Callers share the flight result; hand each its own copy.
			title := *res.Title
			res.Title = &title
		}
		return res
	}
}

func (r *Resolver) fetchAndPersist(ctx context.Context, id string) Resolution {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	raw, err := r.client.FetchTitle(fetchCtx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			r.logger.Debug().Str("title_id", id).Msg("title not in catalog")
			return Resolution{Status: StatusNotFound, Err: err}
		}
		r.logger.Warn().Err(err).Str("title_id", id).Msg("catalog fetch failed")
		return Resolution{Status: StatusUpstreamError, Err: err}
	}
	if raw == nil {
		return Resolution{Status: StatusUpstreamError, Err: errors.New("catalog returned empty body")}
	}

	title := Normalize(*raw, id, r.now())
	if err := r.store.Upsert(ctx, title); err != nil {
		metrics.CacheWrites.WithLabelValues("error").Inc()
		r.logger.Error().Err(err).Str("title_id", id).Msg("persist fetched title")
		return Resolution{Title: &title, Status: StatusStoreError, Err: err}
	}
	metrics.CacheWrites.WithLabelValues("ok").Inc()
	return Resolution{Title: &title, Status: StatusFetched}
}

// EnsureMany resolves a group of ids with one bulk cache read and batched
// upstream calls for the misses. The result is aligned with ids; unresolved
// slots are nil.
func (r *Resolver) EnsureMany(ctx context.Context, ids []string) []*domain.Title {
	out := make([]*domain.Title, len(ids))
	unique := uniqueIDs(ids, func(id string) string { return id })
	if len(unique) == 0 {
		return out
	}

	found, err := r.store.GetMany(ctx, unique)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Add(float64(len(unique)))
		r.logger.Warn().Err(err).Int("ids", len(unique)).Msg("bulk cache lookup failed, treating as misses")
		found = map[string]domain.Title{}
	}

	now := r.now()
	missing := make([]string, 0, len(unique))
	for _, id := range unique {
		title, ok := found[id]
		switch {
		case !ok:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
			missing = append(missing, id)
		case title.StaleAfter(r.ttl, now):
			metrics.CacheLookups.WithLabelValues("stale").Inc()
			missing = append(missing, id)
		default:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
		}
	}

	for start := 0; start < len(missing); start += catalog.MaxBatchSize {
		end := min(start+catalog.MaxBatchSize, len(missing))
		for _, title := range r.fetchBatch(ctx, missing[start:end]) {
			found[title.ID] = title
		}
	}

	for i, id := range ids {
		if title, ok := found[strings.TrimSpace(id)]; ok {
			out[i] = &title
		}
	}
	return out
}

func (r *Resolver) fetchBatch(ctx context.Context, ids []string) []domain.Title {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()

	raws, err := r.client.BatchGet(fetchCtx, ids)
	if err != nil {
		r.logger.Warn().Err(err).Strs("title_ids", ids).Msg("catalog batch fetch failed")
		return nil
	}

	requested := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		requested[id] = struct{}{}
	}
	now := r.now()
	titles := make([]domain.Title, 0, len(raws))
	for _, raw := range raws {
		if _, ok := requested[raw.ID]; !ok {
			continue
		}
		title := Normalize(raw, raw.ID, now)
		if err := r.store.Upsert(ctx, title); err != nil {
			metrics.CacheWrites.WithLabelValues("error").Inc()
			r.logger.Error().Err(err).Str("title_id", title.ID).Msg("persist fetched title")
		} else {
			metrics.CacheWrites.WithLabelValues("ok").Inc()
		}
		titles = append(titles, title)
	}
	return titles
}

// Normalize maps the catalog shape onto a fully populated cache record keyed by id.
func Normalize(raw catalog.Title, id string, now time.Time) domain.Title {
	title := domain.Title{
		ID:        id,
		Kind:      kindOf(raw.Type),
		Title:     domain.UnknownTitle,
		Genres:    make([]string, 0, len(raw.Genres)),
		UpdatedAt: now,
	}
	if name := firstNonBlank(raw.PrimaryTitle, raw.OriginalTitle); name != "" {
		title.Title = name
	}
	if raw.StartYear != nil {
		title.Year = *raw.StartYear
	}
	if raw.EndYear != nil && title.Kind.IsSeries() {
		end := *raw.EndYear
		title.EndYear = &end
	}
	for _, genre := range raw.Genres {
		if genre = strings.TrimSpace(genre); genre != "" {
			title.Genres = append(title.Genres, genre)
		}
	}
	if raw.Rating != nil && raw.Rating.AggregateRating != nil {
		title.Rating = roundToOneDecimal(*raw.Rating.AggregateRating)
	}
	if raw.Plot != nil {
		title.Synopsis = strings.TrimSpace(*raw.Plot)
	}
	if raw.PrimaryImage != nil {
		title.PosterURL = raw.PrimaryImage.URL
		title.BackdropURL = raw.PrimaryImage.URL
	}
	if raw.RuntimeSeconds != nil && *raw.RuntimeSeconds > 0 {
		title.RuntimeMinutes = int(math.Round(float64(*raw.RuntimeSeconds) / 60))
	}
	return title
}

func kindOf(upstreamType string) domain.TitleKind {
	switch upstreamType {
	case "tvSeries":
		return domain.KindSeries
	case "tvMiniSeries":
		return domain.KindMiniSeries
	default:
		return domain.KindMovie
	}
}

func firstNonBlank(values ...*string) string {
	for _, v := range values {
		if v != nil {
			if trimmed := strings.TrimSpace(*v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func roundToOneDecimal(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	rounded := math.Round(value*10) / 10
	if math.IsInf(rounded, 0) {
		return value
	}
	return rounded
}
