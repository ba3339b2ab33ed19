// Package activity owns the user's watched, watch-later and series-progress
// records. Reads come back enriched with cached title metadata. Additions
// warm the cache for their title in the background and then notify the
// user's sessions; removals notify at once.
package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metadata"
	"github.com/Clark-Hu/watchtrail/internal/notify"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

var (
	// ErrInvalidInput marks caller mistakes such as blank ids or negative numbers.
	ErrInvalidInput = errors.New("activity: invalid input")
	// ErrNotFound is returned when removing something the user does not have.
	ErrNotFound = errors.New("activity: not found")
)

const maxWatchMinutes = 24 * 60

// Store persists activity records.
type Store interface {
	RecordWatch(ctx context.Context, params repository.WatchParams) (domain.WatchedMovie, bool, error)
	RemoveWatched(ctx context.Context, userID, movieID string) error
	ListWatched(ctx context.Context, userID string) ([]domain.WatchedMovie, error)
	ToggleWatchLater(ctx context.Context, userID, titleID string) (bool, error)
	ListWatchLater(ctx context.Context, userID string) ([]domain.WatchLaterEntry, error)
	MarkEpisode(ctx context.Context, params repository.EpisodeParams) error
	UnmarkEpisode(ctx context.Context, params repository.EpisodeParams) error
	ListSeriesProgress(ctx context.Context, userID string) ([]domain.SeriesProgress, error)
}

// Ensurer warms the title cache.
type Ensurer interface {
	Ensure(ctx context.Context, id string) metadata.Resolution
}

// Publisher notifies a user's live sessions.
type Publisher interface {
	Publish(userID string, event notify.Event, payload any) int
}

// Service coordinates activity persistence, enrichment and notifications.
type Service struct {
	store    Store
	enricher *metadata.Enricher
	resolver Ensurer
	notifier Publisher
	logger   zerolog.Logger

	background sync.WaitGroup
}

// NewService wires the activity service.
func NewService(store Store, enricher *metadata.Enricher, resolver Ensurer, notifier Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		enricher: enricher,
		resolver: resolver,
		notifier: notifier,
		logger:   logger.With().Str("component", "activity").Logger(),
	}
}

// ListWatched returns the user's watched movies with cached metadata.
func (s *Service) ListWatched(ctx context.Context, userID string) ([]domain.Enriched[domain.WatchedMovie], error) {
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	items, err := s.store.ListWatched(ctx, userID)
	if err != nil {
		return nil, err
	}
	return metadata.Enrich(ctx, s.enricher, items, func(w domain.WatchedMovie) string { return w.MovieID }), nil
}

// ListWatchLater returns the user's watch-later list with cached metadata.
func (s *Service) ListWatchLater(ctx context.Context, userID string) ([]domain.Enriched[domain.WatchLaterEntry], error) {
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	items, err := s.store.ListWatchLater(ctx, userID)
	if err != nil {
		return nil, err
	}
	return metadata.Enrich(ctx, s.enricher, items, func(e domain.WatchLaterEntry) string { return e.TitleID }), nil
}

// ListSeriesProgress returns per-series episode progress with cached metadata.
func (s *Service) ListSeriesProgress(ctx context.Context, userID string) ([]domain.Enriched[domain.SeriesProgress], error) {
	if err := requireID("user id", userID); err != nil {
		return nil, err
	}
	items, err := s.store.ListSeriesProgress(ctx, userID)
	if err != nil {
		return nil, err
	}
	return metadata.Enrich(ctx, s.enricher, items, func(p domain.SeriesProgress) string { return p.SeriesID }), nil
}

// RecordWatch counts one more viewing of movieID.
func (s *Service) RecordWatch(ctx context.Context, userID, movieID string, minutes int) (domain.WatchedMovie, error) {
	movieID = strings.TrimSpace(movieID)
	if err := requireID("user id", userID); err != nil {
		return domain.WatchedMovie{}, err
	}
	if err := requireID("movie id", movieID); err != nil {
		return domain.WatchedMovie{}, err
	}
	if minutes < 0 || minutes > maxWatchMinutes {
		return domain.WatchedMovie{}, fmt.Errorf("%w: minutes must be between 0 and %d", ErrInvalidInput, maxWatchMinutes)
	}

	watched, inserted, err := s.store.RecordWatch(ctx, repository.WatchParams{UserID: userID, MovieID: movieID, Minutes: minutes})
	if err != nil {
		return domain.WatchedMovie{}, err
	}
	s.logger.Info().Str("user_id", userID).Str("movie_id", movieID).Bool("first_watch", inserted).Int("watch_count", watched.WatchCount).Msg("watch recorded")
	s.afterMutation(ctx, userID, movieID, notify.EventActivityChanged)
	return watched, nil
}

// RemoveWatched drops movieID from the user's watched list.
func (s *Service) RemoveWatched(ctx context.Context, userID, movieID string) error {
	movieID = strings.TrimSpace(movieID)
	if err := requireID("user id", userID); err != nil {
		return err
	}
	if err := requireID("movie id", movieID); err != nil {
		return err
	}
	if err := s.store.RemoveWatched(ctx, userID, movieID); err != nil {
		return translate(err)
	}
	s.notify(userID, notify.EventActivityChanged)
	return nil
}

// ToggleWatchLater flips titleID's membership in the watch-later list and
// reports whether it is now on the list.
func (s *Service) ToggleWatchLater(ctx context.Context, userID, titleID string) (bool, error) {
	titleID = strings.TrimSpace(titleID)
	if err := requireID("user id", userID); err != nil {
		return false, err
	}
	if err := requireID("title id", titleID); err != nil {
		return false, err
	}
	added, err := s.store.ToggleWatchLater(ctx, userID, titleID)
	if err != nil {
		return false, err
	}
	if added {
		s.afterMutation(ctx, userID, titleID, notify.EventWatchLaterToggled)
	} else {
		s.notify(userID, notify.EventWatchLaterToggled)
	}
	return added, nil
}

// MarkEpisode sets or clears the watched marker of one episode.
func (s *Service) MarkEpisode(ctx context.Context, userID, seriesID string, season, episode int, watched bool) error {
	seriesID = strings.TrimSpace(seriesID)
	if err := requireID("user id", userID); err != nil {
		return err
	}
	if err := requireID("series id", seriesID); err != nil {
		return err
	}
	if season < 0 || episode < 1 {
		return fmt.Errorf("%w: season must be >= 0 and episode >= 1", ErrInvalidInput)
	}

	params := repository.EpisodeParams{UserID: userID, SeriesID: seriesID, Season: season, Episode: episode}
	if !watched {
		if err := s.store.UnmarkEpisode(ctx, params); err != nil {
			return translate(err)
		}
		s.notify(userID, notify.EventSeriesProgressChanged)
		return nil
	}
	if err := s.store.MarkEpisode(ctx, params); err != nil {
		return err
	}
	s.afterMutation(ctx, userID, seriesID, notify.EventSeriesProgressChanged)
	return nil
}

// afterMutation warms the cache in the background and notifies once the
// warm-up settles, so the client's re-pull is enriched without the mutation
// response waiting on the catalog. A failed warm-up only costs metadata on the
// next read.
func (s *Service) afterMutation(ctx context.Context, userID, titleID string, event notify.Event) {
	warmCtx := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if res := s.resolver.Ensure(warmCtx, titleID); !res.OK() {
			s.logger.Debug().Err(res.Err).Str("title_id", titleID).Str("status", res.Status.String()).Msg("metadata warm-up failed")
		}
		s.notify(userID, event)
	}()
}

// Wait blocks until every pending warm-up and its notification are done.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) notify(userID string, event notify.Event) {
	delivered := s.notifier.Publish(userID, event, nil)
	s.logger.Debug().Str("user_id", userID).Str("event", string(event)).Int("sessions", delivered).Msg("change published")
}

func requireID(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, name)
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
