package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/watchtrail/internal/domain"
)

// ActivityRepository persists the per-user activity records: watched movies,
// the watch-later list and per-episode series progress.
type ActivityRepository struct {
	pool *pgxpool.Pool
}

// WatchParams captures one completed viewing of a movie.
type WatchParams struct {
	UserID  string
	MovieID string
	Minutes int
}

// RecordWatch increments the watch count for a movie and reports whether this
// was the user's first viewing.
func (r *ActivityRepository) RecordWatch(ctx context.Context, params WatchParams) (domain.WatchedMovie, bool, error) {
	const query = `
        INSERT INTO watched_movies (user_id, movie_id, watch_count, total_minutes)
        VALUES ($1,$2,1,$3)
        ON CONFLICT (user_id, movie_id)
        DO UPDATE SET watch_count = watched_movies.watch_count + 1,
                      total_minutes = watched_movies.total_minutes + EXCLUDED.total_minutes,
                      last_watched_at = now()
        RETURNING user_id, movie_id, watch_count, total_minutes, first_watched_at, last_watched_at, (xmax = 0) AS inserted
    `

	var (
		watched  domain.WatchedMovie
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query, params.UserID, params.MovieID, params.Minutes).Scan(
		&watched.UserID,
		&watched.MovieID,
		&watched.WatchCount,
		&watched.TotalMinutes,
		&watched.FirstWatchedAt,
		&watched.LastWatchedAt,
		&inserted,
	)
	if err != nil {
		return domain.WatchedMovie{}, false, fmt.Errorf("record watch: %w", err)
	}
	return watched, inserted, nil
}

// RemoveWatched deletes a movie from the user's watched list.
func (r *ActivityRepository) RemoveWatched(ctx context.Context, userID, movieID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM watched_movies WHERE user_id = $1 AND movie_id = $2`, userID, movieID)
	if err != nil {
		return fmt.Errorf("remove watched: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWatched returns the user's watched movies, most recently watched first.
func (r *ActivityRepository) ListWatched(ctx context.Context, userID string) ([]domain.WatchedMovie, error) {
	const query = `
        SELECT user_id, movie_id, watch_count, total_minutes, first_watched_at, last_watched_at
        FROM watched_movies
        WHERE user_id = $1
        ORDER BY last_watched_at DESC, movie_id
    `
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list watched: %w", err)
	}
	defer rows.Close()

	items := make([]domain.WatchedMovie, 0)
	for rows.Next() {
		var w domain.WatchedMovie
		if err := rows.Scan(&w.UserID, &w.MovieID, &w.WatchCount, &w.TotalMinutes, &w.FirstWatchedAt, &w.LastWatchedAt); err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// ToggleWatchLater adds the title to the watch-later list, or removes it when
// already present. It reports the resulting membership.
func (r *ActivityRepository) ToggleWatchLater(ctx context.Context, userID, titleID string) (bool, error) {
	const query = `
        WITH removed AS (
            DELETE FROM watch_later WHERE user_id = $1 AND title_id = $2
            RETURNING title_id
        )
        INSERT INTO watch_later (user_id, title_id)
        SELECT $1, $2
        WHERE NOT EXISTS (SELECT 1 FROM removed)
        ON CONFLICT (user_id, title_id) DO NOTHING
        RETURNING added_at
    `
	var addedAt time.Time
	err := r.pool.QueryRow(ctx, query, userID, titleID).Scan(&addedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("toggle watch later: %w", err)
	}
	return true, nil
}

// ListWatchLater returns the user's watch-later list, newest first.
func (r *ActivityRepository) ListWatchLater(ctx context.Context, userID string) ([]domain.WatchLaterEntry, error) {
	const query = `
        SELECT user_id, title_id, added_at
        FROM watch_later
        WHERE user_id = $1
        ORDER BY added_at DESC, title_id
    `
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list watch later: %w", err)
	}
	defer rows.Close()

	items := make([]domain.WatchLaterEntry, 0)
	for rows.Next() {
		var e domain.WatchLaterEntry
		if err := rows.Scan(&e.UserID, &e.TitleID, &e.AddedAt); err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// EpisodeParams identifies one episode of a series for a user.
type EpisodeParams struct {
	UserID   string
	SeriesID string
	Season   int
	Episode  int
}

// MarkEpisode records the episode as watched, refreshing the timestamp when it already was.
func (r *ActivityRepository) MarkEpisode(ctx context.Context, params EpisodeParams) error {
	const query = `
        INSERT INTO series_progress (user_id, series_id, season, episode)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (user_id, series_id, season, episode)
        DO UPDATE SET watched_at = now()
    `
	if _, err := r.pool.Exec(ctx, query, params.UserID, params.SeriesID, params.Season, params.Episode); err != nil {
		return fmt.Errorf("mark episode: %w", err)
	}
	return nil
}

// UnmarkEpisode clears the watched marker for an episode.
func (r *ActivityRepository) UnmarkEpisode(ctx context.Context, params EpisodeParams) error {
	const query = `
        DELETE FROM series_progress
        WHERE user_id = $1 AND series_id = $2 AND season = $3 AND episode = $4
    `
	tag, err := r.pool.Exec(ctx, query, params.UserID, params.SeriesID, params.Season, params.Episode)
	if err != nil {
		return fmt.Errorf("unmark episode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSeriesProgress groups watched episodes per series, most recently active series first.
func (r *ActivityRepository) ListSeriesProgress(ctx context.Context, userID string) ([]domain.SeriesProgress, error) {
	const query = `
        SELECT series_id, season, episode, watched_at,
               MAX(watched_at) OVER (PARTITION BY series_id) AS series_last
        FROM series_progress
        WHERE user_id = $1
        ORDER BY series_last DESC, series_id, season, episode
    `
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list series progress: %w", err)
	}
	defer rows.Close()

	items := make([]domain.SeriesProgress, 0)
	for rows.Next() {
		var (
			seriesID   string
			mark       domain.EpisodeMark
			seriesLast time.Time
		)
		if err := rows.Scan(&seriesID, &mark.Season, &mark.Episode, &mark.WatchedAt, &seriesLast); err != nil {
			return nil, err
		}
		if n := len(items); n == 0 || items[n-1].SeriesID != seriesID {
			items = append(items, domain.SeriesProgress{
				UserID:        userID,
				SeriesID:      seriesID,
				LastWatchedAt: seriesLast,
			})
		}
		last := &items[len(items)-1]
		last.Episodes = append(last.Episodes, mark)
	}
	return items, rows.Err()
}
