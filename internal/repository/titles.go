package repository

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/watchtrail/internal/domain"
)

// TitlesRepository is the persistent title metadata cache, keyed by catalog identifier.
type TitlesRepository struct {
	pool *pgxpool.Pool
}

const titleColumns = `
    id,
    kind,
    title,
    release_year,
    end_year,
    genres,
    rating,
    synopsis,
    poster_url,
    backdrop_url,
    runtime_minutes,
    updated_at
`

// TitleListFilters encapsulates search and pagination options for cached titles.
type TitleListFilters struct {
	Query  *string
	Year   *int
	Genre  *string
	Kind   *domain.TitleKind
	Limit  int
	Cursor *TitleCursor
}

// TitleCursor allows stable pagination by updated_at/id.
type TitleCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
}

// TitleListResult returns the paginated payload.
type TitleListResult struct {
	Items      []domain.Title
	NextCursor *string
}

// Get fetches one cached title. Absent rows yield ErrNotFound.
func (r *TitlesRepository) Get(ctx context.Context, id string) (domain.Title, error) {
	query := fmt.Sprintf(`SELECT %s FROM titles WHERE id = $1`, titleColumns)
	title, err := scanTitle(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Title{}, ErrNotFound
		}
		return domain.Title{}, err
	}
	return title, nil
}

// GetMany resolves a set of identifiers with a single query and returns only
// the ones present in the cache.
func (r *TitlesRepository) GetMany(ctx context.Context, ids []string) (map[string]domain.Title, error) {
	found := make(map[string]domain.Title, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	query := fmt.Sprintf(`SELECT %s FROM titles WHERE id = ANY($1)`, titleColumns)
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		title, err := scanTitle(rows)
		if err != nil {
			return nil, err
		}
		found[title.ID] = title
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

// Upsert writes a fully populated title. Concurrent writers for the same id
// are resolved last-writer-wins by the row upsert.
func (r *TitlesRepository) Upsert(ctx context.Context, title domain.Title) error {
	if strings.TrimSpace(title.ID) == "" {
		return fmt.Errorf("upsert title: empty id")
	}
	genres := title.Genres
	if genres == nil {
		genres = []string{}
	}
	updatedAt := title.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	const query = `
        INSERT INTO titles (id, kind, title, release_year, end_year, genres, rating, synopsis, poster_url, backdrop_url, runtime_minutes, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
        ON CONFLICT (id)
        DO UPDATE SET kind = EXCLUDED.kind,
                      title = EXCLUDED.title,
                      release_year = EXCLUDED.release_year,
                      end_year = EXCLUDED.end_year,
                      genres = EXCLUDED.genres,
                      rating = EXCLUDED.rating,
                      synopsis = EXCLUDED.synopsis,
                      poster_url = EXCLUDED.poster_url,
                      backdrop_url = EXCLUDED.backdrop_url,
                      runtime_minutes = EXCLUDED.runtime_minutes,
                      updated_at = EXCLUDED.updated_at
    `
	_, err := r.pool.Exec(ctx, query,
		title.ID,
		string(title.Kind),
		title.Title,
		title.Year,
		title.EndYear,
		genres,
		title.Rating,
		title.Synopsis,
		title.PosterURL,
		title.BackdropURL,
		title.RuntimeMinutes,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert title %s: %w", title.ID, err)
	}
	return nil
}

// Count returns the number of cached titles.
func (r *TitlesRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM titles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count titles: %w", err)
	}
	return n, nil
}

// List returns cached titles that match the provided filters, newest first.
func (r *TitlesRepository) List(ctx context.Context, filters TitleListFilters) (TitleListResult, error) {
	if filters.Limit <= 0 {
		filters.Limit = 20
	} else if filters.Limit > 100 {
		filters.Limit = 100
	}

	where := make([]string, 0)
	args := make([]interface{}, 0)
	arg := func(value interface{}) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.Query != nil && strings.TrimSpace(*filters.Query) != "" {
		where = append(where, fmt.Sprintf("title ILIKE %s", arg("%"+strings.TrimSpace(*filters.Query)+"%")))
	}
	if filters.Year != nil {
		where = append(where, fmt.Sprintf("release_year = %s", arg(*filters.Year)))
	}
	if filters.Genre != nil && strings.TrimSpace(*filters.Genre) != "" {
		where = append(where, fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(genres) AS g WHERE g ILIKE %s)", arg(strings.TrimSpace(*filters.Genre))))
	}
	if filters.Kind != nil {
		where = append(where, fmt.Sprintf("kind = %s", arg(string(*filters.Kind))))
	}
	if filters.Cursor != nil {
		cursorUpdated := arg(filters.Cursor.UpdatedAt)
		cursorID := arg(filters.Cursor.ID)
		where = append(where, fmt.Sprintf("(updated_at, id) < (%s, %s)", cursorUpdated, cursorID))
	}

	queryBuilder := strings.Builder{}
	queryBuilder.WriteString("SELECT ")
	queryBuilder.WriteString(titleColumns)
	queryBuilder.WriteString(" FROM titles")
	if len(where) > 0 {
		queryBuilder.WriteString(" WHERE ")
		queryBuilder.WriteString(strings.Join(where, " AND "))
	}
	queryBuilder.WriteString(" ORDER BY updated_at DESC, id DESC")
	queryBuilder.WriteString(fmt.Sprintf(" LIMIT %d", filters.Limit))

	rows, err := r.pool.Query(ctx, queryBuilder.String(), args...)
	if err != nil {
		return TitleListResult{}, err
	}
	defer rows.Close()

	items := make([]domain.Title, 0)
	for rows.Next() {
		title, err := scanTitle(rows)
		if err != nil {
			return TitleListResult{}, err
		}
		items = append(items, title)
	}
	if err := rows.Err(); err != nil {
		return TitleListResult{}, err
	}

	var nextCursor *string
	if len(items) == filters.Limit {
		last := items[len(items)-1]
		token, err := encodeCursor(TitleCursor{UpdatedAt: last.UpdatedAt, ID: last.ID})
		if err != nil {
			return TitleListResult{}, err
		}
		nextCursor = &token
	}

	return TitleListResult{Items: items, NextCursor: nextCursor}, nil
}

func scanTitle(row pgx.Row) (domain.Title, error) {
	var (
		title   domain.Title
		kind    string
		endYear *int
		genres  []string
	)

	err := row.Scan(
		&title.ID,
		&kind,
		&title.Title,
		&title.Year,
		&endYear,
		&genres,
		&title.Rating,
		&title.Synopsis,
		&title.PosterURL,
		&title.BackdropURL,
		&title.RuntimeMinutes,
		&title.UpdatedAt,
	)
	if err != nil {
		return domain.Title{}, err
	}

	title.Kind = domain.TitleKind(kind)
	title.EndYear = endYear
	if genres == nil {
		genres = []string{}
	}
	title.Genres = genres
	title.UpdatedAt = title.UpdatedAt.UTC()
	return title, nil
}

func encodeCursor(c TitleCursor) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// DecodeCursor parses a cursor token into a TitleCursor.
func DecodeCursor(token string) (*TitleCursor, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var cursor TitleCursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return nil, fmt.Errorf("invalid cursor payload: %w", err)
	}
	return &cursor, nil
}
