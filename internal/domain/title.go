package domain

import "time"

// TitleKind classifies a catalog entry.
type TitleKind string

const (
	KindMovie      TitleKind = "movie"
	KindSeries     TitleKind = "series"
	KindMiniSeries TitleKind = "mini-series"
)

// IsSeries reports whether the kind carries episodes (and therefore an end year).
func (k TitleKind) IsSeries() bool {
	return k == KindSeries || k == KindMiniSeries
}

// UnknownTitle is stored when the catalog returns neither a primary nor an original title.
const UnknownTitle = "Unknown Title"

// Title is the cached metadata record for one catalog identifier.
type Title struct {
	ID             string
	Kind           TitleKind
	Title          string
	Year           int
	EndYear        *int
	Genres         []string
	Rating         float64
	Synopsis       string
	PosterURL      string
	BackdropURL    string
	RuntimeMinutes int
	UpdatedAt      time.Time
}

// StaleAfter reports whether the record was last refreshed more than ttl before now.
// A non-positive ttl means records never go stale.
func (t Title) StaleAfter(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(t.UpdatedAt) > ttl
}
