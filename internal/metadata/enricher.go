package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metrics"
)

// BulkReader is the single bulk lookup the enricher performs.
type BulkReader interface {
	GetMany(ctx context.Context, ids []string) (map[string]domain.Title, error)
}

// Enricher merges cached title metadata into activity records. It only reads
// the cache and never reaches the catalog.
type Enricher struct {
	store  BulkReader
	logger zerolog.Logger
}

// NewEnricher returns an enricher backed by store.
func NewEnricher(store BulkReader, logger zerolog.Logger) *Enricher {
	return &Enricher{store: store, logger: logger.With().Str("component", "enricher").Logger()}
}

// Enrich projects records onto their cached metadata with one bulk read. The
// output preserves input order and multiplicity; records whose title is not
// cached come back with only the id normalized. If the bulk read fails every
// record passes through unenriched.
func Enrich[T any](ctx context.Context, e *Enricher, records []T, key func(T) string) []domain.Enriched[T] {
	out := make([]domain.Enriched[T], len(records))
	if len(records) == 0 {
		return out
	}

	found := map[string]domain.Title{}
	if ids := uniqueIDs(records, key); len(ids) > 0 {
		titles, err := e.store.GetMany(ctx, ids)
		if err != nil {
			e.logger.Warn().Err(err).Int("ids", len(ids)).Msg("bulk metadata lookup failed, returning records unenriched")
		} else {
			found = titles
		}
	}

	hits := 0
	for i, record := range records {
		id := strings.TrimSpace(key(record))
		out[i] = domain.Enriched[T]{Record: record, ID: id}
		if title, ok := found[id]; ok && id != "" {
			out[i].Metadata = &title
			hits++
		}
	}
	metrics.EnrichedRecords.WithLabelValues("hit").Add(float64(hits))
	metrics.EnrichedRecords.WithLabelValues("miss").Add(float64(len(records) - hits))
	return out
}

// FieldKey extracts the title id from loosely typed records by field name.
// Missing, empty and non-string values yield "" and are not looked up.
func FieldKey(name string) func(map[string]any) string {
	return func(record map[string]any) string {
		switch v := record[name].(type) {
		case string:
			return v
		case fmt.Stringer:
			return v.String()
		default:
			return ""
		}
	}
}

func uniqueIDs[T any](records []T, key func(T) string) []string {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		id := strings.TrimSpace(key(record))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
