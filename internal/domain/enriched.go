package domain

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Enriched is a read-only projection of an activity record with the cached
// metadata of the title it references. Metadata is nil when the cache had no
// entry for ID; the record itself is never modified.
type Enriched[T any] struct {
	Record   T
	ID       string
	Metadata *Title
}

// HasMetadata reports which arm of the projection this value is.
func (e Enriched[T]) HasMetadata() bool {
	return e.Metadata != nil
}

// MarshalJSON flattens the record, the normalized id and, when present, the
// metadata fields into one object. Metadata keys never replace record keys.
func (e Enriched[T]) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Record)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("enriched record must encode as an object: %w", err)
	}
	if e.ID != "" {
		fields["id"] = e.ID
	}
	if e.Metadata != nil {
		for key, value := range metadataFields(*e.Metadata) {
			if _, taken := fields[key]; !taken {
				fields[key] = value
			}
		}
	}
	return json.Marshal(fields)
}

func metadataFields(t Title) map[string]any {
	genres := t.Genres
	if genres == nil {
		genres = []string{}
	}
	fields := map[string]any{
		"kind":           t.Kind,
		"title":          t.Title,
		"year":           t.Year,
		"genres":         genres,
		"rating":         t.Rating,
		"synopsis":       t.Synopsis,
		"posterUrl":      t.PosterURL,
		"backdropUrl":    t.BackdropURL,
		"runtimeMinutes": t.RuntimeMinutes,
		"lastUpdated":    t.UpdatedAt,
	}
	if t.EndYear != nil {
		fields["endYear"] = *t.EndYear
	}
	return fields
}
