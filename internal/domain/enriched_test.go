package domain

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func decodeObject(t *testing.T, v any) map[string]any {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", payload, err)
	}
	return out
}

func TestEnrichedJSONWithMetadata(t *testing.T) {
	end := 2013
	e := Enriched[WatchedMovie]{
		Record: WatchedMovie{UserID: "u1", MovieID: "tt0903747", WatchCount: 2},
		ID:     "tt0903747",
		Metadata: &Title{
			ID:        "tt0903747",
			Kind:      KindSeries,
			Title:     "Breaking Bad",
			Year:      2008,
			EndYear:   &end,
			Rating:    9.5,
			UpdatedAt: time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	got := decodeObject(t, e)
	if _, leaked := got["UserID"]; leaked {
		t.Fatalf("user id should not be serialized: %v", got)
	}
	if got["movieId"] != "tt0903747" || got["id"] != "tt0903747" || got["watchCount"] != float64(2) {
		t.Fatalf("record fields missing: %v", got)
	}
	if got["title"] != "Breaking Bad" || got["kind"] != "series" || got["endYear"] != float64(2013) {
		t.Fatalf("metadata fields missing: %v", got)
	}
	if genres, ok := got["genres"].([]any); !ok || len(genres) != 0 {
		t.Fatalf("genres should be an empty list, got %v", got["genres"])
	}
}

func TestEnrichedJSONWithoutMetadata(t *testing.T) {
	e := Enriched[map[string]any]{Record: map[string]any{"movieId": "tt9"}, ID: "tt9"}
	got := decodeObject(t, e)
	if len(got) != 2 || got["id"] != "tt9" || got["movieId"] != "tt9" {
		t.Fatalf("got %v", got)
	}
	if e.HasMetadata() {
		t.Fatalf("HasMetadata should be false")
	}
}

func TestEnrichedRecordKeysWin(t *testing.T) {
	e := Enriched[map[string]any]{
		Record:   map[string]any{"titleId": "tt1", "title": "My label"},
		ID:       "tt1",
		Metadata: &Title{ID: "tt1", Title: "Catalog name", Kind: KindMovie},
	}
	got := decodeObject(t, e)
	if got["title"] != "My label" {
		t.Fatalf("metadata overwrote record field: %v", got["title"])
	}
	if _, ok := got["endYear"]; ok {
		t.Fatalf("endYear should be absent for movies")
	}
}

func TestEnrichedRejectsNonObjectRecords(t *testing.T) {
	if _, err := json.Marshal(Enriched[string]{Record: "tt1", ID: "tt1"}); err == nil {
		t.Fatalf("expected error for scalar record")
	}
}

func TestTitleStaleAfter(t *testing.T) {
	now := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	title := Title{UpdatedAt: now.Add(-2 * time.Hour)}
	if title.StaleAfter(0, now) {
		t.Fatalf("zero ttl must never be stale")
	}
	if !title.StaleAfter(time.Hour, now) {
		t.Fatalf("expected stale after 1h ttl")
	}
	if title.StaleAfter(3*time.Hour, now) {
		t.Fatalf("expected fresh within 3h ttl")
	}
}
