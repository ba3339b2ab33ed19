package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metadata"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

func TestBuildTitleFilters(t *testing.T) {
	values, _ := url.ParseQuery("q= Dune &year=2021&genre=Sci-Fi&kind=series&limit=50")

	filters, err := buildTitleFilters(values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filters.Query == nil || *filters.Query != "Dune" {
		t.Fatalf("query not trimmed: %+v", filters.Query)
	}
	if filters.Year == nil || *filters.Year != 2021 {
		t.Fatalf("year parse failed: %+v", filters.Year)
	}
	if filters.Genre == nil || *filters.Genre != "Sci-Fi" {
		t.Fatalf("genre parse failed: %+v", filters.Genre)
	}
	if filters.Kind == nil || *filters.Kind != domain.KindSeries {
		t.Fatalf("kind parse failed: %+v", filters.Kind)
	}
	if filters.Limit != 50 {
		t.Fatalf("limit not parsed: %d", filters.Limit)
	}
	if filters.Cursor != nil {
		t.Fatalf("cursor should be unset")
	}
}

func TestBuildTitleFilters_Invalid(t *testing.T) {
	for _, raw := range []string{"year=abc", "limit=ten", "kind=documentary", "cursor=%%%"} {
		values, err := url.ParseQuery(raw)
		if err != nil {
			// cursor=%%% does not parse as a query; feed it in directly.
			values = url.Values{"cursor": {"%%%"}}
		}
		if _, err := buildTitleFilters(values); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func FuzzBuildTitleFilters(f *testing.F) {
	for _, seed := range []string{
		"q=Dune&genre=Sci-Fi&year=2021",
		"kind=mini-series",
		"year=abc",
		"limit=200",
		"cursor=e30",
		"",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, raw string) {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return
		}
		_, _ = buildTitleFilters(values)
	})
}

func TestVerifyBearer(t *testing.T) {
	srv := &Server{cfg: baseConfig()}
	srv.cfg.AuthToken = "secret"
	cases := []struct {
		header  string
		allowed bool
	}{
		{"Bearer secret", true},
		{"Bearer secret ", true},
		{"Bearer other", false},
		{"secret", false},
		{"", false},
	}
	for _, c := range cases {
		if srv.verifyBearer(c.header) != c.allowed {
			t.Fatalf("verifyBearer(%q) expected %v", c.header, c.allowed)
		}
	}
}

func TestHandleListTitles(t *testing.T) {
	next := "next-page"
	lister := &fakeLister{result: repository.TitleListResult{
		Items: []domain.Title{
			{ID: "tt1", Kind: domain.KindMovie, Title: "One", Year: 2001},
			{ID: "tt2", Kind: domain.KindSeries, Title: "Two", Year: 2002, EndYear: intPtr(2004)},
		},
		NextCursor: &next,
	}}
	srv := newBareServer(baseConfig(), Dependencies{Titles: lister})

	req := httptest.NewRequest(http.MethodGet, "/titles?genre=Drama&limit=2", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())

	var body struct {
		Items []struct {
			ID      string   `json:"id"`
			EndYear *int     `json:"endYear"`
			Genres  []string `json:"genres"`
		} `json:"items"`
		NextCursor string `json:"nextCursor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 2 || body.Items[0].ID != "tt1" || body.NextCursor != next {
		t.Fatalf("unexpected body %+v", body)
	}
	if body.Items[0].EndYear != nil || body.Items[1].EndYear == nil || *body.Items[1].EndYear != 2004 {
		t.Fatalf("endYear should only be present for the series: %s", rec.Body.String())
	}
	if body.Items[0].Genres == nil {
		t.Fatalf("genres should encode as an empty list")
	}
	if lister.filters.Genre == nil || *lister.filters.Genre != "Drama" || lister.filters.Limit != 2 {
		t.Fatalf("filters not forwarded: %+v", lister.filters)
	}
}

func TestHandleListTitles_Errors(t *testing.T) {
	srv := newBareServer(baseConfig(), Dependencies{Titles: &fakeLister{err: errors.New("boom")}})

	rec := httptest.NewRecorder()
	srv.handleListTitles(rec, httptest.NewRequest(http.MethodGet, "/titles?year=abc", nil))
	requireStatus(t, rec.Code, http.StatusBadRequest, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.handleListTitles(rec, httptest.NewRequest(http.MethodGet, "/titles", nil))
	requireStatus(t, rec.Code, http.StatusInternalServerError, rec.Body.String())
}

func TestHandleGetTitle(t *testing.T) {
	title := &domain.Title{ID: "tt1", Kind: domain.KindMovie, Title: "Cached", Year: 1999, UpdatedAt: time.Now()}
	resolver := &fakeResolver{results: map[string]metadata.Resolution{
		"tt1":  {Title: title, Status: metadata.StatusCached},
		"tt2":  {Title: title, Status: metadata.StatusStale, Err: errors.New("upstream down")},
		"tt3":  {Status: metadata.StatusUpstreamError, Err: errors.New("upstream down")},
		"tt4":  {Title: title, Status: metadata.StatusStoreError, Err: errors.New("disk full")},
		"bad":  {Status: metadata.StatusInvalid},
		"a/b?": {Title: title, Status: metadata.StatusFetched},
	}}
	srv := newBareServer(baseConfig(), Dependencies{Resolver: resolver})

	tests := []struct {
		path   string
		status int
		cache  string
	}{
		{"/titles/tt1", http.StatusOK, "cached"},
		{"/titles/tt2", http.StatusOK, "stale"},
		{"/titles/tt3", http.StatusBadGateway, "upstream_error"},
		{"/titles/tt4", http.StatusOK, "store_error"},
		{"/titles/missing", http.StatusNotFound, "not_found"},
		{"/titles/bad", http.StatusBadRequest, "invalid"},
		{"/titles/a%2Fb%3F", http.StatusOK, "fetched"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			requireStatus(t, rec.Code, tt.status, rec.Body.String())
			if got := rec.Header().Get("X-Cache"); got != tt.cache {
				t.Fatalf("X-Cache = %q, want %q", got, tt.cache)
			}
		})
	}
}

func TestHandleGetTitle_DirectParam(t *testing.T) {
	resolver := &fakeResolver{}
	srv := newBareServer(baseConfig(), Dependencies{Resolver: resolver})

	req := attachIDParam(httptest.NewRequest(http.MethodGet, "/titles/x", nil), "  tt9 ")
	rec := httptest.NewRecorder()
	srv.handleGetTitle(rec, req)
	requireStatus(t, rec.Code, http.StatusNotFound, rec.Body.String())
	if len(resolver.seen) != 1 || resolver.seen[0] != "tt9" {
		t.Fatalf("resolver saw %v, want trimmed id", resolver.seen)
	}
}

func postBatch(srv *Server, body string, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/titles/batch", bytes.NewBufferString(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleBatchTitles_Validation(t *testing.T) {
	acq := &fakeAcquirer{}
	srv := newBareServer(baseConfig(), Dependencies{Scheduler: acq})

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"malformed", "{"},
		{"missing ids", `{}`},
		{"null ids", `{"ids":null}`},
		{"ids not a list", `{"ids":"tt1"}`},
		{"unknown field", `{"ids":[],"extra":1}`},
		{"zero concurrency", `{"ids":["tt1"],"options":{"concurrentRequests":0}}`},
		{"negative delay", `{"ids":["tt1"],"options":{"delayMs":-1}}`},
		{"delay too long", `{"ids":["tt1"],"options":{"delayMs":60001}}`},
		{"too many ids", `{"ids":[` + strings.TrimSuffix(strings.Repeat(`"tt",`, 101), ",") + `]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postBatch(srv, tt.body, "")
			requireStatus(t, rec.Code, http.StatusBadRequest, rec.Body.String())
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Fatalf("expected error body, got %s", rec.Body.String())
			}
		})
	}
	if acq.ids != nil {
		t.Fatalf("scheduler should not run for rejected requests")
	}
}

func TestHandleBatchTitles_Auth(t *testing.T) {
	cfg := baseConfig()
	cfg.AuthToken = "secret"
	acq := &fakeAcquirer{}
	srv := newBareServer(cfg, Dependencies{Scheduler: acq})

	rec := postBatch(srv, `{"ids":["tt1"]}`, "")
	requireStatus(t, rec.Code, http.StatusUnauthorized, rec.Body.String())

	rec = postBatch(srv, `{"ids":["tt1"]}`, "Bearer secret")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())
}

func TestHandleBatchTitles_Success(t *testing.T) {
	acq := &fakeAcquirer{result: metadata.AcquireResult{
		Titles:    []domain.Title{{ID: "tt1", Kind: domain.KindMovie, Title: "One"}},
		Requested: 3,
		Resolved:  1,
		Failed:    2,
		Waves:     1,
	}}
	srv := newBareServer(baseConfig(), Dependencies{Scheduler: acq})

	rec := postBatch(srv, `{"ids":["tt1", 42, "tt2"]}`, "")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())

	var body struct {
		Titles []struct {
			ID string `json:"id"`
		} `json:"titles"`
		Stats batchStats `json:"stats"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Titles) != 1 || body.Titles[0].ID != "tt1" {
		t.Fatalf("unexpected titles %+v", body.Titles)
	}
	if body.Stats.Requested != 3 || body.Stats.Resolved != 1 || body.Stats.Failed != 2 || body.Stats.Waves != 1 {
		t.Fatalf("unexpected stats %+v", body.Stats)
	}
	if len(acq.ids) != 3 || acq.ids[0] != "tt1" || acq.ids[1] != "" || acq.ids[2] != "tt2" {
		t.Fatalf("non-string ids should become blank slots, got %q", acq.ids)
	}
	want := metadata.Plan{GroupSize: 5, MaxConcurrentGroups: 1, InterWaveDelay: time.Second}
	if acq.plan != want {
		t.Fatalf("plan = %+v, want %+v", acq.plan, want)
	}
}

func TestHandleBatchTitles_Options(t *testing.T) {
	acq := &fakeAcquirer{}
	srv := newBareServer(baseConfig(), Dependencies{Scheduler: acq})

	rec := postBatch(srv, `{"ids":[],"options":{"concurrentRequests":50,"delayMs":0}}`, "")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())
	if acq.plan.GroupSize != 20 {
		t.Fatalf("group size should clamp to the configured max, got %d", acq.plan.GroupSize)
	}
	if acq.plan.InterWaveDelay != 0 {
		t.Fatalf("explicit zero delay should be honoured, got %v", acq.plan.InterWaveDelay)
	}

	rec = postBatch(srv, `{"ids":["tt1"],"options":{"concurrentRequests":3}}`, "")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())
	if acq.plan.GroupSize != 3 || acq.plan.InterWaveDelay != time.Second {
		t.Fatalf("unexpected plan %+v", acq.plan)
	}
}

func TestHandleBatchTitles_Panic(t *testing.T) {
	srv := newBareServer(baseConfig(), Dependencies{Scheduler: &fakeAcquirer{panics: true}})

	rec := postBatch(srv, `{"ids":["tt1"]}`, "")
	requireStatus(t, rec.Code, http.StatusInternalServerError, rec.Body.String())
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("expected error body, got %s", rec.Body.String())
	}
}

func TestHandleBatchTitles_RateLimited(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchRateLimitPerMin = 1
	srv := newBareServer(cfg, Dependencies{Scheduler: &fakeAcquirer{}})

	rec := postBatch(srv, `{"ids":[]}`, "")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())

	rec = postBatch(srv, `{"ids":[]}`, "")
	requireStatus(t, rec.Code, http.StatusTooManyRequests, rec.Body.String())
	if !strings.Contains(rec.Body.String(), "RATE_LIMITED") {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func echoScheduler() *metadata.Scheduler {
	fetcher := metadata.GroupFetcherFunc(func(_ context.Context, ids []string) []*domain.Title {
		out := make([]*domain.Title, len(ids))
		for i, id := range ids {
			out[i] = &domain.Title{ID: id, Kind: domain.KindMovie, Title: "Title " + id}
		}
		return out
	})
	return metadata.NewScheduler(fetcher, zerolog.Nop())
}

func TestHandleBatchTitles_OutlivesServerWriteTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchDeadlineSecs = 10
	srv := New(cfg, Dependencies{Scheduler: echoScheduler()}, zerolog.Nop())

	ts := httptest.NewUnstartedServer(srv.Handler())
	ts.Config.WriteTimeout = time.Second
	ts.Start()
	defer ts.Close()

	body := `{"ids":["tt1","tt2","tt3","tt4","tt5","tt6"],"options":{"delayMs":1200}}`
	resp, err := ts.Client().Post(ts.URL+"/titles/batch", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("batch response lost: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Stats.Waves != 2 || out.Stats.Resolved != 6 || out.Stats.ElapsedMs < 1200 {
		t.Fatalf("unexpected stats %+v", out.Stats)
	}
}

func TestHandleBatchTitles_RejectsPacingBeyondDeadline(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchDeadlineSecs = 1
	acq := &fakeAcquirer{}
	srv := newBareServer(cfg, Dependencies{Scheduler: acq})

	rec := postBatch(srv, `{"ids":["tt1","tt2","tt3","tt4","tt5","tt6"],"options":{"delayMs":1200}}`, "")
	requireStatus(t, rec.Code, http.StatusBadRequest, rec.Body.String())
	if acq.ids != nil {
		t.Fatalf("scheduler should not run when pacing cannot fit the deadline")
	}

	rec = postBatch(srv, `{"ids":["tt1","tt2","tt3","tt4","tt5"],"options":{"delayMs":1200}}`, "")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())
}

func TestHandleBatchTitles_DeadlineReturnsPartialResult(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchDeadlineSecs = 1
	// Three waves 400ms apart fit the pacing check, but the slow fetcher
	// pushes the second wave past the deadline.
	slow := metadata.GroupFetcherFunc(func(ctx context.Context, ids []string) []*domain.Title {
		select {
		case <-time.After(350 * time.Millisecond):
		case <-ctx.Done():
			return nil
		}
		out := make([]*domain.Title, len(ids))
		for i, id := range ids {
			out[i] = &domain.Title{ID: id}
		}
		return out
	})
	srv := newBareServer(cfg, Dependencies{Scheduler: metadata.NewScheduler(slow, zerolog.Nop())})

	rec := postBatch(srv, `{"ids":["a","b","c"],"options":{"concurrentRequests":1,"delayMs":400}}`, "")
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())
	var out batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Stats.Requested != 3 || out.Stats.Resolved != 1 || out.Stats.Failed != 2 {
		t.Fatalf("expected a partial result, got %+v", out.Stats)
	}
}

func TestHandleHealthz(t *testing.T) {
	srv := newBareServer(baseConfig(), Dependencies{Health: fakeHealth{}, Titles: &countingLister{count: 42}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	requireStatus(t, rec.Code, http.StatusOK, rec.Body.String())
	var health struct {
		Status       string `json:"status"`
		CachedTitles int64  `json:"cachedTitles"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.CachedTitles != 42 {
		t.Fatalf("unexpected health body %s", rec.Body.String())
	}

	srv = newBareServer(baseConfig(), Dependencies{Health: fakeHealth{err: errors.New("down")}})
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	requireStatus(t, rec.Code, http.StatusServiceUnavailable, rec.Body.String())
}

func TestHandleWebSocket_Guards(t *testing.T) {
	srv := newBareServer(baseConfig(), Dependencies{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	requireStatus(t, rec.Code, http.StatusUnauthorized, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws?user=u1", nil))
	requireStatus(t, rec.Code, http.StatusServiceUnavailable, rec.Body.String())
}

func intPtr(v int) *int { return &v }
