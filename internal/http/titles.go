package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metadata"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

var validate = validator.New()

// batchWriteSlack leaves room to encode the response once the batch deadline fires.
const batchWriteSlack = 10 * time.Second

type titleResponse struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Year           int       `json:"year"`
	EndYear        *int      `json:"endYear,omitempty"`
	Genres         []string  `json:"genres"`
	Rating         float64   `json:"rating"`
	Synopsis       string    `json:"synopsis"`
	PosterURL      string    `json:"posterUrl"`
	BackdropURL    string    `json:"backdropUrl"`
	RuntimeMinutes int       `json:"runtimeMinutes"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

type titleListResponse struct {
	Items      []titleResponse `json:"items"`
	NextCursor *string         `json:"nextCursor,omitempty"`
}

type batchOptions struct {
	ConcurrentRequests *int `json:"concurrentRequests" validate:"omitempty,min=1"`
	DelayMs            *int `json:"delayMs" validate:"omitempty,min=0,max=60000"`
}

type batchRequest struct {
	IDs     json.RawMessage `json:"ids"`
	Options *batchOptions   `json:"options"`
}

type batchStats struct {
	Requested int   `json:"requested"`
	Resolved  int   `json:"resolved"`
	Failed    int   `json:"failed"`
	Waves     int   `json:"waves"`
	ElapsedMs int64 `json:"elapsedMs"`
}

type batchResponse struct {
	Titles []titleResponse `json:"titles"`
	Stats  batchStats      `json:"stats"`
}

func (s *Server) handleListTitles(w http.ResponseWriter, r *http.Request) {
	filters, err := buildTitleFilters(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	result, err := s.deps.Titles.List(r.Context(), filters)
	if err != nil {
		s.logger.Error().Err(err).Msg("list titles")
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list titles")
		return
	}

	items := make([]titleResponse, 0, len(result.Items))
	for _, title := range result.Items {
		items = append(items, toTitleResponse(title))
	}
	s.respondJSON(w, http.StatusOK, titleListResponse{Items: items, NextCursor: result.NextCursor})
}

func buildTitleFilters(query url.Values) (repository.TitleListFilters, error) {
	var filters repository.TitleListFilters

	if q := strings.TrimSpace(query.Get("q")); q != "" {
		filters.Query = &q
	}
	if val := strings.TrimSpace(query.Get("year")); val != "" {
		year, err := strconv.Atoi(val)
		if err != nil {
			return filters, fmt.Errorf("invalid year value")
		}
		filters.Year = &year
	}
	if val := strings.TrimSpace(query.Get("genre")); val != "" {
		filters.Genre = &val
	}
	if val := strings.TrimSpace(query.Get("kind")); val != "" {
		kind := domain.TitleKind(val)
		switch kind {
		case domain.KindMovie, domain.KindSeries, domain.KindMiniSeries:
		default:
			return filters, fmt.Errorf("invalid kind value")
		}
		filters.Kind = &kind
	}
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		limit, err := strconv.Atoi(val)
		if err != nil {
			return filters, fmt.Errorf("invalid limit value")
		}
		filters.Limit = limit
	}
	if val := strings.TrimSpace(query.Get("cursor")); val != "" {
		cursor, err := repository.DecodeCursor(val)
		if err != nil {
			return filters, fmt.Errorf("invalid cursor")
		}
		filters.Cursor = cursor
	}
	return filters, nil
}

func (s *Server) handleGetTitle(w http.ResponseWriter, r *http.Request) {
	id, err := decodeIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	res := s.deps.Resolver.Ensure(r.Context(), id)
	w.Header().Set("X-Cache", res.Status.String())
	switch {
	case res.OK():
		s.respondJSON(w, http.StatusOK, toTitleResponse(*res.Title))
	case res.Status == metadata.StatusNotFound:
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	case res.Status == metadata.StatusInvalid:
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid title id")
	default:
		s.respondError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "Title catalog unavailable")
	}
}

func (s *Server) handleBatchTitles(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Msg("batch acquisition panicked")
			s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to acquire titles")
		}
	}()

	if s.cfg.AuthToken != "" && !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	var req batchRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	ids, err := parseBatchIDs(req.IDs)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.cfg.BatchMaxIDs > 0 && len(ids) > s.cfg.BatchMaxIDs {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("ids cannot exceed %d entries", s.cfg.BatchMaxIDs))
		return
	}
	plan, err := s.batchPlan(req.Options)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	deadline := time.Duration(s.cfg.BatchDeadlineSecs) * time.Second
	if pacing := plan.MinElapsed(len(ids)); pacing >= deadline {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST",
			fmt.Sprintf("batch needs at least %s of inter-wave delay, limit is %s", pacing, deadline))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(deadline + batchWriteSlack)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn().Err(err).Msg("extend batch write deadline")
	}

	start := time.Now()
	result := s.deps.Scheduler.Acquire(ctx, ids, plan)

	titles := make([]titleResponse, 0, len(result.Titles))
	for _, title := range result.Titles {
		titles = append(titles, toTitleResponse(title))
	}
	s.respondJSON(w, http.StatusOK, batchResponse{
		Titles: titles,
		Stats: batchStats{
			Requested: result.Requested,
			Resolved:  result.Resolved,
			Failed:    result.Failed,
			Waves:     result.Waves,
			ElapsedMs: time.Since(start).Milliseconds(),
		},
	})
}

// parseBatchIDs accepts any JSON list. Entries that are not strings are kept
// as blank slots so the scheduler counts them as failed.
func parseBatchIDs(raw json.RawMessage) ([]string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, fmt.Errorf("ids is required")
	}
	var entries []any
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("ids must be a list")
	}
	ids := make([]string, len(entries))
	for i, entry := range entries {
		if id, ok := entry.(string); ok {
			ids[i] = id
		}
	}
	return ids, nil
}

func (s *Server) batchPlan(opts *batchOptions) (metadata.Plan, error) {
	plan := metadata.Plan{
		GroupSize:           s.cfg.BatchConcurrentRequests,
		MaxConcurrentGroups: s.cfg.BatchConcurrentGroups,
		InterWaveDelay:      time.Duration(s.cfg.BatchDelayMs) * time.Millisecond,
	}
	if opts == nil {
		return plan, nil
	}
	if err := validate.Struct(opts); err != nil {
		return plan, fmt.Errorf("invalid options: %s", describeValidation(err))
	}
	if opts.ConcurrentRequests != nil {
		plan.GroupSize = min(*opts.ConcurrentRequests, s.cfg.BatchMaxConcurrentRequests)
	}
	if opts.DelayMs != nil {
		plan.InterWaveDelay = time.Duration(*opts.DelayMs) * time.Millisecond
	}
	return plan, nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s fails %s=%s", lowerFirst(fe.Field()), fe.Tag(), fe.Param()))
	}
	return strings.Join(parts, ", ")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func toTitleResponse(t domain.Title) titleResponse {
	genres := t.Genres
	if genres == nil {
		genres = []string{}
	}
	return titleResponse{
		ID:             t.ID,
		Kind:           string(t.Kind),
		Title:          t.Title,
		Year:           t.Year,
		EndYear:        t.EndYear,
		Genres:         genres,
		Rating:         t.Rating,
		Synopsis:       t.Synopsis,
		PosterURL:      t.PosterURL,
		BackdropURL:    t.BackdropURL,
		RuntimeMinutes: t.RuntimeMinutes,
		LastUpdated:    t.UpdatedAt,
	}
}
