package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Clark-Hu/watchtrail/internal/activity"
)

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type recordWatchRequest struct {
	MovieID string `json:"movieId"`
	Minutes int    `json:"minutes"`
}

type toggleWatchLaterResponse struct {
	TitleID string `json:"titleId"`
	OnList  bool   `json:"onList"`
}

type markEpisodeRequest struct {
	Season  int   `json:"season"`
	Episode int   `json:"episode"`
	Watched *bool `json:"watched"`
}

// requireUser writes a 401 and returns "" when the caller identity is missing.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) string {
	userID := userIDFrom(r)
	if userID == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing user identity")
	}
	return userID
}

func (s *Server) handleListWatched(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	items, err := s.deps.Activity.ListWatched(r.Context(), userID)
	if err != nil {
		s.respondActivityError(w, err, "list watched")
		return
	}
	s.respondJSON(w, http.StatusOK, newListResponse(items))
}

func (s *Server) handleRecordWatch(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	var req recordWatchRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	watched, err := s.deps.Activity.RecordWatch(r.Context(), userID, req.MovieID, req.Minutes)
	if err != nil {
		s.respondActivityError(w, err, "record watch")
		return
	}
	status := http.StatusOK
	if watched.WatchCount == 1 {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, watched)
}

func (s *Server) handleRemoveWatched(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	id, err := decodeIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := s.deps.Activity.RemoveWatched(r.Context(), userID, id); err != nil {
		s.respondActivityError(w, err, "remove watched")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListWatchLater(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	items, err := s.deps.Activity.ListWatchLater(r.Context(), userID)
	if err != nil {
		s.respondActivityError(w, err, "list watch later")
		return
	}
	s.respondJSON(w, http.StatusOK, newListResponse(items))
}

func (s *Server) handleToggleWatchLater(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	id, err := decodeIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	onList, err := s.deps.Activity.ToggleWatchLater(r.Context(), userID, id)
	if err != nil {
		s.respondActivityError(w, err, "toggle watch later")
		return
	}
	s.respondJSON(w, http.StatusOK, toggleWatchLaterResponse{TitleID: id, OnList: onList})
}

func (s *Server) handleListSeries(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	items, err := s.deps.Activity.ListSeriesProgress(r.Context(), userID)
	if err != nil {
		s.respondActivityError(w, err, "list series progress")
		return
	}
	s.respondJSON(w, http.StatusOK, newListResponse(items))
}

func (s *Server) handleMarkEpisode(w http.ResponseWriter, r *http.Request) {
	userID := s.requireUser(w, r)
	if userID == "" {
		return
	}
	id, err := decodeIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	var req markEpisodeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	watched := true
	if req.Watched != nil {
		watched = *req.Watched
	}
	if err := s.deps.Activity.MarkEpisode(r.Context(), userID, id, req.Season, req.Episode, watched); err != nil {
		s.respondActivityError(w, err, "mark episode")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondActivityError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, activity.ErrInvalidInput):
		msg := strings.TrimPrefix(err.Error(), activity.ErrInvalidInput.Error()+": ")
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", msg)
	case errors.Is(err, activity.ErrNotFound):
		s.respondError(w, http.StatusNotFound, "NOT_FOUND", "Resource not found")
	default:
		s.logger.Error().Err(err).Str("op", op).Msg("activity request failed")
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// newListResponse keeps empty lists encoding as [] rather than null.
func newListResponse[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items}
}
