package main

import (
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Clark-Hu/watchtrail/internal/catalog"
	"github.com/Clark-Hu/watchtrail/internal/logging"
)

func main() {
	var (
		port    = flag.String("port", "9099", "port to listen on")
		data    = flag.String("data", "cmd/catalog-mock/mock-catalog.json", "path to mock data file (object keyed by title id)")
		latency = flag.Duration("latency", 0, "artificial delay added to every response")
		apiKey  = flag.String("api-key", "", "require this X-API-Key header when set")
		logReq  = flag.Bool("log", false, "enable request logging")
	)
	flag.Parse()

	logger := logging.New(logging.Config{Format: "console"})

	file, err := os.ReadFile(*data)
	if err != nil {
		logger.Fatal().Err(err).Msg("read mock data")
	}

	var payload map[string]catalog.Title
	if err := json.Unmarshal(file, &payload); err != nil {
		logger.Fatal().Err(err).Msg("parse mock data")
	}
	for id, title := range payload {
		if title.ID == "" {
			title.ID = id
			payload[id] = title
		}
	}

	r := chi.NewRouter()
	if *logReq {
		r.Use(middleware.Logger)
	}
	r.Use(requireKey(*apiKey), delay(*latency))

	r.Get("/titles:batchGet", func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["titleIds"]
		if len(ids) > catalog.MaxBatchSize {
			http.Error(w, "too many titleIds", http.StatusBadRequest)
			return
		}
		titles := make([]catalog.Title, 0, len(ids))
		for _, id := range ids {
			if title, ok := payload[strings.TrimSpace(id)]; ok {
				titles = append(titles, title)
			}
		}
		writeJSON(w, logger, map[string]any{"titles": titles})
	})
	r.Get("/titles/{id}", func(w http.ResponseWriter, r *http.Request) {
		title, ok := payload[chi.URLParam(r, "id")]
		if !ok {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		writeJSON(w, logger, title)
	})

	addr := ":" + *port
	logger.Info().Str("addr", addr).Int("entries", len(payload)).Msg("mock catalog listening")
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func writeJSON(w http.ResponseWriter, logger zerolog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("encode response")
	}
}

func requireKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key != "" && r.Header.Get("X-API-Key") != key {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func delay(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d > 0 {
				select {
				case <-time.After(d):
				case <-r.Context().Done():
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
