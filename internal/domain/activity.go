package domain

import "time"

// WatchedMovie records how often a user watched one movie.
type WatchedMovie struct {
	UserID         string    `json:"-"`
	MovieID        string    `json:"movieId"`
	WatchCount     int       `json:"watchCount"`
	TotalMinutes   int       `json:"totalMinutes"`
	FirstWatchedAt time.Time `json:"firstWatchedAt"`
	LastWatchedAt  time.Time `json:"lastWatchedAt"`
}

// WatchLaterEntry is one title on a user's watch-later list.
type WatchLaterEntry struct {
	UserID  string    `json:"-"`
	TitleID string    `json:"titleId"`
	AddedAt time.Time `json:"addedAt"`
}

// EpisodeMark flags a single episode as watched.
type EpisodeMark struct {
	Season    int       `json:"season"`
	Episode   int       `json:"episode"`
	WatchedAt time.Time `json:"watchedAt"`
}

// SeriesProgress groups the watched episodes of one series for a user.
type SeriesProgress struct {
	UserID        string        `json:"-"`
	SeriesID      string        `json:"seriesId"`
	Episodes      []EpisodeMark `json:"episodes"`
	LastWatchedAt time.Time     `json:"lastWatchedAt"`
}
