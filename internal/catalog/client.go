// Package catalog talks to the third-party title catalog. It issues single and
// batched title lookups and decodes the upstream shape; it knows nothing about
// caching or scheduling.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Clark-Hu/watchtrail/internal/metrics"
)

// MaxBatchSize is the largest number of identifiers the catalog accepts per batchGet call.
const MaxBatchSize = 5

var (
	// ErrNotFound is returned when the catalog has no title for the identifier.
	ErrNotFound = errors.New("catalog: not found")
	// ErrInvalidID is returned for blank identifiers; no request is made.
	ErrInvalidID = errors.New("catalog: invalid title id")
	// ErrBatchTooLarge is returned when BatchGet receives more than MaxBatchSize ids.
	ErrBatchTooLarge = fmt.Errorf("catalog: batch exceeds %d ids", MaxBatchSize)
)

// StatusError reports an unexpected upstream status. It is transient from the
// caller's point of view.
type StatusError struct {
	Operation  string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog: %s returned %d", e.Operation, e.StatusCode)
}

// Title is the catalog's representation of a movie or series. Optional fields
// are pointers so absence can be told apart from zero.
type Title struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	PrimaryTitle   *string     `json:"primaryTitle"`
	OriginalTitle  *string     `json:"originalTitle"`
	StartYear      *int        `json:"startYear"`
	EndYear        *int        `json:"endYear"`
	Genres         []string    `json:"genres"`
	Rating         *RatingInfo `json:"rating"`
	Plot           *string     `json:"plot"`
	PrimaryImage   *ImageInfo  `json:"primaryImage"`
	RuntimeSeconds *int        `json:"runtimeSeconds"`
}

// RatingInfo carries the aggregate user rating.
type RatingInfo struct {
	AggregateRating *float64 `json:"aggregateRating"`
	VoteCount       *int     `json:"voteCount"`
}

// ImageInfo carries an artwork URL.
type ImageInfo struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type batchResponse struct {
	Titles []Title `json:"titles"`
}

// Client defines the contract for querying the title catalog.
type Client interface {
	FetchTitle(ctx context.Context, id string) (*Title, error)
	BatchGet(ctx context.Context, ids []string) ([]Title, error)
}

// Options configures an HTTPClient.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond paces outbound requests with a token bucket. Zero disables pacing.
	RatePerSecond float64
	Burst         int
	Logger        zerolog.Logger
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPClient constructs an HTTP-backed catalog client.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	parsed, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse catalog url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse catalog url: %q is not absolute", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &HTTPClient{
		baseURL: parsed,
		apiKey:  opts.APIKey,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost:   MaxBatchSize * 4,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		limiter: limiter,
		logger:  opts.Logger.With().Str("component", "catalog").Logger(),
	}, nil
}

// FetchTitle retrieves one title by identifier.
func (c *HTTPClient) FetchTitle(ctx context.Context, id string) (*Title, error) {
	id = strings.TrimSpace(id)
	// JoinPath cleans dot segments, so "." and ".." would address another resource.
	if id == "" || id == "." || id == ".." {
		return nil, ErrInvalidID
	}
	// JoinPath takes escaped elements, so an id containing '/' stays one segment.
	endpoint := c.baseURL.JoinPath("titles", url.PathEscape(id))

	var payload Title
	if err := c.get(ctx, "fetch", endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.ID == "" {
		payload.ID = id
	}
	return &payload, nil
}

// BatchGet retrieves up to MaxBatchSize titles in one call. Identifiers the
// catalog does not know are simply absent from the result.
func (c *HTTPClient) BatchGet(ctx context.Context, ids []string) ([]Title, error) {
	if len(ids) > MaxBatchSize {
		return nil, ErrBatchTooLarge
	}
	q := url.Values{}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			q.Add("titleIds", id)
		}
	}
	if len(q) == 0 {
		return []Title{}, nil
	}
	endpoint := c.baseURL.JoinPath("titles:batchGet")
	endpoint.RawQuery = q.Encode()

	var payload batchResponse
	if err := c.get(ctx, "batch_get", endpoint, &payload); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []Title{}, nil
		}
		return nil, err
	}
	if payload.Titles == nil {
		payload.Titles = []Title{}
	}
	return payload.Titles, nil
}

func (c *HTTPClient) get(ctx context.Context, operation string, endpoint *url.URL, out any) (err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("catalog: wait for rate limiter: %w", err)
		}
	}

	start := time.Now()
	defer func() {
		metrics.UpstreamDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		metrics.UpstreamRequests.WithLabelValues(operation, outcomeLabel(err)).Inc()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode catalog %s response: %w", operation, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		c.logger.Warn().
			Str("operation", operation).
			Int("status", resp.StatusCode).
			Str("url", endpoint.Redacted()).
			Msg("unexpected catalog status")
		return &StatusError{Operation: operation, StatusCode: resp.StatusCode}
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
