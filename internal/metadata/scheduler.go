package metadata

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/metrics"
)

// Plan shapes one bulk acquisition: ids are split into groups of GroupSize,
// at most MaxConcurrentGroups groups run per wave and consecutive waves are
// separated by InterWaveDelay.
type Plan struct {
	GroupSize           int
	MaxConcurrentGroups int
	InterWaveDelay      time.Duration
}

func (p Plan) normalized() Plan {
	if p.GroupSize <= 0 {
		p.GroupSize = 5
	}
	if p.MaxConcurrentGroups <= 0 {
		p.MaxConcurrentGroups = 1
	}
	if p.InterWaveDelay < 0 {
		p.InterWaveDelay = 0
	}
	return p
}

// Waves reports how many waves Acquire runs for n ids.
func (p Plan) Waves(n int) int {
	if n <= 0 {
		return 0
	}
	p = p.normalized()
	groups := (n + p.GroupSize - 1) / p.GroupSize
	return (groups + p.MaxConcurrentGroups - 1) / p.MaxConcurrentGroups
}

// MinElapsed is the inter-wave delay alone for n ids, a lower bound on how
// long Acquire takes.
func (p Plan) MinElapsed(n int) time.Duration {
	waves := p.Waves(n)
	if waves <= 1 {
		return 0
	}
	return time.Duration(waves-1) * p.normalized().InterWaveDelay
}

// AcquireResult summarizes a bulk acquisition. Titles holds the resolved
// records in no particular order; Resolved+Failed always equals Requested.
type AcquireResult struct {
	Titles    []domain.Title
	Requested int
	Resolved  int
	Failed    int
	Waves     int
}

// GroupFetcher resolves one group of non-blank ids. The returned slice is
// aligned with ids; nil entries are failures.
type GroupFetcher interface {
	FetchGroup(ctx context.Context, ids []string) []*domain.Title
}

// GroupFetcherFunc adapts a function to GroupFetcher.
type GroupFetcherFunc func(ctx context.Context, ids []string) []*domain.Title

// FetchGroup calls f.
func (f GroupFetcherFunc) FetchGroup(ctx context.Context, ids []string) []*domain.Title {
	return f(ctx, ids)
}

// Ensurer resolves a single id through the cache.
type Ensurer interface {
	Ensure(ctx context.Context, id string) Resolution
}

// BulkEnsurer resolves a group of ids through the cache in one pass.
type BulkEnsurer interface {
	EnsureMany(ctx context.Context, ids []string) []*domain.Title
}

// PerTitle fetches every id of a group concurrently through Ensure, so a wave
// has at most GroupSize*MaxConcurrentGroups requests in flight.
func PerTitle(e Ensurer) GroupFetcher {
	return GroupFetcherFunc(func(ctx context.Context, ids []string) []*domain.Title {
		out := make([]*domain.Title, len(ids))
		p := pool.New().WithMaxGoroutines(len(ids))
		for i, id := range ids {
			p.Go(func() {
				if res := e.Ensure(ctx, id); res.OK() {
					out[i] = res.Title
				}
			})
		}
		p.Wait()
		return out
	})
}

// Grouped hands each group to EnsureMany, which batches upstream misses.
func Grouped(b BulkEnsurer) GroupFetcher {
	return GroupFetcherFunc(b.EnsureMany)
}

// Scheduler runs bulk acquisitions in paced waves.
type Scheduler struct {
	fetcher GroupFetcher
	logger  zerolog.Logger
}

// NewScheduler returns a scheduler that resolves groups with fetcher.
func NewScheduler(fetcher GroupFetcher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		fetcher: fetcher,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

type groupOutcome struct {
	titles []domain.Title
	failed int
}

// Acquire resolves ids according to plan. Individual failures never abort the
// batch; cancelling ctx stops scheduling new waves and the unscheduled ids are
// counted as failed.
func (s *Scheduler) Acquire(ctx context.Context, ids []string, plan Plan) AcquireResult {
	result := AcquireResult{Titles: []domain.Title{}, Requested: len(ids)}
	if len(ids) == 0 {
		return result
	}
	plan = plan.normalized()

	groups := make([][]string, 0, (len(ids)+plan.GroupSize-1)/plan.GroupSize)
	for start := 0; start < len(ids); start += plan.GroupSize {
		groups = append(groups, ids[start:min(start+plan.GroupSize, len(ids))])
	}

	started := time.Now()
	for waveStart := 0; waveStart < len(groups); waveStart += plan.MaxConcurrentGroups {
		wave := groups[waveStart:min(waveStart+plan.MaxConcurrentGroups, len(groups))]

		proceed := ctx.Err() == nil
		if proceed && waveStart > 0 {
			proceed = sleepCtx(ctx, plan.InterWaveDelay)
		}
		if !proceed {
			for _, group := range groups[waveStart:] {
				result.Failed += len(group)
			}
			s.logger.Warn().Err(ctx.Err()).Int("completed_waves", result.Waves).Msg("bulk acquisition cancelled")
			break
		}

		result.Waves++
		metrics.BatchWaves.Inc()

		p := pool.NewWithResults[groupOutcome]().WithMaxGoroutines(plan.MaxConcurrentGroups)
		for _, group := range wave {
			p.Go(func() groupOutcome {
				return s.runGroup(ctx, group)
			})
		}
		for _, outcome := range p.Wait() {
			result.Titles = append(result.Titles, outcome.titles...)
			result.Resolved += len(outcome.titles)
			result.Failed += outcome.failed
		}
	}

	metrics.BatchTitles.WithLabelValues("resolved").Add(float64(result.Resolved))
	metrics.BatchTitles.WithLabelValues("failed").Add(float64(result.Failed))
	s.logger.Info().
		Int("requested", result.Requested).
		Int("resolved", result.Resolved).
		Int("failed", result.Failed).
		Int("waves", result.Waves).
		Dur("elapsed", time.Since(started)).
		Msg("bulk acquisition finished")
	return result
}

func (s *Scheduler) runGroup(ctx context.Context, group []string) (outcome groupOutcome) {
	ids := make([]string, 0, len(group))
	for _, id := range group {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	outcome.failed = len(group) - len(ids)
	if len(ids) == 0 {
		return outcome
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Strs("title_ids", ids).Msg("group fetch panicked")
			outcome = groupOutcome{failed: len(group)}
		}
	}()

	fetched := s.fetcher.FetchGroup(ctx, ids)
	for i := range ids {
		if i < len(fetched) && fetched[i] != nil {
			outcome.titles = append(outcome.titles, *fetched[i])
		} else {
			outcome.failed++
		}
	}
	return outcome
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
