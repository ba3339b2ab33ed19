package metadata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clark-Hu/watchtrail/internal/catalog"
	"github.com/Clark-Hu/watchtrail/internal/domain"
	"github.com/Clark-Hu/watchtrail/internal/repository"
)

type fakeStore struct {
	mu          sync.Mutex
	titles      map[string]domain.Title
	getCalls    int
	getManyArgs [][]string
	upserts     int
	getErr      error
	getManyErr  error
	upsertErr   error
}

func newFakeStore(titles ...domain.Title) *fakeStore {
	s := &fakeStore{titles: make(map[string]domain.Title)}
	for _, t := range titles {
		s.titles[t.ID] = t
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, id string) (domain.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return domain.Title{}, s.getErr
	}
	t, ok := s.titles[id]
	if !ok {
		return domain.Title{}, repository.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) GetMany(ctx context.Context, ids []string) (map[string]domain.Title, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getManyArgs = append(s.getManyArgs, append([]string(nil), ids...))
	if s.getManyErr != nil {
		return nil, s.getManyErr
	}
	out := make(map[string]domain.Title)
	for _, id := range ids {
		if t, ok := s.titles[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (s *fakeStore) Upsert(ctx context.Context, title domain.Title) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.titles[title.ID] = title
	return nil
}

func (s *fakeStore) stored(id string) (domain.Title, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.titles[id]
	return t, ok
}

type fakeCatalog struct {
	mu         sync.Mutex
	titles     map[string]catalog.Title
	fetchErr   error
	delay      time.Duration
	fetchCalls atomic.Int32
	batchCalls atomic.Int32
	batchSizes []int
}

func newFakeCatalog(titles ...catalog.Title) *fakeCatalog {
	c := &fakeCatalog{titles: make(map[string]catalog.Title)}
	for _, t := range titles {
		c.titles[t.ID] = t
	}
	return c
}

func (c *fakeCatalog) FetchTitle(ctx context.Context, id string) (*catalog.Title, error) {
	c.fetchCalls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.titles[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return &t, nil
}

func (c *fakeCatalog) BatchGet(ctx context.Context, ids []string) ([]catalog.Title, error) {
	c.batchCalls.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchSizes = append(c.batchSizes, len(ids))
	if len(ids) > catalog.MaxBatchSize {
		return nil, catalog.ErrBatchTooLarge
	}
	if c.fetchErr != nil {
		return nil, c.fetchErr
	}
	out := make([]catalog.Title, 0, len(ids))
	for _, id := range ids {
		if t, ok := c.titles[id]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func strPtr(s string) *string { return &s }

func intPtr(i int) *int { return &i }

func floatPtr(f float64) *float64 { return &f }
