package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内缓存，重启即丢失，适合测试与无盘部署。
func NewMemoryStore() Store {
	return &memoryStore{generations: make(map[string]*memoryGeneration)}
}

type memoryStore struct {
	mu          sync.RWMutex
	generations map[string]*memoryGeneration
}

type memoryGeneration struct {
	name    string
	mu      sync.RWMutex
	deleted bool
	entries map[string]*Response
}

func (s *memoryStore) Open(ctx context.Context, generation string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validGeneration(generation); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.generations[generation]
	if gen == nil {
		gen = &memoryGeneration{name: generation, entries: make(map[string]*Response)}
		s.generations[generation] = gen
	}
	return gen, nil
}

func (s *memoryStore) Generations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]string, 0, len(s.generations))
	for name := range s.generations {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func (s *memoryStore) Delete(ctx context.Context, generation string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	gen, ok := s.generations[generation]
	delete(s.generations, generation)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	gen.mu.Lock()
	gen.deleted = true
	gen.entries = nil
	gen.mu.Unlock()
	return true, nil
}

func (s *memoryStore) Close() error {
	return nil
}

func (g *memoryGeneration) Generation() string {
	return g.name
}

func (g *memoryGeneration) Get(ctx context.Context, id Identity) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	resp, ok := g.entries[id.Key()]
	g.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (g *memoryGeneration) Put(ctx context.Context, id Identity, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := stamp(resp)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleted {
		return ErrGenerationDeleted
	}
	g.entries[id.Key()] = stored
	return nil
}
