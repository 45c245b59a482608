package server

import (
	"context"
	"sync"
	"time"
)

// pending holds the responses queued for one awaited request id.
type pending struct {
	queue  []*Response
	notify chan struct{}
}

// Store correlates worker responses with waiting dispatchers.
// Only ids registered with Expect accept responses, so nothing is kept for
// requests that already timed out.
type Store struct {
	mu      sync.Mutex
	entries map[uint64]*pending
}

func NewStore() *Store {
	return &Store{entries: make(map[uint64]*pending)}
}

// Expect registers interest in id. It must be called before the request
// is sent so a fast worker cannot answer into the void.
func (s *Store) Expect(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		s.entries[id] = &pending{notify: make(chan struct{}, 1)}
	}
}

// Put queues resp for its waiter. Responses for ids nobody awaits are
// dropped with ErrNotAwaited.
func (s *Store) Put(id uint64, resp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[id]
	if !ok {
		return ErrNotAwaited
	}
	p.queue = append(p.queue, resp)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Take atomically removes the oldest queued response for id. Taking the
// final chunk (more_body false) also drops the entry.
func (s *Store) Take(id uint64) (*Response, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.entries[id]
	if !ok || len(p.queue) == 0 {
		return nil, false
	}
	resp := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if !resp.MoreBody {
		delete(s.entries, id)
	}
	return resp, true
}

// Abandon forgets id and anything queued for it.
func (s *Store) Abandon(id uint64) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) signal(id uint64) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return p.notify, true
}

// Wait blocks until a response for id can be taken, re-checking every
// interval and giving up after attempts intervals. On timeout or
// cancellation the id is abandoned.
func (s *Store) Wait(ctx context.Context, id uint64, interval time.Duration, attempts int) (*Response, error) {
	notify, ok := s.signal(id)
	if !ok {
		return nil, ErrNotAwaited
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; ; {
		if resp, ok := s.Take(id); ok {
			return resp, nil
		}
		if n >= attempts {
			s.Abandon(id)
			return nil, ErrResponseTimeout
		}

		select {
		case <-notify:
		case <-ticker.C:
			n++
		case <-ctx.Done():
			s.Abandon(id)
			return nil, ctx.Err()
		}
	}
}
