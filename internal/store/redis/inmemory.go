package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type inMemoryEntry struct {
	id      string
	payload []byte
}

// InMemoryStream is a process-local MessageTransport with the same
// blocking-read and checkpoint semantics as Stream. It backs unit tests
// and the standalone demo mode where no Redis server is available.
type InMemoryStream struct {
	mu          sync.Mutex
	streams     map[string][]inMemoryEntry
	checkpoints map[string]string
	arrival     chan struct{}
	seq         int64
}

func NewInMemoryStream() *InMemoryStream {
	return &InMemoryStream{
		streams:     make(map[string][]inMemoryEntry),
		checkpoints: make(map[string]string),
		arrival:     make(chan struct{}),
	}
}

func (s *InMemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string][]inMemoryEntry)
	s.checkpoints = make(map[string]string)
	return nil
}

func (s *InMemoryStream) PublishJSON(ctx context.Context, stream string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal stream payload: %w", err)
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.streams[stream] = append(s.streams[stream], inMemoryEntry{id: id, payload: data})
	close(s.arrival)
	s.arrival = make(chan struct{})
	s.mu.Unlock()

	return id, nil
}

func (s *InMemoryStream) ReadJSON(ctx context.Context, stream, lastID string, dst any) (string, error) {
	if lastID == "" {
		lastID = "0"
	}
	if err := validateStreamOffset(lastID); err != nil {
		return "", err
	}

	for {
		s.mu.Lock()
		entry, ok := s.nextAfterLocked(stream, lastID)
		wait := s.arrival
		s.mu.Unlock()

		if ok {
			if err := json.Unmarshal(entry.payload, dst); err != nil {
				return entry.id, fmt.Errorf("unmarshal entry %s: %w", entry.id, err)
			}
			return entry.id, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("read %s: %w", stream, ctx.Err())
		case <-wait:
		}
	}
}

func (s *InMemoryStream) nextAfterLocked(stream, lastID string) (inMemoryEntry, bool) {
	for _, entry := range s.streams[stream] {
		if compareStreamIDs(entry.id, lastID) > 0 {
			return entry, true
		}
	}
	return inMemoryEntry{}, false
}

func (s *InMemoryStream) LoadStreamCheckpoint(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[key], nil
}

func (s *InMemoryStream) PersistStreamCheckpoint(ctx context.Context, key, offset string) error {
	if key == "" {
		return nil
	}
	if err := validateStreamOffset(offset); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[key] = offset
	return nil
}
