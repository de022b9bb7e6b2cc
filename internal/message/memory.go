package message

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps messages in process memory. It is used when no
// database is configured and in tests.
type MemoryStore struct {
	mu     sync.Mutex
	byID   map[string]*Message
	byPair map[[2]string][]*Message // append order
	seq    int64
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Message),
		byPair: make(map[[2]string][]*Message),
		now:    time.Now,
	}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	if m.Reactions == nil {
		m.Reactions = []Reaction{}
	}
	s.seq++
	m.Seq = s.seq

	stored := m.clone()
	s.byID[m.ID] = stored
	s.byPair[m.Participants] = append(s.byPair[m.Participants], stored)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.clone(), nil
}

// Conversation implements Store.
func (s *MemoryStore) Conversation(_ context.Context, a, b string) ([]*Message, error) {
	s.mu.Lock()
	msgs := s.byPair[Pair(a, b)]
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.clone())
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// MarkSeen implements Store.
func (s *MemoryStore) MarkSeen(_ context.Context, reader, sender string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.byPair[Pair(reader, sender)] {
		if m.Sender == sender && !m.Seen {
			m.Seen = true
			n++
		}
	}
	return n, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id, requester string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if m.Sender != requester {
		return ErrForbidden
	}

	delete(s.byID, id)
	msgs := s.byPair[m.Participants]
	for i, pm := range msgs {
		if pm.ID == id {
			s.byPair[m.Participants] = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	if len(s.byPair[m.Participants]) == 0 {
		delete(s.byPair, m.Participants)
	}
	return nil
}

// React implements Store.
func (s *MemoryStore) React(_ context.Context, id, user, emoji string) ([]Reaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Reactions = applyReaction(m.Reactions, user, emoji)

	out := make([]Reaction, len(m.Reactions))
	copy(out, m.Reactions)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
