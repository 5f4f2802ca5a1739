package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/watch"
)

// MemoryStore keeps every collection in process. Useful for local runs and
// tests; change events are fanned out through an in-process hub.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	messages map[string]*models.Message
	typing   map[string]map[string]models.Typing
	ratings  map[string][]models.Rating
	hub      *watch.Hub
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		messages: make(map[string]*models.Message),
		typing:   make(map[string]map[string]models.Typing),
		ratings:  make(map[string][]models.Rating),
		hub:      watch.NewHub(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Listen(fn func(watch.Event)) func() { return m.hub.Listen(fn) }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]*models.Ride, error) {
	return m.listRides(func(r *models.Ride) bool { return r.Status == status }), nil
}

func (m *MemoryStore) ListRidesByHost(ctx context.Context, hostID string) ([]*models.Ride, error) {
	return m.listRides(func(r *models.Ride) bool { return r.HostID == hostID }), nil
}

// listRides returns matches ordered by creation so callers see a stable order.
func (m *MemoryStore) listRides(keep func(*models.Ride) bool) []*models.Ride {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *MemoryStore) MergeRide(ctx context.Context, id string, apply func(r *models.Ride)) (*models.Ride, error) {
	m.mu.Lock()
	now := m.now()
	r, ok := m.rides[id]
	if ok {
		r = r.Clone()
	} else {
		r = &models.Ride{ID: id, CreatedAt: now}
	}
	version := r.Version
	apply(r)
	r.ID = id
	r.Version = version + 1
	r.UpdatedAt = now
	m.rides[id] = r.Clone()
	m.mu.Unlock()

	m.hub.Publish(watch.Event{Collection: CollectionRides, Key: id})
	return r, nil
}

func (m *MemoryStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	cur, ok := m.rides[r.ID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if cur.Version != r.Version {
		m.mu.Unlock()
		return ErrVersionConflict
	}
	r.Version++
	r.UpdatedAt = m.now()
	m.rides[r.ID] = r.Clone()
	m.mu.Unlock()

	m.hub.Publish(watch.Event{Collection: CollectionRides, Key: r.ID})
	return nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	cp := *msg
	m.messages[msg.ID] = &cp
	m.mu.Unlock()

	m.hub.Publish(watch.Event{Collection: CollectionMessages, Key: msg.ThreadID})
	return nil
}

func (m *MemoryStore) ListThread(ctx context.Context, threadID string) ([]models.Message, error) {
	m.mu.RLock()
	out := make([]models.Message, 0)
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			out = append(out, *msg)
		}
	}
	m.mu.RUnlock()
	sortMessages(out)
	return out, nil
}

func (m *MemoryStore) SetMessageStatus(ctx context.Context, id string, status models.MessageStatus) error {
	m.mu.Lock()
	msg, ok := m.messages[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	msg.Status = status
	thread := msg.ThreadID
	m.mu.Unlock()

	m.hub.Publish(watch.Event{Collection: CollectionMessages, Key: thread})
	return nil
}

func (m *MemoryStore) SetTyping(ctx context.Context, t models.Typing) error {
	m.mu.Lock()
	users, ok := m.typing[t.ThreadID]
	if !ok {
		users = make(map[string]models.Typing)
		m.typing[t.ThreadID] = users
	}
	users[t.UserID] = t
	m.mu.Unlock()

	m.hub.Publish(watch.Event{Collection: CollectionTyping, Key: t.ThreadID})
	return nil
}

func (m *MemoryStore) ListTyping(ctx context.Context, threadID string) ([]models.Typing, error) {
	m.mu.RLock()
	out := make([]models.Typing, 0, len(m.typing[threadID]))
	for _, t := range m.typing[threadID] {
		out = append(out, t)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) AddRating(ctx context.Context, r *models.Rating) error {
	m.mu.Lock()
	m.ratings[r.HostID] = append(m.ratings[r.HostID], *r)
	m.mu.Unlock()

	m.hub.Publish(watch.Event{Collection: CollectionRatings, Key: r.HostID})
	return nil
}

func (m *MemoryStore) ListHostRatings(ctx context.Context, hostID string) ([]models.Rating, error) {
	m.mu.RLock()
	out := append([]models.Rating{}, m.ratings[hostID]...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// sortMessages orders by creation time, then ID (IDs are time-sortable).
func sortMessages(ms []models.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}
