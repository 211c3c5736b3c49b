// Package store persists consultations, billing ticks, messages and the
// provider directory. The engine treats it as a write-behind collaborator:
// the in-memory state is authoritative while the process runs.
package store

import (
	"context"
	"sort"
	"sync"

	"consult-system/internal/status"
	"consult-system/models"
)

type Store interface {
	SaveConsultation(ctx context.Context, c models.Consultation) error
	ListOpenConsultations(ctx context.Context) ([]models.Consultation, error)
	AppendBillingTick(ctx context.Context, tick models.BillingTick) error
	BillingTicks(ctx context.Context, consultationID string) ([]models.BillingTick, error)
	PersistMessage(ctx context.Context, m models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	UpdateMessage(ctx context.Context, m models.Message) error
	Provider(ctx context.Context, id string) (models.Provider, error)
	SetProviderAvailability(ctx context.Context, id string, available bool) error
}

type MemoryStore struct {
	mu            sync.RWMutex
	consultations map[string]models.Consultation
	ticks         map[string][]models.BillingTick
	messages      map[string]models.Message
	providers     map[string]models.Provider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		consultations: make(map[string]models.Consultation),
		ticks:         make(map[string][]models.BillingTick),
		messages:      make(map[string]models.Message),
		providers:     make(map[string]models.Provider),
	}
}

// PutProvider seeds the provider directory.
func (s *MemoryStore) PutProvider(p models.Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.ID] = p
}

func (s *MemoryStore) SaveConsultation(_ context.Context, c models.Consultation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consultations[c.ID] = c.Clone()
	return nil
}

// Consultation returns the last saved copy of id.
func (s *MemoryStore) Consultation(id string) (models.Consultation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.consultations[id]
	return c.Clone(), ok
}

func (s *MemoryStore) ListOpenConsultations(_ context.Context) ([]models.Consultation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Consultation
	for _, c := range s.consultations {
		if !c.Ended() {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) AppendBillingTick(_ context.Context, tick models.BillingTick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[tick.ConsultationID] = append(s.ticks[tick.ConsultationID], tick)
	return nil
}

func (s *MemoryStore) BillingTicks(_ context.Context, consultationID string) ([]models.BillingTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.BillingTick(nil), s.ticks[consultationID]...), nil
}

func (s *MemoryStore) PersistMessage(_ context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, status.ErrMessageNotFound
	}
	return cloneMessage(m), nil
}

func (s *MemoryStore) UpdateMessage(_ context.Context, m models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return status.ErrMessageNotFound
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

func (s *MemoryStore) Provider(_ context.Context, id string) (models.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return models.Provider{}, status.ErrProviderNotFound
	}
	return p, nil
}

func (s *MemoryStore) SetProviderAvailability(_ context.Context, id string, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[id]
	if !ok {
		return status.ErrProviderNotFound
	}
	p.Available = available
	s.providers[id] = p
	return nil
}

func cloneMessage(m models.Message) models.Message {
	out := m
	out.HiddenFor = copySet(m.HiddenFor)
	out.ReadBy = copySet(m.ReadBy)
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

func copySet(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		if v {
			out[k] = true
		}
	}
	return out
}
