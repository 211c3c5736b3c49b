package services

import (
	"sort"
	"sync"

	"consult-system/internal/status"
	"consult-system/models"
)

// RemainingFunc reports the remaining seconds of the provider's active
// session, or zero when the provider is free.
type RemainingFunc func(providerID string) int

// QueueService keeps one FIFO queue per provider. Positions and wait
// estimates are rederived after every mutation so a snapshot is always
// consistent with the order.
type QueueService struct {
	mu        sync.Mutex
	queues    map[string][]models.QueueEntry
	index     map[string]string // consultation id -> provider id
	remaining RemainingFunc
}

func NewQueueService(remaining RemainingFunc) *QueueService {
	if remaining == nil {
		remaining = func(string) int { return 0 }
	}
	return &QueueService{
		queues:    make(map[string][]models.QueueEntry),
		index:     make(map[string]string),
		remaining: remaining,
	}
}

// Enqueue appends entry to its provider's queue and returns the 1-based
// position and estimated wait.
func (s *QueueService) Enqueue(entry models.QueueEntry) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[entry.ConsultationID]; ok {
		return 0, 0, status.ErrAlreadyQueued
	}
	for _, e := range s.queues[entry.ProviderID] {
		if e.UserID == entry.UserID {
			return 0, 0, status.ErrAlreadyQueued
		}
	}

	s.insert(entry)
	for _, e := range s.queues[entry.ProviderID] {
		if e.ConsultationID == entry.ConsultationID {
			return e.Position, e.EstimatedWaitSeconds, nil
		}
	}
	return 0, 0, status.ErrNotQueued
}

// Dequeue removes a waiting consultation and returns its entry.
func (s *QueueService) Dequeue(consultationID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	providerID, ok := s.index[consultationID]
	if !ok {
		return models.QueueEntry{}, status.ErrNotQueued
	}

	entries := s.queues[providerID]
	for i, e := range entries {
		if e.ConsultationID == consultationID {
			s.queues[providerID] = append(entries[:i:i], entries[i+1:]...)
			delete(s.index, consultationID)
			s.renumber(providerID)
			return e, nil
		}
	}
	return models.QueueEntry{}, status.ErrNotQueued
}

// PromoteNext pops the first entry not held for funds.
func (s *QueueService) PromoteNext(providerID string) (models.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.queues[providerID]
	for i, e := range entries {
		if e.HeldForFunds {
			continue
		}
		s.queues[providerID] = append(entries[:i:i], entries[i+1:]...)
		delete(s.index, e.ConsultationID)
		s.renumber(providerID)
		return e, true
	}
	return models.QueueEntry{}, false
}

// ReturnToHead puts back an entry whose promotion failed pre-authorization.
// It keeps its original JoinedAt, so it lands at its FIFO slot, and it is held
// until the user's wallet is credited.
func (s *QueueService) ReturnToHead(entry models.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[entry.ConsultationID]; ok {
		return
	}
	entry.HeldForFunds = true
	s.insert(entry)
}

// ReleaseHolds clears the funds hold on every entry of userID and returns the
// providers whose queues changed.
func (s *QueueService) ReleaseHolds(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var providers []string
	for providerID, entries := range s.queues {
		changed := false
		for i := range entries {
			if entries[i].UserID == userID && entries[i].HeldForFunds {
				entries[i].HeldForFunds = false
				changed = true
			}
		}
		if changed {
			providers = append(providers, providerID)
		}
	}
	sort.Strings(providers)
	return providers
}

// Refresh recomputes wait estimates for providerID after its active session
// changed.
func (s *QueueService) Refresh(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renumber(providerID)
}

// Snapshot returns a copy of the provider's queue in FIFO order.
func (s *QueueService) Snapshot(providerID string) []models.QueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QueueEntry{}, s.queues[providerID]...)
}

// Entry looks up a waiting consultation.
func (s *QueueService) Entry(consultationID string) (models.QueueEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	providerID, ok := s.index[consultationID]
	if !ok {
		return models.QueueEntry{}, false
	}
	for _, e := range s.queues[providerID] {
		if e.ConsultationID == consultationID {
			return e, true
		}
	}
	return models.QueueEntry{}, false
}

func (s *QueueService) Providers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers := make([]string, 0, len(s.queues))
	for providerID, entries := range s.queues {
		if len(entries) > 0 {
			providers = append(providers, providerID)
		}
	}
	sort.Strings(providers)
	return providers
}

func (s *QueueService) Metrics(providerID string) models.QueueMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := models.QueueMetrics{ProviderID: providerID, TotalInQueue: len(s.queues[providerID])}
	for _, e := range s.queues[providerID] {
		if e.HeldForFunds {
			m.HeldForFunds++
		}
	}
	return m
}

func (s *QueueService) insert(entry models.QueueEntry) {
	entries := s.queues[entry.ProviderID]
	i := sort.Search(len(entries), func(i int) bool { return entry.Before(entries[i]) })
	entries = append(entries, models.QueueEntry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = entry
	s.queues[entry.ProviderID] = entries
	s.index[entry.ConsultationID] = entry.ProviderID
	s.renumber(entry.ProviderID)
}

// renumber assigns 1-based positions and wait estimates: the provider's
// active remaining time plus the full allotment of everyone ahead.
func (s *QueueService) renumber(providerID string) {
	entries := s.queues[providerID]
	if len(entries) == 0 {
		delete(s.queues, providerID)
		return
	}
	wait := s.remaining(providerID)
	for i := range entries {
		entries[i].Position = i + 1
		entries[i].EstimatedWaitSeconds = wait
		wait += entries[i].DurationMinutesAllotted * 60
	}
}
