package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"consult-system/internal/protocol"
	"consult-system/internal/session"
	"consult-system/internal/status"
	"consult-system/internal/store"
	"consult-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const endedRetention = time.Hour

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Broadcaster delivers events. Room fans out to the sockets joined to a
// consultation, User to every socket of a user plus the push mirror, and
// Mirror only to the push mirror.
type Broadcaster interface {
	Room(consultationID string, ev protocol.Event)
	User(userID string, ev protocol.Event)
	Mirror(userID string, ev protocol.Event)
}

// Observer receives lifecycle counters.
type Observer interface {
	SessionStarted(providerID string)
	SessionEnded(reason models.EndReason)
	MinuteBilled(amount decimal.Decimal)
	QueueDepth(providerID string, depth int)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string)         {}
func (nopObserver) SessionEnded(models.EndReason) {}
func (nopObserver) MinuteBilled(decimal.Decimal)  {}
func (nopObserver) QueueDepth(string, int)        {}

type SessionConfig struct {
	Thresholds       session.Thresholds
	TickInterval     time.Duration
	PositionInterval time.Duration
}

// SessionService owns every open consultation. All state changes happen
// under one mutex, so ticks, commands and admin actions are applied one at a
// time in arrival order.
type SessionService struct {
	mu       sync.Mutex
	cfg      SessionConfig
	clock    Clock
	store    store.Store
	billing  *BillingService
	queue    *QueueService
	out      Broadcaster
	observer Observer
	newID    func() string

	live   map[string]*session.State
	active map[string]string // provider id -> consultation id
	queued map[string]models.Consultation
	ended  map[string]models.Consultation
}

func NewSessionService(cfg SessionConfig, st store.Store, billing *BillingService, out Broadcaster) *SessionService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PositionInterval <= 0 {
		cfg.PositionInterval = 5 * time.Second
	}
	e := &SessionService{
		cfg:      cfg,
		clock:    systemClock{},
		store:    st,
		billing:  billing,
		out:      out,
		observer: nopObserver{},
		newID:    uuid.NewString,
		live:     make(map[string]*session.State),
		active:   make(map[string]string),
		queued:   make(map[string]models.Consultation),
		ended:    make(map[string]models.Consultation),
	}
	e.queue = NewQueueService(e.activeRemaining)
	return e
}

// Observe installs o as the lifecycle observer.
func (e *SessionService) Observe(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	e.observer = o
}

// Run drives every live session from one ticker until ctx is cancelled.
func (e *SessionService) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	positions := time.NewTicker(e.cfg.PositionInterval)
	defer positions.Stop()

	slog.Info("session driver started", "tick", e.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("session driver stopping")
			return nil
		case <-ticker.C:
			e.Tick(ctx, e.clock.Now())
		case <-positions.C:
			e.RefreshPositions()
		}
	}
}

// Tick settles billing and advances the clock of every live session.
func (e *SessionService) Tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		_ = e.guard(ctx, id, func() error {
			e.advance(ctx, id, now)
			return nil
		})
	}
	e.pruneEnded(now)
}

// RefreshPositions republishes queue positions and wait estimates for every
// provider with a waiting queue.
func (e *SessionService) RefreshPositions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, providerID := range e.queue.Providers() {
		e.broadcastPositions(providerID)
	}
}

// Join queues userID for providerID and promotes immediately when the
// provider is free.
func (e *SessionService) Join(ctx context.Context, userID, providerID string, minutes int) (models.Consultation, error) {
	if minutes <= 0 {
		return models.Consultation{}, status.ErrInvalidDuration
	}
	provider, err := e.store.Provider(ctx, providerID)
	if errors.Is(err, status.ErrProviderNotFound) {
		return models.Consultation{}, fmt.Errorf("%w: %s", status.ErrProviderUnavailable, providerID)
	}
	if err != nil {
		return models.Consultation{}, err
	}
	if !provider.Available {
		return models.Consultation{}, status.ErrProviderUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hasOpen(userID, providerID) {
		return models.Consultation{}, status.ErrAlreadyQueued
	}

	now := e.clock.Now()
	c := models.Consultation{
		ID:                      e.newID(),
		UserID:                  userID,
		ProviderID:              providerID,
		Status:                  models.StatusQueued,
		RatePerMinute:           FrozenRate(provider.RatePerMinute),
		Currency:                provider.Currency,
		DurationMinutesAllotted: minutes,
		JoinedAt:                now,
	}
	if err := e.enqueue(ctx, c, now); err != nil {
		return models.Consultation{}, err
	}
	e.promote(ctx, providerID, now)

	out, _ := e.lookup(c.ID)
	return out, nil
}

// Cancel removes a waiting consultation on behalf of its user.
func (e *SessionService) Cancel(ctx context.Context, consultationID, userID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.queued[consultationID]
	if !ok {
		return status.ErrNotQueued
	}
	if c.UserID != userID {
		return status.ErrUnauthorizedCommand
	}
	return e.guard(ctx, consultationID, func() error {
		return e.end(ctx, consultationID, models.EndReasonCancelled, e.clock.Now())
	})
}

// End terminates a consultation on behalf of one of its participants. Ending
// an already ended consultation is a no-op.
func (e *SessionService) End(ctx context.Context, consultationID, actorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.lookup(consultationID)
	if !ok {
		return status.ErrConsultationNotFound
	}

	var reason models.EndReason
	switch actorID {
	case c.UserID:
		reason = models.EndReasonUser
	case c.ProviderID:
		reason = models.EndReasonProvider
	default:
		return status.ErrUnauthorizedCommand
	}
	if c.Status == models.StatusQueued {
		reason = models.EndReasonCancelled
	}

	return e.guard(ctx, consultationID, func() error {
		return e.end(ctx, consultationID, reason, e.clock.Now())
	})
}

// ForceEnd terminates a consultation from the admin control plane.
func (e *SessionService) ForceEnd(ctx context.Context, consultationID, adminID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	slog.Info("admin force end", "consultation", consultationID, "admin", adminID)
	return e.guard(ctx, consultationID, func() error {
		return e.end(ctx, consultationID, models.EndReasonAdmin, e.clock.Now())
	})
}

// Extend adds minutes to a running session after pre-authorizing their cost.
// If the clock already ran out the session expires and the extension is
// rejected with ErrSessionExpired.
func (e *SessionService) Extend(ctx context.Context, consultationID, userID string, minutes int) (models.Consultation, error) {
	if minutes <= 0 {
		return models.Consultation{}, status.ErrInvalidDuration
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.live[consultationID]
	if !ok {
		if _, known := e.lookup(consultationID); known {
			return models.Consultation{}, status.ErrSessionNotLive
		}
		return models.Consultation{}, status.ErrConsultationNotFound
	}
	if s.Consultation.UserID != userID {
		return models.Consultation{}, status.ErrUnauthorizedCommand
	}

	var result models.Consultation
	err := e.guard(ctx, consultationID, func() error {
		now := e.clock.Now()
		next, events := e.catchUp(ctx, *s, now)
		if next.Consultation.Ended() {
			e.apply(ctx, next, events, now)
			result = next.Consultation
			if next.Consultation.EndReason == models.EndReasonExpired {
				return status.ErrSessionExpired
			}
			return status.ErrSessionNotLive
		}

		c := next.Consultation
		required, balance, err := e.billing.PreAuthorize(ctx, c.UserID, c.RatePerMinute, minutes)
		if err != nil {
			e.apply(ctx, next, events, now)
			if errors.Is(err, status.ErrInsufficientFunds) {
				ev := protocol.NewEvent(protocol.EvtWalletInsufficient, c.ID, protocol.WalletInsufficient{
					Required: required,
					Balance:  balance,
					Message:  "Top up your wallet to extend this consultation.",
				}, now)
				e.out.Room(c.ID, ev)
				e.out.Mirror(c.UserID, ev)
			}
			result = next.Consultation
			return err
		}

		extended, evs, err := session.Step(next, session.Extend{Minutes: minutes, Now: now}, e.cfg.Thresholds)
		if err != nil {
			e.apply(ctx, next, events, now)
			result = next.Consultation
			return err
		}
		e.apply(ctx, extended, append(events, evs...), now)
		e.broadcastPositions(c.ProviderID)
		result = extended.Consultation
		return nil
	})
	return result.Clone(), err
}

// Reroute moves a consultation to another provider. A waiting consultation
// keeps its place in time; a running one ends with reason rerouted and the
// unbilled remainder of its allotment is queued at the target.
func (e *SessionService) Reroute(ctx context.Context, consultationID, toProviderID, adminID string) (models.Consultation, error) {
	target, err := e.store.Provider(ctx, toProviderID)
	if err != nil {
		return models.Consultation{}, err
	}
	if !target.Available {
		return models.Consultation{}, status.ErrProviderUnavailable
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var result models.Consultation
	err = e.guard(ctx, consultationID, func() error {
		now := e.clock.Now()

		if c, ok := e.queued[consultationID]; ok {
			if c.ProviderID == toProviderID {
				result = c
				return nil
			}
			if e.hasOpen(c.UserID, toProviderID) {
				return status.ErrAlreadyQueued
			}
			entry, err := e.queue.Dequeue(consultationID)
			if err != nil {
				return err
			}
			from := c.ProviderID
			entry.ProviderID = toProviderID
			entry.HeldForFunds = false
			c.ProviderID = toProviderID
			c.RatePerMinute = FrozenRate(target.RatePerMinute)
			c.Currency = target.Currency
			delete(e.queued, consultationID)

			if _, _, err := e.queue.Enqueue(entry); err != nil {
				return err
			}
			e.queued[c.ID] = c
			e.save(ctx, c)
			e.publishRerouted(c, from, toProviderID, c.ID, now)
			e.broadcastPositions(from)
			e.promote(ctx, toProviderID, now)
			result, _ = e.lookup(c.ID)
			return nil
		}

		s, ok := e.live[consultationID]
		if !ok {
			if _, known := e.lookup(consultationID); known {
				return status.ErrSessionNotLive
			}
			return status.ErrConsultationNotFound
		}
		if s.Consultation.ProviderID == toProviderID {
			return status.ErrAlreadyQueued
		}

		next, events := e.billing.Settle(ctx, *s, now, e.cfg.Thresholds)
		if next.Consultation.Ended() {
			e.apply(ctx, next, events, now)
			return status.ErrSessionNotLive
		}
		ended, evs, err := session.Step(next, session.End{Reason: models.EndReasonRerouted, Now: now}, e.cfg.Thresholds)
		if err != nil {
			return err
		}
		old := ended.Consultation
		leftover := old.DurationMinutesAllotted - old.BilledMinutes

		var replacement models.Consultation
		if leftover > 0 && !e.hasOpen(old.UserID, toProviderID) {
			replacement = models.Consultation{
				ID:                      e.newID(),
				UserID:                  old.UserID,
				ProviderID:              toProviderID,
				Status:                  models.StatusQueued,
				RatePerMinute:           FrozenRate(target.RatePerMinute),
				Currency:                target.Currency,
				DurationMinutesAllotted: leftover,
				JoinedAt:                now,
			}
		}

		e.publishRerouted(old, old.ProviderID, toProviderID, replacement.ID, now)
		e.apply(ctx, ended, append(events, evs...), now)

		if replacement.ID == "" {
			result = old
			return nil
		}
		if err := e.enqueue(ctx, replacement, now); err != nil {
			return err
		}
		e.promote(ctx, toProviderID, now)
		result, _ = e.lookup(replacement.ID)
		return nil
	})
	slog.Info("admin reroute", "consultation", consultationID, "to", toProviderID, "admin", adminID, "error", err)
	return result.Clone(), err
}

// Override tells both participants that an admin has taken control of the
// consultation.
func (e *SessionService) Override(ctx context.Context, consultationID, adminID, note string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.lookup(consultationID)
	if !ok {
		return status.ErrConsultationNotFound
	}
	if c.Ended() {
		return status.ErrSessionNotLive
	}
	ev := protocol.NewEvent(protocol.EvtAdminOverrideActive, c.ID, protocol.AdminOverride{
		AdminID: adminID,
		Note:    note,
	}, e.clock.Now())
	e.out.Room(c.ID, ev)
	e.out.Mirror(c.UserID, ev)
	return nil
}

// Notify pushes a popup to a consultation room, or to a user when
// consultationID is empty.
func (e *SessionService) Notify(ctx context.Context, userID, consultationID string, popup protocol.Popup) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if consultationID != "" {
		if _, ok := e.lookup(consultationID); !ok {
			return status.ErrConsultationNotFound
		}
		e.out.Room(consultationID, protocol.NewEvent(protocol.EvtNotificationPopup, consultationID, popup, now))
		return nil
	}
	if userID == "" {
		return status.ErrConsultationNotFound
	}
	e.out.User(userID, protocol.NewEvent(protocol.EvtNotificationPopup, "", popup, now))
	return nil
}

// SetProviderAvailability persists the flag and promotes the head of the
// queue when the provider comes back.
func (e *SessionService) SetProviderAvailability(ctx context.Context, providerID string, available bool) error {
	if err := e.store.SetProviderAvailability(ctx, providerID, available); err != nil {
		return err
	}
	if !available {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.promote(ctx, providerID, e.clock.Now())
	return nil
}

// CreditReceived releases funds holds for userID and retries promotion on
// every affected provider.
func (e *SessionService) CreditReceived(ctx context.Context, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	for _, providerID := range e.queue.ReleaseHolds(userID) {
		e.promote(ctx, providerID, now)
	}
}

func (e *SessionService) QueueView(providerID string) models.QueueView {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.queue.Refresh(providerID)
	return models.QueueView{
		ProviderID: providerID,
		Entries:    e.queue.Snapshot(providerID),
		Active:     e.activeView(providerID),
	}
}

func (e *SessionService) ActiveView(providerID string) *models.ActiveView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeView(providerID)
}

// ActiveSessions lists every running session, ordered by provider.
func (e *SessionService) ActiveSessions() []models.ActiveView {
	e.mu.Lock()
	defer e.mu.Unlock()

	providers := make([]string, 0, len(e.active))
	for providerID := range e.active {
		providers = append(providers, providerID)
	}
	sort.Strings(providers)

	out := make([]models.ActiveView, 0, len(providers))
	for _, providerID := range providers {
		if v := e.activeView(providerID); v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// QueueMetrics summarizes every provider with a waiting or running
// consultation, ordered by provider.
func (e *SessionService) QueueMetrics() []models.QueueMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool)
	providers := e.queue.Providers()
	for _, providerID := range providers {
		seen[providerID] = true
	}
	for providerID := range e.active {
		if !seen[providerID] {
			providers = append(providers, providerID)
		}
	}
	sort.Strings(providers)

	now := e.clock.Now()
	out := make([]models.QueueMetrics, 0, len(providers))
	for _, providerID := range providers {
		m := e.queue.Metrics(providerID)
		_, m.HasActiveSession = e.active[providerID]
		m.LastUpdated = now
		out = append(out, m)
	}
	return out
}

// QueuedProviders lists providers with at least one waiting consultation.
func (e *SessionService) QueuedProviders() []string {
	return e.queue.Providers()
}

// TimeLeft returns a session-time-left snapshot for the consultation.
func (e *SessionService) TimeLeft(consultationID string) (protocol.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.lookup(consultationID)
	if !ok {
		return protocol.Event{}, status.ErrConsultationNotFound
	}
	return session.TimeLeft(c, e.clock.Now()), nil
}

func (e *SessionService) Consultation(consultationID string) (models.Consultation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.lookup(consultationID)
	if !ok {
		return models.Consultation{}, status.ErrConsultationNotFound
	}
	return c, nil
}

// Authorize checks that userID may join the consultation's room.
func (e *SessionService) Authorize(consultationID, userID string, admin bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.lookup(consultationID)
	if !ok {
		return status.ErrConsultationNotFound
	}
	if admin || userID == c.UserID || userID == c.ProviderID {
		return nil
	}
	return status.ErrUnauthorizedCommand
}

// Restore rehydrates queued and running consultations from the store. Running
// sessions are caught up against the wall clock, so time spent while the
// process was down still counts.
func (e *SessionService) Restore(ctx context.Context) (int, error) {
	open, err := e.store.ListOpenConsultations(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	providers := map[string]bool{}
	restored := 0
	for _, c := range open {
		switch {
		case c.Status == models.StatusQueued:
			entry := entryFor(c)
			if _, _, err := e.queue.Enqueue(entry); err != nil {
				slog.Warn("restore queued consultation", "consultation", c.ID, "error", err)
				continue
			}
			e.queued[c.ID] = c
			providers[c.ProviderID] = true
			restored++

		case c.Status.Live() && c.StartedAt != nil:
			if other, busy := e.active[c.ProviderID]; busy {
				slog.Error("provider has two running sessions", "provider", c.ProviderID, "kept", other, "dropped", c.ID)
				s := session.NewState(c)
				if next, events, err := session.Step(s, session.End{Reason: models.EndReasonInternalError, Now: now}, e.cfg.Thresholds); err == nil {
					e.ended[c.ID] = next.Consultation
					e.save(ctx, next.Consultation)
					e.publish(next.Consultation, events)
				}
				continue
			}
			s := e.restoredState(c, now)
			e.live[c.ID] = &s
			e.active[c.ProviderID] = c.ID
			providers[c.ProviderID] = true
			restored++

		default:
			slog.Warn("skipping inconsistent consultation", "consultation", c.ID, "status", c.Status)
		}
	}

	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		_ = e.guard(ctx, id, func() error {
			e.advance(ctx, id, now)
			return nil
		})
	}

	names := make([]string, 0, len(providers))
	for p := range providers {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, providerID := range names {
		e.promote(ctx, providerID, now)
	}

	slog.Info("restored consultations", "count", restored)
	return restored, nil
}

// restoredState rebuilds the warning flags from the remaining time so a
// restart does not re-fire warnings already crossed.
func (e *SessionService) restoredState(c models.Consultation, now time.Time) session.State {
	s := session.NewState(c)
	remaining := c.RemainingSeconds(now)
	s.LastRemaining = remaining
	s.WarningSent = remaining <= int(e.cfg.Thresholds.Warning/time.Second)
	s.FinalSent = remaining <= int(e.cfg.Thresholds.Final/time.Second)
	switch {
	case s.FinalSent:
		s.Consultation.Status = models.StatusFinalWarning
	case s.WarningSent:
		s.Consultation.Status = models.StatusWarning
	}
	return s
}

func (e *SessionService) advance(ctx context.Context, id string, now time.Time) {
	s, ok := e.live[id]
	if !ok {
		return
	}
	next, events := e.catchUp(ctx, *s, now)
	e.apply(ctx, next, events, now)
}

// catchUp bills completed minutes first so natural completion charges the
// full allotment, then advances the clock.
func (e *SessionService) catchUp(ctx context.Context, s session.State, now time.Time) (session.State, []protocol.Event) {
	next, events := e.billing.Settle(ctx, s, now, e.cfg.Thresholds)
	if next.Consultation.Ended() {
		return next, events
	}
	clocked, evs, err := session.Step(next, session.Clock{Now: now}, e.cfg.Thresholds)
	if err != nil {
		slog.Debug("clock step", "consultation", s.Consultation.ID, "error", err)
		return next, events
	}
	return clocked, append(events, evs...)
}

func (e *SessionService) apply(ctx context.Context, s session.State, events []protocol.Event, now time.Time) {
	c := s.Consultation
	if c.Ended() {
		e.finish(ctx, s, events, now)
		return
	}
	prev := e.live[c.ID]
	e.live[c.ID] = &s
	if prev == nil || prev.Consultation.Status != c.Status ||
		prev.Consultation.BilledMinutes != c.BilledMinutes ||
		prev.Consultation.DurationMinutesAllotted != c.DurationMinutesAllotted {
		e.save(ctx, c)
	}
	e.publish(c, events)
}

func (e *SessionService) finish(ctx context.Context, s session.State, events []protocol.Event, now time.Time) {
	c := s.Consultation
	delete(e.live, c.ID)
	if e.active[c.ProviderID] == c.ID {
		delete(e.active, c.ProviderID)
	}
	e.ended[c.ID] = c
	e.save(ctx, c)
	e.publish(c, events)
	e.observer.SessionEnded(c.EndReason)
	slog.Info("consultation ended", "consultation", c.ID, "reason", c.EndReason, "billed_minutes", c.BilledMinutes)

	e.promote(ctx, c.ProviderID, now)
}

func (e *SessionService) end(ctx context.Context, id string, reason models.EndReason, now time.Time) error {
	if s, ok := e.live[id]; ok {
		next, events := e.billing.Settle(ctx, *s, now, e.cfg.Thresholds)
		if !next.Consultation.Ended() {
			ended, evs, err := session.Step(next, session.End{Reason: reason, Now: now}, e.cfg.Thresholds)
			if err != nil {
				return err
			}
			next = ended
			events = append(events, evs...)
		}
		e.apply(ctx, next, events, now)
		return nil
	}

	if c, ok := e.queued[id]; ok {
		if _, err := e.queue.Dequeue(id); err != nil {
			slog.Warn("dequeue on end", "consultation", id, "error", err)
		}
		delete(e.queued, id)
		ended, events, err := session.Step(session.NewState(c), session.End{Reason: reason, Now: now}, e.cfg.Thresholds)
		if err != nil {
			return err
		}
		e.ended[id] = ended.Consultation
		e.save(ctx, ended.Consultation)
		e.publish(ended.Consultation, events)
		e.observer.SessionEnded(reason)
		e.broadcastPositions(c.ProviderID)
		return nil
	}

	if _, ok := e.ended[id]; ok {
		slog.Debug("end on ended consultation", "consultation", id, "error", status.ErrDuplicateTransition)
		return nil
	}
	return status.ErrConsultationNotFound
}

// promote activates waiting consultations while the provider is free. An
// entry whose wallet cannot fund one minute goes back to its slot, held until
// a credit arrives, and the next entry is tried.
func (e *SessionService) promote(ctx context.Context, providerID string, now time.Time) {
	defer e.broadcastPositions(providerID)

	for {
		if _, busy := e.active[providerID]; busy {
			return
		}
		entry, ok := e.queue.PromoteNext(providerID)
		if !ok {
			return
		}
		c, ok := e.queued[entry.ConsultationID]
		if !ok {
			slog.Warn("queue entry without consultation", "consultation", entry.ConsultationID)
			continue
		}

		provider, err := e.store.Provider(ctx, providerID)
		if err != nil || !provider.Available {
			if _, _, qerr := e.queue.Enqueue(entry); qerr != nil {
				slog.Error("requeue entry", "consultation", c.ID, "error", qerr)
			}
			return
		}

		required, balance, err := e.billing.PreAuthorize(ctx, c.UserID, provider.RatePerMinute, 1)
		if errors.Is(err, status.ErrInsufficientFunds) {
			e.queue.ReturnToHead(entry)
			ev := protocol.NewEvent(protocol.EvtWalletInsufficient, c.ID, protocol.WalletInsufficient{
				Required: required,
				Balance:  balance,
				Message:  "Top up your wallet to start this consultation.",
			}, now)
			e.out.User(c.UserID, ev)
			continue
		}
		if err != nil {
			slog.Warn("pre-authorization failed", "consultation", c.ID, "error", err)
			if _, _, qerr := e.queue.Enqueue(entry); qerr != nil {
				slog.Error("requeue entry", "consultation", c.ID, "error", qerr)
			}
			return
		}

		s := session.NewState(c)
		next, events, err := session.Step(s, session.Activate{
			At:       now,
			Rate:     FrozenRate(provider.RatePerMinute),
			Currency: provider.Currency,
		}, e.cfg.Thresholds)
		if err != nil {
			slog.Debug("activate", "consultation", c.ID, "error", err)
			continue
		}
		delete(e.queued, c.ID)
		e.live[c.ID] = &next
		e.active[providerID] = c.ID
		e.save(ctx, next.Consultation)
		e.observer.SessionStarted(providerID)
		e.publish(next.Consultation, events)
		slog.Info("consultation started", "consultation", c.ID, "provider", providerID, "user", c.UserID)
	}
}

func (e *SessionService) enqueue(ctx context.Context, c models.Consultation, now time.Time) error {
	pos, wait, err := e.queue.Enqueue(entryFor(c))
	if err != nil {
		return err
	}
	c.QueuePosition = &pos
	e.queued[c.ID] = c
	e.save(ctx, c)
	e.out.User(c.UserID, protocol.NewEvent(protocol.EvtQueuePosition, c.ID, protocol.QueuePosition{
		ProviderID:           c.ProviderID,
		Position:             pos,
		EstimatedWaitSeconds: wait,
	}, now))
	return nil
}

func (e *SessionService) broadcastPositions(providerID string) {
	e.queue.Refresh(providerID)
	entries := e.queue.Snapshot(providerID)
	now := e.clock.Now()
	for _, entry := range entries {
		if c, ok := e.queued[entry.ConsultationID]; ok {
			pos := entry.Position
			c.QueuePosition = &pos
			e.queued[entry.ConsultationID] = c
		}
		e.out.User(entry.UserID, protocol.NewEvent(protocol.EvtQueuePosition, entry.ConsultationID, protocol.QueuePosition{
			ProviderID:           providerID,
			Position:             entry.Position,
			EstimatedWaitSeconds: entry.EstimatedWaitSeconds,
			HeldForFunds:         entry.HeldForFunds,
		}, now))
	}
	e.observer.QueueDepth(providerID, len(entries))
}

func (e *SessionService) publish(c models.Consultation, events []protocol.Event) {
	for _, ev := range events {
		switch ev.Type {
		case protocol.EvtSessionStarted:
			e.out.User(c.UserID, ev)
			e.out.User(c.ProviderID, ev)
		case protocol.EvtWalletDeducted, protocol.EvtWalletBalanceUpdate,
			protocol.EvtWalletInsufficient, protocol.EvtConsultationEnded:
			e.out.Room(c.ID, ev)
			e.out.Mirror(c.UserID, ev)
		default:
			e.out.Room(c.ID, ev)
		}
		if ev.Type == protocol.EvtWalletDeducted {
			if d, ok := ev.Data.(protocol.WalletDeducted); ok {
				e.observer.MinuteBilled(d.Amount)
			}
		}
	}
}

func (e *SessionService) publishRerouted(c models.Consultation, from, to, newID string, now time.Time) {
	ev := protocol.NewEvent(protocol.EvtRerouted, c.ID, protocol.Rerouted{
		FromProviderID:    from,
		ToProviderID:      to,
		NewConsultationID: newID,
	}, now)
	e.out.Room(c.ID, ev)
	e.out.Mirror(c.UserID, ev)
}

func (e *SessionService) save(ctx context.Context, c models.Consultation) {
	if err := e.store.SaveConsultation(ctx, c); err != nil {
		slog.Error("save consultation", "consultation", c.ID, "status", c.Status, "error", err)
	}
}

// guard runs fn and converts a panic into an internal_error end of the
// affected consultation only.
func (e *SessionService) guard(ctx context.Context, consultationID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic", "consultation", consultationID, "panic", r, "stack", string(debug.Stack()))
			e.abort(ctx, consultationID)
			err = fmt.Errorf("consultation %s: internal error: %v", consultationID, r)
		}
	}()
	return fn()
}

func (e *SessionService) abort(ctx context.Context, consultationID string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("abort failed", "consultation", consultationID, "panic", r)
		}
	}()

	now := e.clock.Now()
	var s session.State
	if live, ok := e.live[consultationID]; ok {
		s = *live
	} else if c, ok := e.queued[consultationID]; ok {
		if _, err := e.queue.Dequeue(consultationID); err != nil {
			slog.Warn("dequeue on abort", "consultation", consultationID, "error", err)
		}
		delete(e.queued, consultationID)
		s = session.NewState(c)
	} else {
		return
	}

	ended, events, err := session.Step(s, session.End{Reason: models.EndReasonInternalError, Now: now}, e.cfg.Thresholds)
	if err != nil {
		return
	}
	c := ended.Consultation
	delete(e.live, c.ID)
	if e.active[c.ProviderID] == c.ID {
		delete(e.active, c.ProviderID)
	}
	e.ended[c.ID] = c
	e.save(ctx, c)
	e.publish(c, events)
	e.observer.SessionEnded(c.EndReason)
}

func (e *SessionService) pruneEnded(now time.Time) {
	for id, c := range e.ended {
		if c.EndedAt != nil && now.Sub(*c.EndedAt) > endedRetention {
			delete(e.ended, id)
		}
	}
}

func (e *SessionService) lookup(id string) (models.Consultation, bool) {
	if s, ok := e.live[id]; ok {
		return s.Consultation.Clone(), true
	}
	if c, ok := e.queued[id]; ok {
		return c.Clone(), true
	}
	if c, ok := e.ended[id]; ok {
		return c.Clone(), true
	}
	return models.Consultation{}, false
}

func (e *SessionService) hasOpen(userID, providerID string) bool {
	for _, c := range e.queued {
		if c.UserID == userID && c.ProviderID == providerID {
			return true
		}
	}
	for _, s := range e.live {
		if s.Consultation.UserID == userID && s.Consultation.ProviderID == providerID {
			return true
		}
	}
	return false
}

// activeRemaining is called by the queue with e.mu already held.
func (e *SessionService) activeRemaining(providerID string) int {
	id, ok := e.active[providerID]
	if !ok {
		return 0
	}
	s, ok := e.live[id]
	if !ok {
		return 0
	}
	return s.Consultation.RemainingSeconds(e.clock.Now())
}

func (e *SessionService) activeView(providerID string) *models.ActiveView {
	id, ok := e.active[providerID]
	if !ok {
		return nil
	}
	s, ok := e.live[id]
	if !ok || s.Consultation.StartedAt == nil {
		return nil
	}
	c := s.Consultation
	return &models.ActiveView{
		ConsultationID:   c.ID,
		ProviderID:       c.ProviderID,
		UserID:           c.UserID,
		Status:           c.Status,
		StartedAt:        *c.StartedAt,
		RemainingSeconds: c.RemainingSeconds(e.clock.Now()),
	}
}

func entryFor(c models.Consultation) models.QueueEntry {
	return models.QueueEntry{
		ConsultationID:          c.ID,
		ProviderID:              c.ProviderID,
		UserID:                  c.UserID,
		JoinedAt:                c.JoinedAt,
		DurationMinutesAllotted: c.DurationMinutesAllotted,
	}
}
