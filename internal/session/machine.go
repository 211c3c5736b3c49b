// Package session holds the consultation lifecycle as a pure transition
// function. Nothing here touches the wallet, the store or a socket: callers
// feed inputs in and publish the returned events.
package session

import (
	"fmt"
	"time"

	"consult-system/internal/protocol"
	"consult-system/internal/status"
	"consult-system/models"

	"github.com/shopspring/decimal"
)

type Thresholds struct {
	Warning time.Duration
	Final   time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 5 * time.Minute, Final: time.Minute}
}

// State is a consultation plus the bookkeeping needed to fire each warning
// once per crossing.
type State struct {
	Consultation  models.Consultation
	WarningSent   bool
	FinalSent     bool
	LastRemaining int
}

func NewState(c models.Consultation) State {
	return State{Consultation: c, LastRemaining: c.RemainingSeconds(time.Time{})}
}

type Input interface {
	input()
}

type Activate struct {
	At       time.Time
	Rate     decimal.Decimal
	Currency string
}

type Clock struct {
	Now time.Time
}

type MinuteBilled struct {
	Tick     models.BillingTick
	Currency string
	Low      bool
	Now      time.Time
}

type Extend struct {
	Minutes int
	Now     time.Time
}

type End struct {
	Reason models.EndReason
	Now    time.Time
}

func (Activate) input()     {}
func (Clock) input()        {}
func (MinuteBilled) input() {}
func (Extend) input()       {}
func (End) input()          {}

// Step applies one input. Inputs against an ended consultation return
// status.ErrDuplicateTransition and leave the state untouched.
func Step(s State, in Input, th Thresholds) (State, []protocol.Event, error) {
	if s.Consultation.Ended() {
		return s, nil, status.ErrDuplicateTransition
	}

	switch in := in.(type) {
	case Activate:
		return activate(s, in)
	case Clock:
		return clock(s, in, th)
	case MinuteBilled:
		return minuteBilled(s, in)
	case Extend:
		return extend(s, in, th)
	case End:
		return end(s, in.Reason, in.Now)
	}
	return s, nil, fmt.Errorf("session: unsupported input %T", in)
}

func activate(s State, in Activate) (State, []protocol.Event, error) {
	c := &s.Consultation
	if c.Status != models.StatusQueued {
		return s, nil, status.ErrDuplicateTransition
	}

	at := in.At
	c.Status = models.StatusActive
	c.StartedAt = &at
	c.RatePerMinute = in.Rate
	c.Currency = in.Currency
	c.QueuePosition = nil
	s.LastRemaining = c.RemainingSeconds(at)
	s.WarningSent, s.FinalSent = false, false

	events := []protocol.Event{
		protocol.NewEvent(protocol.EvtSessionStarted, c.ID, protocol.SessionStarted{
			UserID:          c.UserID,
			ProviderID:      c.ProviderID,
			RatePerMinute:   c.RatePerMinute,
			DurationMinutes: c.DurationMinutesAllotted,
			StartedAt:       at,
		}, at),
		timeLeft(c, at),
	}
	return s, events, nil
}

func clock(s State, in Clock, th Thresholds) (State, []protocol.Event, error) {
	c := &s.Consultation
	if !c.Status.Live() {
		return s, nil, nil
	}

	remaining := c.RemainingSeconds(in.Now)
	if remaining <= 0 {
		expiry := c.StartedAt.Add(c.Allotted())
		if in.Now.Before(expiry) {
			expiry = in.Now
		}
		expired := protocol.NewEvent(protocol.EvtSessionExpired, c.ID, protocol.Warning{
			RemainingSeconds: 0,
			Message:          "Your session time is over.",
		}, expiry)
		next, events, err := end(s, models.EndReasonExpired, expiry)
		return next, append([]protocol.Event{expired}, events...), err
	}

	var events []protocol.Event
	warnAt := int(th.Warning / time.Second)
	finalAt := int(th.Final / time.Second)

	if !s.WarningSent && s.LastRemaining > warnAt && remaining <= warnAt {
		s.WarningSent = true
		if c.Status == models.StatusActive {
			c.Status = models.StatusWarning
		}
		events = append(events, protocol.NewEvent(protocol.EvtSessionWarning, c.ID, protocol.Warning{
			RemainingSeconds: remaining,
			Message:          fmt.Sprintf("%d minutes left in your session.", warnAt/60),
		}, in.Now))
	}
	if !s.FinalSent && s.LastRemaining > finalAt && remaining <= finalAt {
		s.FinalSent = true
		c.Status = models.StatusFinalWarning
		events = append(events, protocol.NewEvent(protocol.EvtSessionAlert, c.ID, protocol.Warning{
			RemainingSeconds: remaining,
			Message:          "Your session is about to end.",
		}, in.Now))
	}
	s.LastRemaining = remaining
	return s, events, nil
}

func minuteBilled(s State, in MinuteBilled) (State, []protocol.Event, error) {
	c := &s.Consultation
	if !c.Status.Live() {
		return s, nil, status.ErrSessionNotLive
	}
	if in.Tick.MinuteIndex != c.BilledMinutes+1 {
		return s, nil, status.ErrDuplicateTransition
	}
	c.BilledMinutes = in.Tick.MinuteIndex

	events := []protocol.Event{
		protocol.NewEvent(protocol.EvtWalletDeducted, c.ID, protocol.WalletDeducted{
			MinuteIndex:  in.Tick.MinuteIndex,
			Amount:       in.Tick.AmountDebited,
			BalanceAfter: in.Tick.WalletBalanceAfter,
		}, in.Now),
		protocol.NewEvent(protocol.EvtWalletBalanceUpdate, c.ID, protocol.WalletBalance{
			Balance:  in.Tick.WalletBalanceAfter,
			Currency: in.Currency,
			Low:      in.Low,
		}, in.Now),
		timeLeft(c, in.Now),
	}
	return s, events, nil
}

func extend(s State, in Extend, th Thresholds) (State, []protocol.Event, error) {
	c := &s.Consultation
	if in.Minutes <= 0 {
		return s, nil, status.ErrInvalidDuration
	}
	if !c.Status.Live() {
		return s, nil, status.ErrSessionNotLive
	}
	// The clock already reached zero: expiry wins, no free time.
	if c.RemainingSeconds(in.Now) <= 0 {
		return s, nil, status.ErrSessionExpired
	}

	c.DurationMinutesAllotted += in.Minutes
	s.LastRemaining = c.RemainingSeconds(in.Now)

	// Marks still ahead can fire again; marks already behind stay spent.
	warnAt := int(th.Warning / time.Second)
	finalAt := int(th.Final / time.Second)
	switch {
	case s.LastRemaining <= finalAt:
		c.Status = models.StatusFinalWarning
		s.WarningSent, s.FinalSent = true, true
	case s.LastRemaining <= warnAt:
		c.Status = models.StatusWarning
		s.WarningSent, s.FinalSent = true, false
	default:
		c.Status = models.StatusActive
		s.WarningSent, s.FinalSent = false, false
	}

	events := []protocol.Event{
		protocol.NewEvent(protocol.EvtSessionExtended, c.ID, protocol.Extended{
			AddedMinutes:     in.Minutes,
			DurationMinutes:  c.DurationMinutesAllotted,
			RemainingSeconds: s.LastRemaining,
		}, in.Now),
		timeLeft(c, in.Now),
	}
	return s, events, nil
}

func end(s State, reason models.EndReason, now time.Time) (State, []protocol.Event, error) {
	c := &s.Consultation
	at := now
	c.Status = models.StatusEnded
	c.EndedAt = &at
	c.EndReason = reason
	c.QueuePosition = nil

	ev := protocol.NewEvent(protocol.EvtConsultationEnded, c.ID, protocol.Ended{
		Reason:        reason,
		EndedAt:       at,
		BilledMinutes: c.BilledMinutes,
		TotalDebited:  c.RatePerMinute.Mul(decimal.NewFromInt(int64(c.BilledMinutes))),
	}, at)
	return s, []protocol.Event{ev}, nil
}

func timeLeft(c *models.Consultation, now time.Time) protocol.Event {
	return protocol.NewEvent(protocol.EvtSessionTimeLeft, c.ID, protocol.TimeLeft{
		Status:           c.Status,
		RemainingSeconds: c.RemainingSeconds(now),
		DurationMinutes:  c.DurationMinutesAllotted,
	}, now)
}

// TimeLeft builds a session-time-left snapshot for c.
func TimeLeft(c models.Consultation, now time.Time) protocol.Event {
	return timeLeft(&c, now)
}

// MinutesDue is the number of completed minutes not yet billed, capped at
// the allotment so natural completion bills exactly DurationMinutesAllotted.
func MinutesDue(c models.Consultation, now time.Time) int {
	if !c.Status.Live() || c.StartedAt == nil {
		return 0
	}
	completed := int(c.Elapsed(now) / time.Minute)
	if completed > c.DurationMinutesAllotted {
		completed = c.DurationMinutesAllotted
	}
	if due := completed - c.BilledMinutes; due > 0 {
		return due
	}
	return 0
}
