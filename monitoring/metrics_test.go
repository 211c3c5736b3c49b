package monitoring

import (
	"net/http/httptest"
	"testing"
	"time"

	"consult-system/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type stubEvictor struct {
	conns   int
	evicted int
	idle    time.Duration
}

func (s *stubEvictor) EvictIdle(_ time.Time, idle time.Duration) int {
	s.idle = idle
	s.conns -= s.evicted
	return s.evicted
}

func (s *stubEvictor) Connections() int { return s.conns }

func newTestMonitor(limits Limits) (*Monitor, *time.Time) {
	now := t0
	m := NewMonitor(prometheus.NewRegistry(), limits)
	m.now = func() time.Time { return now }
	m.heap = func() uint64 { return 64 << 20 }
	return m, &now
}

func TestMonitor_ResponseTimeRing(t *testing.T) {
	m, _ := newTestMonitor(Limits{})

	for range responseSamples {
		m.CommandHandled("message-send", 10*time.Millisecond)
	}
	assert.Equal(t, 10*time.Millisecond, m.Snapshot().AvgResponseTime)

	// the oldest half is overwritten
	for range responseSamples / 2 {
		m.CommandHandled("message-send", 30*time.Millisecond)
	}
	assert.Equal(t, 20*time.Millisecond, m.Snapshot().AvgResponseTime)
	assert.Equal(t, int64(responseSamples+responseSamples/2), m.Snapshot().MessagesTotal)
}

func TestMonitor_MessageRateIsLastFullSecond(t *testing.T) {
	m, now := newTestMonitor(Limits{})

	for range 7 {
		m.CommandHandled("typing-start", time.Millisecond)
	}
	assert.Zero(t, m.Snapshot().MessagesPerSecond)

	*now = t0.Add(time.Second)
	assert.Equal(t, 7.0, m.Snapshot().MessagesPerSecond)

	m.CommandHandled("typing-stop", time.Millisecond)
	assert.Equal(t, 7.0, m.Snapshot().MessagesPerSecond)

	*now = t0.Add(5 * time.Second)
	assert.Zero(t, m.Snapshot().MessagesPerSecond)
}

func TestMonitor_SweepEvictsAndAlerts(t *testing.T) {
	m, now := newTestMonitor(Limits{
		IdleTimeout:           time.Minute,
		MaxHeapMB:             32,
		MaxConnections:        2,
		MaxAvgResponseTime:    5 * time.Millisecond,
		SpamMessagesPerSecond: 1,
	})
	ev := &stubEvictor{conns: 4, evicted: 1}
	m.Attach(ev)

	for range 3 {
		m.CommandHandled("message-send", 10*time.Millisecond)
	}
	*now = t0.Add(time.Second)

	alerts := m.Sweep(*now)
	kinds := make([]string, 0, len(alerts))
	for _, a := range alerts {
		kinds = append(kinds, a.Kind)
	}
	assert.ElementsMatch(t, []string{"memory", "connections", "latency", "spam"}, kinds)
	assert.Equal(t, time.Minute, ev.idle)
	assert.Equal(t, 3, m.Snapshot().Connections)
	body := scrape(t, m)
	assert.Contains(t, body, "consult_ws_evicted_total 1")
	assert.Contains(t, body, `consult_alerts_total{kind="spam"} 1`)
	assert.Len(t, m.Snapshot().RecentAlerts, 4)
}

func TestMonitor_QuietSweep(t *testing.T) {
	m, _ := newTestMonitor(Limits{MaxHeapMB: 512, MaxConnections: 100})
	m.Attach(&stubEvictor{conns: 1})

	assert.Empty(t, m.Sweep(t0))
}

func TestMonitor_SessionCounters(t *testing.T) {
	m, _ := newTestMonitor(Limits{})

	m.SessionStarted("p-1")
	m.MinuteBilled(decimal.NewFromInt(10))
	m.MinuteBilled(decimal.RequireFromString("12.5"))
	m.SessionEnded(models.EndReasonExpired)
	m.QueueDepth("p-1", 2)
	m.QueueDepth("p-2", 0)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.FrameDropped()

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.SessionsStarted)
	assert.Equal(t, int64(1), snap.SessionsEnded[string(models.EndReasonExpired)])
	assert.True(t, decimal.RequireFromString("22.5").Equal(snap.BilledTotal))
	assert.Equal(t, map[string]int{"p-1": 2}, snap.QueueDepth)
	assert.Equal(t, 1, snap.Connections)
	assert.Equal(t, int64(1), snap.DroppedFrames)

	body := scrape(t, m)
	assert.Contains(t, body, "consult_billed_minutes_total 2")
	assert.Contains(t, body, "consult_ws_connections 1")
}

func scrape(t *testing.T, m *Monitor) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestMonitor_Handler(t *testing.T) {
	m, _ := newTestMonitor(Limits{})
	m.SessionStarted("p-1")

	assert.Contains(t, scrape(t, m), `consult_sessions_started_total{provider_id="p-1"} 1`)
}
