package monitoring

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"consult-system/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const responseSamples = 1000

type Limits struct {
	IdleTimeout           time.Duration
	SweepInterval         time.Duration
	MaxHeapMB             int
	MaxConnections        int
	MaxAvgResponseTime    time.Duration
	SpamMessagesPerSecond float64
}

// Evictor is the connection registry the sweep loop prunes.
type Evictor interface {
	EvictIdle(now time.Time, idle time.Duration) int
	Connections() int
}

type Alert struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type Snapshot struct {
	Connections       int              `json:"connections"`
	MessagesTotal     int64            `json:"messages_total"`
	MessagesPerSecond float64          `json:"messages_per_second"`
	AvgResponseTime   time.Duration    `json:"avg_response_time_ns"`
	HeapMB            float64          `json:"heap_mb"`
	Goroutines        int              `json:"goroutines"`
	SessionsStarted   int64            `json:"sessions_started"`
	SessionsEnded     map[string]int64 `json:"sessions_ended"`
	QueueDepth        map[string]int   `json:"queue_depth"`
	DroppedFrames     int64            `json:"dropped_frames"`
	RecentAlerts      []Alert          `json:"recent_alerts"`
	BilledTotal       decimal.Decimal  `json:"billed_total"`
	CommandsByType    map[string]int64 `json:"commands_by_type"`
}

// Monitor tracks presence and throughput and exports it to Prometheus. It
// observes both the session engine and the realtime router.
type Monitor struct {
	limits   Limits
	registry *prometheus.Registry
	evictor  Evictor
	now      func() time.Time
	heap     func() uint64

	connections     prometheus.Gauge
	messages        *prometheus.CounterVec
	messageRate     prometheus.Gauge
	responseTime    prometheus.Histogram
	avgResponse     prometheus.Gauge
	droppedFrames   prometheus.Counter
	sessionsStarted *prometheus.CounterVec
	sessionsEnded   *prometheus.CounterVec
	minutesBilled   prometheus.Counter
	amountBilled    prometheus.Counter
	queueDepth      *prometheus.GaugeVec
	goroutines      prometheus.Gauge
	heapBytes       prometheus.Gauge
	evicted         prometheus.Counter
	alerts          *prometheus.CounterVec

	mu       sync.Mutex
	samples  [responseSamples]time.Duration
	next     int
	filled   int
	second   time.Time
	inSecond int
	lastRate float64
	snap     Snapshot
	recent   []Alert
}

func NewMonitor(registry *prometheus.Registry, limits Limits) *Monitor {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if limits.SweepInterval <= 0 {
		limits.SweepInterval = 30 * time.Second
	}
	factory := promauto.With(registry)

	m := &Monitor{
		limits:   limits,
		registry: registry,
		now:      time.Now,
		heap: func() uint64 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			return ms.HeapAlloc
		},
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_ws_connections",
			Help: "Open websocket connections",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_ws_commands_total",
			Help: "Inbound websocket commands handled",
		}, []string{"command"}),
		messageRate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_ws_commands_per_second",
			Help: "Commands handled during the last full second",
		}),
		responseTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_ws_command_duration_seconds",
			Help:    "Time to handle one inbound command",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		avgResponse: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_ws_command_duration_avg_seconds",
			Help: "Average over the last 1000 commands",
		}),
		droppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_ws_dropped_frames_total",
			Help: "Outbound frames dropped on a full socket buffer",
		}),
		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_sessions_started_total",
			Help: "Consultations promoted to active",
		}, []string{"provider_id"}),
		sessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_sessions_ended_total",
			Help: "Consultations ended by reason",
		}, []string{"reason"}),
		minutesBilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_billed_minutes_total",
			Help: "Billing ticks committed",
		}),
		amountBilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_billed_amount_total",
			Help: "Sum debited by billing ticks",
		}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consult_queue_depth",
			Help: "Waiting consultations per provider",
		}, []string{"provider_id"}),
		goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_goroutines",
			Help: "Goroutines at the last sweep",
		}),
		heapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_heap_bytes",
			Help: "Heap in use at the last sweep",
		}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_ws_evicted_total",
			Help: "Idle sockets closed by the sweep loop",
		}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_alerts_total",
			Help: "Advisory alerts raised by the sweep loop",
		}, []string{"kind"}),
		snap: Snapshot{
			SessionsEnded:  map[string]int64{},
			QueueDepth:     map[string]int{},
			CommandsByType: map[string]int64{},
			BilledTotal:    decimal.Zero,
		},
	}
	return m
}

// Attach sets the connection registry swept by Run.
func (m *Monitor) Attach(e Evictor) {
	m.evictor = e
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) ConnectionOpened() {
	m.connections.Inc()
	m.mu.Lock()
	m.snap.Connections++
	m.mu.Unlock()
}

func (m *Monitor) ConnectionClosed() {
	m.connections.Dec()
	m.mu.Lock()
	if m.snap.Connections > 0 {
		m.snap.Connections--
	}
	m.mu.Unlock()
}

func (m *Monitor) CommandHandled(command string, took time.Duration) {
	m.messages.WithLabelValues(command).Inc()
	m.responseTime.Observe(took.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.MessagesTotal++
	m.snap.CommandsByType[command]++
	m.samples[m.next] = took
	m.next = (m.next + 1) % responseSamples
	if m.filled < responseSamples {
		m.filled++
	}
	m.countLocked(m.now())
}

func (m *Monitor) FrameDropped() {
	m.droppedFrames.Inc()
	m.mu.Lock()
	m.snap.DroppedFrames++
	m.mu.Unlock()
}

func (m *Monitor) SessionStarted(providerID string) {
	m.sessionsStarted.WithLabelValues(providerID).Inc()
	m.mu.Lock()
	m.snap.SessionsStarted++
	m.mu.Unlock()
}

func (m *Monitor) SessionEnded(reason models.EndReason) {
	m.sessionsEnded.WithLabelValues(string(reason)).Inc()
	m.mu.Lock()
	m.snap.SessionsEnded[string(reason)]++
	m.mu.Unlock()
}

func (m *Monitor) MinuteBilled(amount decimal.Decimal) {
	m.minutesBilled.Inc()
	m.amountBilled.Add(amount.InexactFloat64())
	m.mu.Lock()
	m.snap.BilledTotal = m.snap.BilledTotal.Add(amount)
	m.mu.Unlock()
}

func (m *Monitor) QueueDepth(providerID string, depth int) {
	m.queueDepth.WithLabelValues(providerID).Set(float64(depth))
	m.mu.Lock()
	if depth == 0 {
		delete(m.snap.QueueDepth, providerID)
	} else {
		m.snap.QueueDepth[providerID] = depth
	}
	m.mu.Unlock()
}

// countLocked buckets commands per wall-clock second.
func (m *Monitor) countLocked(now time.Time) {
	sec := now.Truncate(time.Second)
	switch {
	case sec.Equal(m.second):
		m.inSecond++
		return
	case sec.Sub(m.second) == time.Second:
		m.lastRate = float64(m.inSecond)
	default:
		m.lastRate = 0
	}
	m.second = sec
	m.inSecond = 1
}

func (m *Monitor) rateLocked(now time.Time) float64 {
	sec := now.Truncate(time.Second)
	switch {
	case sec.Equal(m.second):
		return m.lastRate
	case sec.Sub(m.second) == time.Second:
		return float64(m.inSecond)
	}
	return 0
}

func (m *Monitor) averageLocked() time.Duration {
	if m.filled == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < m.filled; i++ {
		sum += m.samples[i]
	}
	return sum / time.Duration(m.filled)
}

// Sweep evicts idle sockets, refreshes gauges and raises alerts. It returns
// the alerts raised on this pass.
func (m *Monitor) Sweep(now time.Time) []Alert {
	if m.evictor != nil && m.limits.IdleTimeout > 0 {
		if n := m.evictor.EvictIdle(now, m.limits.IdleTimeout); n > 0 {
			m.evicted.Add(float64(n))
			slog.Info("evicted idle sockets", "count", n)
		}
	}

	heap := m.heap()
	goroutines := runtime.NumGoroutine()
	m.heapBytes.Set(float64(heap))
	m.goroutines.Set(float64(goroutines))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.evictor != nil {
		m.snap.Connections = m.evictor.Connections()
		m.connections.Set(float64(m.snap.Connections))
	}
	avg := m.averageLocked()
	rate := m.rateLocked(now)
	m.avgResponse.Set(avg.Seconds())
	m.messageRate.Set(rate)

	m.snap.HeapMB = float64(heap) / (1 << 20)
	m.snap.Goroutines = goroutines
	m.snap.AvgResponseTime = avg
	m.snap.MessagesPerSecond = rate

	var raised []Alert
	raise := func(kind, msg string) {
		a := Alert{Kind: kind, Message: msg, At: now}
		raised = append(raised, a)
		m.alerts.WithLabelValues(kind).Inc()
		slog.Warn("monitor alert", "kind", kind, "message", msg)
	}
	if m.limits.MaxHeapMB > 0 && m.snap.HeapMB > float64(m.limits.MaxHeapMB) {
		raise("memory", "heap above ceiling")
	}
	if m.limits.MaxConnections > 0 && m.snap.Connections > m.limits.MaxConnections {
		raise("connections", "connection count above capacity")
	}
	if m.limits.MaxAvgResponseTime > 0 && avg > m.limits.MaxAvgResponseTime {
		raise("latency", "average command time above limit")
	}
	if m.limits.SpamMessagesPerSecond > 0 && rate > m.limits.SpamMessagesPerSecond {
		raise("spam", "command rate above limit")
	}

	m.recent = append(m.recent, raised...)
	if over := len(m.recent) - 50; over > 0 {
		m.recent = m.recent[over:]
	}
	return raised
}

// Run sweeps on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.limits.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.snap
	out.MessagesPerSecond = m.rateLocked(m.now())
	out.AvgResponseTime = m.averageLocked()
	out.SessionsEnded = make(map[string]int64, len(m.snap.SessionsEnded))
	for k, v := range m.snap.SessionsEnded {
		out.SessionsEnded[k] = v
	}
	out.QueueDepth = make(map[string]int, len(m.snap.QueueDepth))
	for k, v := range m.snap.QueueDepth {
		out.QueueDepth[k] = v
	}
	out.CommandsByType = make(map[string]int64, len(m.snap.CommandsByType))
	for k, v := range m.snap.CommandsByType {
		out.CommandsByType[k] = v
	}
	out.RecentAlerts = append([]Alert(nil), m.recent...)
	return out
}

func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
