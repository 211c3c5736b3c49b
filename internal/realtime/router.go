// Package realtime fans consultation events out to websocket clients and
// dispatches the commands they send back.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"consult-system/internal/protocol"
	"consult-system/internal/services"
	"consult-system/internal/status"
	"consult-system/internal/store"
	"consult-system/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Sender is one client's outbound side. Send must not block; it reports
// false when the frame was dropped.
type Sender interface {
	Send(frame []byte) bool
	Close() error
}

// Engine is the slice of the session service the router needs.
type Engine interface {
	Authorize(consultationID, userID string, admin bool) error
	Consultation(consultationID string) (models.Consultation, error)
	TimeLeft(consultationID string) (protocol.Event, error)
	Extend(ctx context.Context, consultationID, userID string, minutes int) (models.Consultation, error)
}

// Publisher mirrors user-directed events to an out-of-band channel.
type Publisher interface {
	Publish(userID string, ev protocol.Event)
}

type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	CommandHandled(command string, took time.Duration)
	FrameDropped()
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()                    {}
func (nopObserver) ConnectionClosed()                    {}
func (nopObserver) CommandHandled(string, time.Duration) {}
func (nopObserver) FrameDropped()                        {}

type Config struct {
	MessagesPerSecond float64
	Burst             int
	EditWindow        time.Duration
	Currency          string
}

type client struct {
	mu      sync.Mutex
	session models.ConnectionSession
	out     Sender
	limiter *rate.Limiter
}

func (c *client) joined(consultationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Joined[consultationID]
}

func (c *client) touch(now time.Time) {
	c.mu.Lock()
	c.session.LastActivityAt = now
	c.mu.Unlock()
}

type Router struct {
	cfg      Config
	engine   Engine
	ledger   services.Ledger
	billing  *services.BillingService
	store    store.Store
	mirror   Publisher
	observer Observer
	now      func() time.Time
	handlers map[protocol.CommandType]handlerFunc

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]bool // consultation id -> socket ids
	users   map[string]map[string]bool // user id -> socket ids
}

func NewRouter(cfg Config, engine Engine, ledger services.Ledger, billing *services.BillingService, st store.Store, mirror Publisher) *Router {
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = 15 * time.Minute
	}
	r := &Router{
		cfg:      cfg,
		engine:   engine,
		ledger:   ledger,
		billing:  billing,
		store:    st,
		mirror:   mirror,
		observer: nopObserver{},
		now:      time.Now,
		clients:  make(map[string]*client),
		rooms:    make(map[string]map[string]bool),
		users:    make(map[string]map[string]bool),
	}
	r.handlers = r.dispatchTable()
	return r
}

// Bind sets the engine when it is built after the router. Call it before
// the first socket registers.
func (r *Router) Bind(engine Engine) {
	r.engine = engine
}

func (r *Router) Observe(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// Register adds a connected client and returns its socket id.
func (r *Router) Register(userID string, admin bool, out Sender) string {
	id := uuid.NewString()
	c := &client{
		session: models.ConnectionSession{
			SocketID:       id,
			UserID:         userID,
			Admin:          admin,
			Joined:         map[string]bool{},
			LastActivityAt: r.now(),
		},
		out:     out,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.MessagesPerSecond), r.cfg.Burst),
	}

	r.mu.Lock()
	r.clients[id] = c
	addMember(r.users, userID, id)
	r.mu.Unlock()

	r.observer.ConnectionOpened()
	slog.Debug("socket registered", "socket", id, "user", userID, "admin", admin)
	return id
}

// Unregister removes the client from every room. It is safe to call twice.
func (r *Router) Unregister(socketID string) {
	r.mu.Lock()
	c, ok := r.clients[socketID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, socketID)
	removeMember(r.users, c.session.UserID, socketID)
	c.mu.Lock()
	for consultationID := range c.session.Joined {
		removeMember(r.rooms, consultationID, socketID)
	}
	c.mu.Unlock()
	r.mu.Unlock()

	r.observer.ConnectionClosed()
	slog.Debug("socket unregistered", "socket", socketID, "user", c.session.UserID)
}

// Handle decodes and dispatches one inbound frame. Failures are reported to
// the sender only.
func (r *Router) Handle(ctx context.Context, socketID string, frame []byte) {
	started := r.now()

	r.mu.RLock()
	c, ok := r.clients[socketID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.touch(started)

	if !c.limiter.AllowN(started, 1) {
		r.reject(c, "", "", status.ErrRateLimited)
		return
	}

	cmd, err := protocol.Decode(frame)
	if err != nil {
		r.reject(c, "", "", err)
		return
	}

	h, ok := r.handlers[cmd.Type()]
	if !ok {
		r.reject(c, cmd.Type(), cmd.Consultation(), status.ErrUnknownCommand)
		return
	}

	deliveries, err := r.safely(ctx, h, c, cmd)
	if err != nil {
		r.reject(c, cmd.Type(), cmd.Consultation(), err)
	}
	for _, d := range deliveries {
		r.deliver(c, d)
	}
	r.observer.CommandHandled(string(cmd.Type()), r.now().Sub(started))
}

func (r *Router) safely(ctx context.Context, h handlerFunc, c *client, cmd protocol.Command) (out []delivery, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("command handler panic", "command", cmd.Type(), "consultation", cmd.Consultation(), "panic", p)
			out, err = nil, errors.New("internal error")
		}
	}()
	return h(ctx, c, cmd)
}

// Room implements services.Broadcaster.
func (r *Router) Room(consultationID string, ev protocol.Event) {
	r.fanout(r.members(r.rooms, consultationID), "", ev)
}

// User implements services.Broadcaster.
func (r *Router) User(userID string, ev protocol.Event) {
	r.fanout(r.members(r.users, userID), "", ev)
	r.Mirror(userID, ev)
}

// Mirror implements services.Broadcaster.
func (r *Router) Mirror(userID string, ev protocol.Event) {
	if r.mirror != nil && userID != "" {
		r.mirror.Publish(userID, ev)
	}
}

// EvictIdle closes sockets with no inbound activity since now-idle and
// returns how many were closed.
func (r *Router) EvictIdle(now time.Time, idle time.Duration) int {
	r.mu.RLock()
	var stale []*client
	for _, c := range r.clients {
		c.mu.Lock()
		if now.Sub(c.session.LastActivityAt) > idle {
			stale = append(stale, c)
		}
		c.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, c := range stale {
		slog.Info("evicting idle socket", "socket", c.session.SocketID, "user", c.session.UserID, "error", status.ErrStaleConnection)
		r.Unregister(c.session.SocketID)
		_ = c.out.Close()
	}
	return len(stale)
}

// Touch records activity that does not arrive as a command, such as a pong.
func (r *Router) Touch(socketID string) {
	r.mu.RLock()
	c, ok := r.clients[socketID]
	r.mu.RUnlock()
	if ok {
		c.touch(r.now())
	}
}

func (r *Router) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// RoomMembers lists the socket ids joined to consultationID.
func (r *Router) RoomMembers(consultationID string) []string {
	out := r.members(r.rooms, consultationID)
	sort.Strings(out)
	return out
}

func (r *Router) members(index map[string]map[string]bool, key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(index[key]))
	for id := range index[key] {
		out = append(out, id)
	}
	return out
}

func (r *Router) fanout(socketIDs []string, skip string, ev protocol.Event) {
	frame, err := ev.Encode()
	if err != nil {
		slog.Error("encode event", "type", ev.Type, "error", err)
		return
	}

	r.mu.RLock()
	targets := make([]*client, 0, len(socketIDs))
	for _, id := range socketIDs {
		if id == skip {
			continue
		}
		if c, ok := r.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if !c.out.Send(frame) {
			r.observer.FrameDropped()
			slog.Debug("frame dropped", "socket", c.session.SocketID, "type", ev.Type)
		}
	}
}

func (r *Router) send(c *client, ev protocol.Event) {
	r.fanout([]string{c.session.SocketID}, "", ev)
}

func (r *Router) reject(c *client, cmd protocol.CommandType, consultationID string, err error) {
	slog.Debug("command rejected", "socket", c.session.SocketID, "command", cmd, "error", err)
	r.send(c, protocol.NewEvent(protocol.EvtCommandRejected, consultationID, protocol.CommandFailed{
		Command: cmd,
		Reason:  err.Error(),
	}, r.now()))
}

func (r *Router) deliver(c *client, d delivery) {
	if d.ev.Type.Privileged() {
		slog.Error("command produced a privileged event", "type", d.ev.Type, "socket", c.session.SocketID)
		return
	}
	switch d.scope {
	case toSender:
		r.send(c, d.ev)
	case toRoom:
		r.Room(d.target, d.ev)
	case toRoomOthers:
		r.fanout(r.members(r.rooms, d.target), c.session.SocketID, d.ev)
	case toUser:
		r.fanout(r.members(r.users, d.target), "", d.ev)
	case toMirror:
		r.Mirror(d.target, d.ev)
	}
}

func (r *Router) join(c *client, consultationID string) {
	r.mu.Lock()
	addMember(r.rooms, consultationID, c.session.SocketID)
	r.mu.Unlock()
	c.mu.Lock()
	c.session.Joined[consultationID] = true
	c.mu.Unlock()
}

func (r *Router) leave(c *client, consultationID string) {
	r.mu.Lock()
	removeMember(r.rooms, consultationID, c.session.SocketID)
	r.mu.Unlock()
	c.mu.Lock()
	delete(c.session.Joined, consultationID)
	c.mu.Unlock()
}

func (r *Router) isLow(balance, rate decimal.Decimal) bool {
	if r.billing == nil {
		return false
	}
	return r.billing.IsLow(balance, rate)
}

func addMember(index map[string]map[string]bool, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]bool)
		index[key] = set
	}
	set[id] = true
}

func removeMember(index map[string]map[string]bool, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
