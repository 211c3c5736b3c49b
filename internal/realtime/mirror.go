package realtime

import (
	"context"
	"log/slog"

	"consult-system/internal/protocol"

	pubnub "github.com/pubnub/go"
)

type mirrored struct {
	userID string
	ev     protocol.Event
}

// PubNubMirror republishes user-directed events on the user's PubNub
// channel so clients without an open socket still receive them.
type PubNubMirror struct {
	PubNub *pubnub.PubNub
	prefix string
	queue  chan mirrored
	drops  func()
}

func NewPubNubMirror(pn *pubnub.PubNub, prefix string, buffer int) *PubNubMirror {
	if buffer <= 0 {
		buffer = 256
	}
	if prefix == "" {
		prefix = "user-"
	}
	return &PubNubMirror{PubNub: pn, prefix: prefix, queue: make(chan mirrored, buffer), drops: func() {}}
}

// OnDrop is called for each event discarded because the queue was full.
func (m *PubNubMirror) OnDrop(fn func()) {
	if fn != nil {
		m.drops = fn
	}
}

// Publish never blocks the caller.
func (m *PubNubMirror) Publish(userID string, ev protocol.Event) {
	select {
	case m.queue <- mirrored{userID: userID, ev: ev}:
	default:
		m.drops()
		slog.Warn("pubnub mirror queue full", "user", userID, "type", ev.Type)
	}
}

func (m *PubNubMirror) Channel(userID string) string {
	return m.prefix + userID
}

// Run drains the queue until ctx is cancelled.
func (m *PubNubMirror) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-m.queue:
			m.publish(item)
		}
	}
}

func (m *PubNubMirror) publish(item mirrored) {
	if m.PubNub == nil {
		return
	}
	_, st, err := m.PubNub.Publish().
		Channel(m.Channel(item.userID)).
		Message(item.ev).
		Execute()
	if err != nil {
		slog.Error("pubnub publish", "user", item.userID, "type", item.ev.Type, "status", st.StatusCode, "error", err)
	}
}
