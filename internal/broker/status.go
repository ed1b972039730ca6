package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quaybridge/pbmapper/internal/logging"
)

var errStatusUnavailable = errors.New("broker: status query timed out")

// Snapshot is the JSON-serializable status payload pushed to admin websocket
// subscribers and optionally cached in statuscache.
type Snapshot struct {
	Keys      []string `json:"keys"`
	ServerMap string   `json:"server_map"`
	Active    string   `json:"active"`
	Idle      string   `json:"idle"`
	TakenAt   int64    `json:"taken_at"`
}

// SnapshotCache is the narrow write-side interface StatusHub needs from
// internal/broker/statuscache.Store.
type SnapshotCache interface {
	Push(ctx context.Context, snapshot []byte)
}

// StatusHub polls the Manager on an interval and fans the resulting
// Snapshot out to subscribers without ever blocking on a slow one.
type StatusHub struct {
	manager *Manager

	subsMu sync.RWMutex
	subs   map[chan []byte]struct{}

	cache SnapshotCache
}

// NewStatusHub returns a hub backed by manager. cache may be nil to disable
// replay caching.
func NewStatusHub(manager *Manager, cache SnapshotCache) *StatusHub {
	return &StatusHub{
		manager: manager,
		subs:    make(map[chan []byte]struct{}),
		cache:   cache,
	}
}

// Subscribe registers a new subscriber channel. The caller must drain it and
// invoke unregister when done.
func (h *StatusHub) Subscribe() (ch chan []byte, unregister func()) {
	ch = make(chan []byte, 32)
	h.subsMu.Lock()
	h.subs[ch] = struct{}{}
	h.subsMu.Unlock()

	unregister = func() {
		h.subsMu.Lock()
		delete(h.subs, ch)
		h.subsMu.Unlock()
		close(ch)
	}
	return ch, unregister
}

// Run polls the manager for a remote-id snapshot every interval until ctx is
// cancelled, broadcasting each one to subscribers and the replay cache.
func (h *StatusHub) Run(ctx context.Context, interval time.Duration, nowUnix func() int64) {
	log := logging.Logger().Named("broker.status")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := h.poll(nowUnix())
			if err != nil {
				log.Warn("status poll failed", zap.Error(err))
				continue
			}
			h.broadcast(log, snap)
			if h.cache != nil {
				h.cache.Push(ctx, snap)
			}
		}
	}
}

func (h *StatusHub) poll(nowUnix int64) ([]byte, error) {
	remoteSender := make(connSender, 1)
	h.manager.TaskSender() <- taskStatus{Sender: remoteSender, Req: "remote_id"}

	var remote taskStatusResp
	select {
	case resp := <-remoteSender:
		sresp, ok := resp.(taskStatusResp)
		if !ok || sresp.RemoteID == nil {
			return nil, errStatusUnavailable
		}
		remote = sresp
	case <-time.After(5 * time.Second):
		return nil, errStatusUnavailable
	}

	keysSender := make(connSender, 1)
	h.manager.TaskSender() <- taskStatus{Sender: keysSender, Req: "keys"}

	var keys []string
	select {
	case resp := <-keysSender:
		if kresp, ok := resp.(taskStatusResp); ok {
			keys = kresp.Keys
		}
	case <-time.After(5 * time.Second):
	}

	snap := Snapshot{
		Keys:      keys,
		ServerMap: remote.RemoteID.ServerMap,
		Active:    remote.RemoteID.Active,
		Idle:      remote.RemoteID.Idle,
		TakenAt:   nowUnix,
	}
	return json.Marshal(snap)
}

// broadcast is a non-blocking fan-out; a subscriber whose buffer is full
// misses the snapshot rather than stalling every other one.
func (h *StatusHub) broadcast(log *zap.Logger, snap []byte) {
	h.subsMu.RLock()
	defer h.subsMu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- snap:
		default:
			log.Debug("dropping status snapshot to slow subscriber")
		}
	}
}
