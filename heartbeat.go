package databend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Heartbeater periodically issues lightweight keep-alive calls against every
// registered client so server-side sessions survive idle periods. It is an
// explicitly constructed object meant to be owned by the process entry point
// and shared across connections, not a hidden global.
//
// Registration is non-owning: a closed client is skipped and pruned on the
// next tick without needing deregistration, and heartbeat failures are
// logged, never propagated to the client's own call sites.
type Heartbeater struct {
	interval time.Duration

	mu      sync.Mutex
	clients map[uint64]*Client
	nextID  uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// DefaultHeartbeatInterval keeps sessions alive comfortably within typical
// server-side session TTLs.
const DefaultHeartbeatInterval = 30 * time.Second

// NewHeartbeater creates a stopped Heartbeater; call Start to begin ticking.
func NewHeartbeater(interval time.Duration) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	return &Heartbeater{
		interval: interval,
		clients:  make(map[uint64]*Client),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a client to the heartbeat set and returns a deregistration
// function. Deregistering is optional: closed clients fall out on their own.
func (h *Heartbeater) Register(c *Client) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.clients[id] = c
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.clients, id)
	}
}

// Start runs the heartbeat loop until Stop is called or ctx is canceled.
func (h *Heartbeater) Start(ctx context.Context) {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.beat(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for the in-flight tick to finish.
func (h *Heartbeater) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

// beat snapshots the registry, prunes closed clients, and heartbeats the
// live ones sequentially. One slow or failing client only costs log noise.
func (h *Heartbeater) beat(ctx context.Context) {
	h.mu.Lock()
	live := make(map[uint64]*Client, len(h.clients))
	for id, c := range h.clients {
		if c.closed.Load() {
			delete(h.clients, id)
			continue
		}
		live[id] = c
	}
	h.mu.Unlock()

	for _, c := range live {
		if c.closed.Load() {
			continue
		}
		if err := c.heartbeat(ctx); err != nil {
			log.Debug().Err(err).Str("host", c.cfg.Host).Msg("session heartbeat failed")
		}
	}
}
