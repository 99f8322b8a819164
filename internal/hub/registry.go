package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/strangerchat/relay-server-go/internal/audit"
	"github.com/strangerchat/relay-server-go/internal/chat"
)

// Hosted is a chat client owned by the server on behalf of a REST or
// WebSocket caller.
type Hosted struct {
	*chat.Client

	lastSeen  atomic.Int64
	streaming atomic.Bool
}

func (h *Hosted) touch(now time.Time) {
	h.lastSeen.Store(now.UnixNano())
}

// LastSeen is the time of the last request made with this client.
func (h *Hosted) LastSeen() time.Time {
	return time.Unix(0, h.lastSeen.Load())
}

// Attach claims the update stream of the client. Only one stream may be
// attached at a time since updates have a single consumer. Attached clients
// are never idle. The returned func releases the stream.
func (h *Hosted) Attach() (detach func(), ok bool) {
	if !h.streaming.CompareAndSwap(false, true) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			h.touch(time.Now())
			h.streaming.Store(false)
		})
	}, true
}

// Registry holds the hosted clients of this server instance.
type Registry struct {
	store   chat.Store
	channel chat.Channel
	opts    chat.Options

	mu      sync.RWMutex
	clients map[string]*Hosted
	now     func() time.Time
}

func NewRegistry(store chat.Store, channel chat.Channel, opts chat.Options) *Registry {
	return &Registry{
		store:   store,
		channel: channel,
		opts:    opts,
		clients: make(map[string]*Hosted),
		now:     time.Now,
	}
}

// Create starts a new hosted client.
func (r *Registry) Create() *Hosted {
	opts := r.opts
	opts.ID = ""

	h := &Hosted{Client: chat.NewClient(r.store, r.channel, opts)}
	h.touch(r.now())

	r.mu.Lock()
	r.clients[h.ID()] = h
	count := len(r.clients)
	r.mu.Unlock()

	log.Debug().Str("clientId", h.ID()).Int("clientCount", count).Msg("hosted client created")
	return h
}

// Get returns the client and records the access.
func (r *Registry) Get(id string) (*Hosted, bool) {
	r.mu.RLock()
	h, ok := r.clients[id]
	r.mu.RUnlock()

	if ok {
		h.touch(r.now())
	}
	return h, ok
}

// Remove closes the client, ending its session for the peer.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	h, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.close(ctx, h, "removed")
}

// ReapIdle closes clients without requests for longer than maxIdle and no
// open event stream.
func (r *Registry) ReapIdle(ctx context.Context, maxIdle time.Duration) (int64, error) {
	cutoff := r.now().Add(-maxIdle)

	r.mu.Lock()
	var idle []*Hosted
	for id, h := range r.clients {
		if h.streaming.Load() || h.LastSeen().After(cutoff) {
			continue
		}
		idle = append(idle, h)
		delete(r.clients, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range idle {
		if err := r.close(ctx, h, "idle"); err != nil {
			errs = append(errs, err)
		}
	}
	return int64(len(idle)), errors.Join(errs...)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every client. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Hosted)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range clients {
		wg.Add(1)
		go func(h *Hosted) {
			defer wg.Done()
			r.close(ctx, h, "shutdown")
		}(h)
	}
	wg.Wait()
}

func (r *Registry) close(ctx context.Context, h *Hosted, reason string) error {
	err := h.Close(ctx)
	if err != nil {
		log.Error().Err(err).Str("clientId", h.ID()).Msg("failed to close hosted client")
	}
	audit.Log(ctx, audit.Event{
		Type:     audit.EventClientClosed,
		ClientID: h.ID(),
		Details:  map[string]interface{}{"reason": reason},
	})
	return err
}
