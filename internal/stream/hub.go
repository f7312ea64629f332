package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrHubClosed = errors.New("stream: hub closed")

// Factory builds the controller for one user.
type Factory func(userID string) (*Controller, error)

// Hub keeps one Controller per user so a reconnecting client finds the
// stream it left behind.
type Hub struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	factory     Factory
	closed      bool
}

func NewHub(factory Factory) *Hub {
	return &Hub{
		controllers: make(map[string]*Controller),
		factory:     factory,
	}
}

// Get returns the controller of userID, creating it on first use. The
// controller counts as active from this point, so an idle sweep does not
// retire it under the caller.
func (h *Hub) Get(userID string) (*Controller, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidParams
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if c, ok := h.controllers[userID]; ok && !c.isClosed() {
		c.touch()
		return c, nil
	}
	c, err := h.factory(userID)
	if err != nil {
		return nil, err
	}
	h.controllers[userID] = c
	return c, nil
}

// Do runs fn with the controller of userID and returns that controller. When
// the controller is retired between lookup and use fn runs once more on a
// fresh one.
func (h *Hub) Do(userID string, fn func(*Controller) error) (*Controller, error) {
	for tries := 0; ; tries++ {
		c, err := h.Get(userID)
		if err != nil {
			return nil, err
		}
		err = fn(c)
		if errors.Is(err, ErrClosed) && tries == 0 {
			continue
		}
		return c, err
	}
}

func (h *Hub) Lookup(userID string) (*Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.controllers[strings.TrimSpace(userID)]
	return c, ok
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.controllers)
}

// EvictIdle closes controllers that have no live stream, no subscriber and
// no activity for maxIdle. A session held only from a resume does not keep a
// controller alive; it stays streaming in the ledger until the timeout sweep.
func (h *Hub) EvictIdle(now time.Time, maxIdle time.Duration) int {
	var evicted []*Controller

	h.mu.Lock()
	for userID, c := range h.controllers {
		if !c.retireIfIdle(now, maxIdle) {
			continue
		}
		delete(h.controllers, userID)
		evicted = append(evicted, c)
	}
	h.mu.Unlock()

	for _, c := range evicted {
		c.shutdown()
	}
	return len(evicted)
}

func (h *Hub) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				h.EvictIdle(now, maxIdle)
			}
		}
	}()
}

// Close closes every controller. Later Get calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	controllers := make([]*Controller, 0, len(h.controllers))
	for _, c := range h.controllers {
		controllers = append(controllers, c)
	}
	h.controllers = make(map[string]*Controller)
	h.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
