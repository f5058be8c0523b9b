package bus

import (
	"context"
	"sync"

	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
)

const DefaultBuffer = 256

type subscription struct {
	roomID string
	ch     chan model.Event
}

// Router fans events out to local subscribers without ever blocking the
// caller of Dispatch.
type Router struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool
}

func NewRouter(buffer int) *Router {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Router{subs: make(map[*subscription]struct{}), buffer: buffer}
}

func (r *Router) Add(ctx context.Context, roomID string) (<-chan model.Event, error) {
	sub := &subscription{roomID: roomID, ch: make(chan model.Event, r.buffer)}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.remove(sub)
	}()
	return sub.ch, nil
}

func (r *Router) remove(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub]; ok {
		delete(r.subs, sub)
		close(sub.ch)
	}
}

func (r *Router) Dispatch(ev model.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for sub := range r.subs {
		if sub.roomID != "" && sub.roomID != ev.RoomID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.BusDropped.Inc()
		}
	}
}

// Len reports the number of live subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Close ends every subscription.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for sub := range r.subs {
		delete(r.subs, sub)
		close(sub.ch)
	}
}
