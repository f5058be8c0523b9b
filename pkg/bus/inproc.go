package bus

import (
	"context"

	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
)

// InProc delivers events within one process. Use it when the API and the
// gateway share a process.
type InProc struct {
	router *Router
}

var _ Bus = (*InProc)(nil)

func NewInProc(buffer int) *InProc {
	return &InProc{router: NewRouter(buffer)}
}

func (b *InProc) Publish(ctx context.Context, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	Stamp(&ev)
	b.router.Dispatch(ev)
	metrics.BusPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func (b *InProc) Subscribe(ctx context.Context, roomID string) (<-chan model.Event, error) {
	return b.router.Add(ctx, roomID)
}

func (b *InProc) Close() error {
	b.router.Close()
	return nil
}
