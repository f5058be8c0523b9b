// Package nats carries bus events over NATS core subjects, one subject per
// room under a common prefix.
package nats

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
)

const globalToken = "_global"

type Bus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	prefix string
	router *bus.Router
	logger zerolog.Logger
}

var _ bus.Bus = (*Bus)(nil)

// Connect dials url and subscribes to every room under prefix.
func Connect(url, prefix string, buffer int, logger zerolog.Logger) (*Bus, error) {
	logger = logger.With().Str("component", "nats-bus").Logger()
	conn, err := nats.Connect(url,
		nats.Name("schoolchat"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, err
	}
	return New(conn, prefix, buffer, logger)
}

func New(conn *nats.Conn, prefix string, buffer int, logger zerolog.Logger) (*Bus, error) {
	b := &Bus{conn: conn, prefix: prefix, router: bus.NewRouter(buffer), logger: logger}
	sub, err := conn.Subscribe(prefix+".>", b.handle)
	if err != nil {
		return nil, err
	}
	b.sub = sub
	return b, nil
}

// Subject returns the subject carrying events for roomID.
func Subject(prefix, roomID string) string {
	if roomID == "" {
		return prefix + "." + globalToken
	}
	// Subject tokens cannot contain dots or wildcards.
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return prefix + "." + r.Replace(roomID)
}

func (b *Bus) handle(m *nats.Msg) {
	var ev model.Event
	if err := json.Unmarshal(m.Data, &ev); err != nil {
		b.logger.Warn().Err(err).Str("subject", m.Subject).Msg("skipping undecodable event")
		return
	}
	b.router.Dispatch(ev)
}

func (b *Bus) Publish(ctx context.Context, ev model.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bus.Stamp(&ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Subject(b.prefix, ev.RoomID), data); err != nil {
		return err
	}
	metrics.BusPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, roomID string) (<-chan model.Event, error) {
	return b.router.Add(ctx, roomID)
}

func (b *Bus) Close() error {
	err := b.sub.Unsubscribe()
	b.conn.Close()
	b.router.Close()
	return err
}
