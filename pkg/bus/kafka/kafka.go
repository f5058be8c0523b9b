// Package kafka carries bus events over a Kafka topic. Events are keyed by
// room so each room's events stay ordered within one partition. Every
// instance reads with its own consumer group so all gateways see every
// event.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
)

type Config struct {
	Brokers []string
	Topic   string
	// GroupPrefix names the per-instance consumer group.
	GroupPrefix string
	Buffer      int
}

type Bus struct {
	writer *kafka.Writer
	reader *kafka.Reader
	router *bus.Router
	logger zerolog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

var _ bus.Bus = (*Bus)(nil)

// New starts the consumer loop; Close stops it.
func New(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.GroupPrefix == "" {
		cfg.GroupPrefix = "chat-gateway"
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupPrefix + "-" + ulid.Make().String(),
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		writer: writer,
		reader: reader,
		router: bus.NewRouter(cfg.Buffer),
		logger: logger.With().Str("component", "kafka-bus").Logger(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.consume(ctx)
	return b
}

func encode(ev model.Event) (kafka.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(ev.RoomID), Value: data, Time: ev.Timestamp}, nil
}

func decode(m kafka.Message) (model.Event, error) {
	var ev model.Event
	err := json.Unmarshal(m.Value, &ev)
	return ev, err
}

func (b *Bus) Publish(ctx context.Context, ev model.Event) error {
	bus.Stamp(&ev)
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	metrics.BusPublished.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, roomID string) (<-chan model.Event, error) {
	return b.router.Add(ctx, roomID)
}

func (b *Bus) consume(ctx context.Context) {
	defer close(b.done)
	for {
		m, err := b.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Error().Err(err).Msg("read event, retrying in 1s")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decode(m)
		if err != nil {
			b.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("skipping undecodable event")
			continue
		}
		b.router.Dispatch(ev)
	}
}

func (b *Bus) Close() error {
	b.cancel()
	<-b.done
	b.router.Close()
	return errors.Join(b.reader.Close(), b.writer.Close())
}
