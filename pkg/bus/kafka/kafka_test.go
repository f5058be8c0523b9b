package kafka

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mahaj/schoolchat/pkg/model"
)

func TestCodecKeysByRoom(t *testing.T) {
	ev := model.Event{
		ID:        "01HZX",
		Type:      model.EventMessageAdded,
		RoomID:    "room-1",
		Message:   &model.Message{ID: 42, Body: "hi"},
		Timestamp: time.Now().UTC(),
	}
	m, err := encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	if string(m.Key) != "room-1" {
		t.Errorf("key = %q, want room-1", m.Key)
	}
	got, err := decode(m)
	if err != nil {
		t.Fatal(err)
	}
	if got.Message == nil || got.Message.ID != 42 || got.Type != model.EventMessageAdded {
		t.Errorf("decoded %+v", got)
	}
	if _, err := decode(kafka.Message{Value: []byte("{")}); err == nil {
		t.Error("expected decode error for truncated payload")
	}
}

func TestKafkaRoundTrip(t *testing.T) {
	brokers := os.Getenv("CHAT_TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("CHAT_TEST_KAFKA_BROKERS not set")
	}
	b := New(Config{Brokers: strings.Split(brokers, ","), Topic: "chat-events-test"}, zerolog.Nop())
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ch, _ := b.Subscribe(ctx, "room-1")

	// The reader starts at the last offset; give it time to join.
	time.Sleep(3 * time.Second)
	if err := b.Publish(ctx, model.Event{Type: model.EventUserTyping, RoomID: "room-1", IsTyping: true}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if !ev.IsTyping {
			t.Errorf("got %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
