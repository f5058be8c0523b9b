// Package bus carries room events between the message service and every
// gateway. Backends differ only in transport; local delivery to
// subscribers goes through Router in all of them.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mahaj/schoolchat/pkg/model"
)

var ErrClosed = errors.New("bus closed")

type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

type Subscriber interface {
	// Subscribe delivers events for roomID, or every event when roomID
	// is empty, until ctx is done; the channel is then closed. Events
	// are dropped for a subscriber that falls behind.
	Subscribe(ctx context.Context, roomID string) (<-chan model.Event, error)
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Stamp assigns an id and timestamp to ev when missing.
func Stamp(ev *model.Event) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}
