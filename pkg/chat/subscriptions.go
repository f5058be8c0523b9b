package chat

import (
	"context"

	"github.com/mahaj/schoolchat/pkg/model"
)

// OnMessageCreated streams messages created in tenantID, limited to
// roomID unless it is empty, until ctx is done.
func (s *Service) OnMessageCreated(ctx context.Context, tenantID, roomID string) (<-chan model.Message, error) {
	events, err := s.bus.Subscribe(ctx, roomID)
	if err != nil {
		return nil, unavailable("subscribe", err)
	}
	out := make(chan model.Message, cap(events))
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type != model.EventMessageAdded || ev.Message == nil || ev.TenantID != tenantID {
				continue
			}
			select {
			case out <- *ev.Message:
			default:
				// Same policy as the bus: a slow reader loses events.
			}
		}
	}()
	return out, nil
}

// OnTyping streams typing changes in one room of tenantID until ctx is
// done.
func (s *Service) OnTyping(ctx context.Context, tenantID, roomID string) (<-chan model.TypingEvent, error) {
	events, err := s.bus.Subscribe(ctx, roomID)
	if err != nil {
		return nil, unavailable("subscribe", err)
	}
	out := make(chan model.TypingEvent, cap(events))
	go func() {
		defer close(out)
		for ev := range events {
			if ev.Type != model.EventUserTyping || ev.TenantID != tenantID {
				continue
			}
			select {
			case out <- model.TypingEvent{RoomID: ev.RoomID, PrincipalID: ev.PrincipalID, IsTyping: ev.IsTyping}:
			default:
			}
		}
	}()
	return out, nil
}
