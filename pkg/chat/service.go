// Package chat implements direct messaging, broadcasts, read state and
// history on top of the durable store, the ephemeral store and the
// delivery bus.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mahaj/schoolchat/pkg/bus"
	"github.com/mahaj/schoolchat/pkg/directory"
	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/rooms"
	"github.com/mahaj/schoolchat/pkg/snowflake"
	"github.com/mahaj/schoolchat/pkg/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Ephemeral is the subset of the presence store the service writes
// through. Every method may fail with presence.ErrUnavailable.
type Ephemeral interface {
	IncrementUnread(ctx context.Context, principalID, roomID string) error
	ClearUnread(ctx context.Context, principalID, roomID string) error
	UnreadCounts(ctx context.Context, principalID string) (map[string]int64, bool, error)
	SeedUnread(ctx context.Context, principalID string, counts map[string]int64) error
	PushRecentMessage(ctx context.Context, roomID string, msg model.Message) error
	RecentMessages(ctx context.Context, roomID string, n int) ([]model.Message, error)
	RemoveRecentMessage(ctx context.Context, roomID string, id int64) error
	InvalidateRecent(ctx context.Context, roomID string) error
}

type RoomResolver interface {
	Resolve(ctx context.Context, tenantID string, kind model.RoomKind, a, b rooms.Participant) (*model.Room, error)
}

type IDGenerator interface {
	Generate() int64
}

type Deps struct {
	Store     store.Store
	Rooms     RoomResolver
	Ephemeral Ephemeral
	Bus       bus.Bus
	Directory directory.Directory
	IDs       IDGenerator
	Logger    zerolog.Logger
}

type Options struct {
	MaxBodyBytes         int
	BroadcastConcurrency int
}

func DefaultOptions() Options {
	return Options{MaxBodyBytes: 8192, BroadcastConcurrency: 16}
}

type Service struct {
	store     store.Store
	rooms     RoomResolver
	ephemeral Ephemeral
	bus       bus.Bus
	directory directory.Directory
	ids       IDGenerator
	log       zerolog.Logger
	opts      Options
}

func NewService(deps Deps, opts Options) *Service {
	if opts.BroadcastConcurrency <= 0 {
		opts.BroadcastConcurrency = DefaultOptions().BroadcastConcurrency
	}
	return &Service{
		store:     deps.Store,
		rooms:     deps.Rooms,
		ephemeral: deps.Ephemeral,
		bus:       deps.Bus,
		directory: deps.Directory,
		ids:       deps.IDs,
		log:       deps.Logger.With().Str("component", "chat").Logger(),
		opts:      opts,
	}
}

// degraded records an ephemeral or bus failure that must not fail the
// request.
func (s *Service) degraded(op string, err error) {
	metrics.EphemeralFailures.WithLabelValues(op).Inc()
	s.log.Warn().Err(err).Str("op", op).Msg("ephemeral state update failed")
}

func (s *Service) publish(ctx context.Context, ev model.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.degraded("publish_"+string(ev.Type), err)
	}
}

// SendDirect sends content from sender to the recipient principal after
// checking that the two may talk to each other.
func (s *Service) SendDirect(ctx context.Context, sender model.Principal, recipientID string, recipientRole model.Role, c Content) (*model.Message, error) {
	c, err := c.normalize(s.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	if !recipientRole.Valid() {
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, model.ErrUnknownRole)
	}
	if recipientID == sender.ID {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrBadRequest)
	}

	recipient, err := s.directory.FindByPrincipal(ctx, sender.TenantID, recipientID, recipientRole)
	if errors.Is(err, directory.ErrNotFound) || (err == nil && !recipient.Active) {
		return nil, fmt.Errorf("%w: recipient %s", ErrNotFound, recipientID)
	}
	if err != nil {
		return nil, fmt.Errorf("find recipient: %w", err)
	}

	if err := s.authorize(ctx, sender, recipient); err != nil {
		return nil, err
	}
	return s.deliver(ctx, sender, rooms.Participant{PrincipalID: recipientID, Role: recipientRole}, model.KindDirect, c)
}

// authorize applies the relationship matrix between sender and an active
// recipient of the same tenant.
func (s *Service) authorize(ctx context.Context, sender model.Principal, recipient *directory.Recipient) error {
	switch sender.Role {
	case model.RoleStaff:
		switch recipient.Role {
		case model.RoleStaff, model.RoleStudent:
			return nil
		case model.RoleParent:
			return s.staffParent(ctx, sender.TenantID, sender.ID, recipient.ID)
		}
	case model.RoleParent:
		switch recipient.Role {
		case model.RoleStaff:
			parent, err := s.self(ctx, sender)
			if err != nil {
				return err
			}
			return s.staffParent(ctx, sender.TenantID, recipient.PrincipalID, parent.ID)
		case model.RoleStudent:
			parent, err := s.self(ctx, sender)
			if err != nil {
				return err
			}
			return s.guardian(ctx, sender.TenantID, parent.ID, recipient.ID)
		}
	case model.RoleStudent:
		switch recipient.Role {
		case model.RoleStaff:
			return nil
		case model.RoleParent:
			student, err := s.self(ctx, sender)
			if err != nil {
				return err
			}
			return s.guardian(ctx, sender.TenantID, recipient.ID, student.ID)
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrRelationshipNotAuthorized, sender.Role.Label(), recipient.Role.Label())
}

// self returns the sender's own directory record.
func (s *Service) self(ctx context.Context, sender model.Principal) (*directory.Recipient, error) {
	r, err := s.directory.FindByPrincipal(ctx, sender.TenantID, sender.ID, sender.Role)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, fmt.Errorf("%w: sender has no %s record", ErrRelationshipNotAuthorized, sender.Role.Label())
	}
	if err != nil {
		return nil, fmt.Errorf("find sender: %w", err)
	}
	return r, nil
}

func (s *Service) guardian(ctx context.Context, tenantID, parentID, studentID string) error {
	_, err := s.directory.FindParentStudentLink(ctx, parentID, studentID, tenantID)
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("%w: parent is not a guardian of the student", ErrRelationshipNotAuthorized)
	}
	if err != nil {
		return fmt.Errorf("find guardian link: %w", err)
	}
	return nil
}

// staffParent requires the parent to be guardian of at least one student
// the staff member instructs.
func (s *Service) staffParent(ctx context.Context, tenantID, staffPrincipalID, parentID string) error {
	students, err := s.directory.FindStudentsByParent(ctx, tenantID, parentID)
	if err != nil {
		return fmt.Errorf("find students of parent: %w", err)
	}
	for _, st := range students {
		if err := s.guardian(ctx, tenantID, parentID, st.ID); err != nil {
			continue
		}
		ok, err := s.directory.TeacherInstructsStudent(ctx, tenantID, staffPrincipalID, st.ID)
		if err != nil {
			return fmt.Errorf("check instruction: %w", err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: no shared student", ErrRelationshipNotAuthorized)
}

// deliver resolves the room, persists the message and then updates
// ephemeral state and the bus. Only the durable write can fail the send.
func (s *Service) deliver(ctx context.Context, sender model.Principal, to rooms.Participant, kind model.RoomKind, c Content) (*model.Message, error) {
	room, err := s.rooms.Resolve(ctx, sender.TenantID, kind,
		rooms.Participant{PrincipalID: sender.ID, Role: sender.Role}, to)
	if err != nil {
		if errors.Is(err, rooms.ErrInvalidParticipants) {
			return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
		}
		return nil, unavailable("resolve room", err)
	}

	id := s.ids.Generate()
	msg := model.Message{
		ID:            id,
		TenantID:      sender.TenantID,
		RoomID:        room.ID,
		SenderID:      sender.ID,
		SenderRole:    sender.Role,
		Subject:       c.Subject,
		Body:          c.Body,
		AttachmentURL: c.AttachmentURL,
		CreatedAt:     snowflake.Time(id),
	}
	if err := s.store.InsertMessage(ctx, &msg); err != nil {
		return nil, unavailable("persist message", err)
	}
	metrics.MessagesSent.WithLabelValues(string(sender.Role), string(kind)).Inc()
	if msg.CreatedAt.After(room.UpdatedAt) {
		room.UpdatedAt = msg.CreatedAt
	}

	if err := s.ephemeral.IncrementUnread(ctx, to.PrincipalID, room.ID); err != nil {
		s.degraded("increment_unread", err)
	}
	if err := s.ephemeral.PushRecentMessage(ctx, room.ID, msg); err != nil {
		s.degraded("push_recent", err)
		// A cache missing this message must not serve history.
		if err := s.ephemeral.InvalidateRecent(ctx, room.ID); err != nil {
			s.degraded("invalidate_recent", err)
		}
	}

	msg.Room = room
	s.publish(ctx, model.Event{
		Type:         model.EventMessageAdded,
		TenantID:     msg.TenantID,
		RoomID:       room.ID,
		PrincipalID:  sender.ID,
		Participants: room.Participants,
		MessageID:    msg.ID,
		Message:      &msg,
	})
	return &msg, nil
}

// DeleteMessage lets the sender remove a message, softly by default.
func (s *Service) DeleteMessage(ctx context.Context, caller model.Principal, messageID int64, hard bool) (bool, error) {
	msg, err := s.store.GetMessage(ctx, caller.TenantID, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return false, unavailable("get message", err)
	}
	if msg.SenderID != caller.ID {
		return false, fmt.Errorf("%w: only the sender may delete a message", ErrForbidden)
	}

	switch {
	case hard:
		err = s.store.DeleteMessage(ctx, caller.TenantID, messageID)
	case !msg.Deleted:
		err = s.store.SoftDeleteMessage(ctx, caller.TenantID, messageID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return false, unavailable("delete message", err)
	}

	if err := s.ephemeral.RemoveRecentMessage(ctx, msg.RoomID, messageID); err != nil {
		s.degraded("remove_recent", err)
		if err := s.ephemeral.InvalidateRecent(ctx, msg.RoomID); err != nil {
			s.degraded("invalidate_recent", err)
		}
	}

	ev := model.Event{
		Type:        model.EventMessageDeleted,
		TenantID:    caller.TenantID,
		RoomID:      msg.RoomID,
		PrincipalID: caller.ID,
		MessageID:   messageID,
	}
	if room, err := s.store.GetRoom(ctx, caller.TenantID, msg.RoomID); err == nil {
		ev.Participants = room.Participants
	}
	s.publish(ctx, ev)
	return true, nil
}

// room loads roomID and checks that caller participates in it.
func (s *Service) room(ctx context.Context, caller model.Principal, roomID string) (*model.Room, error) {
	room, err := s.store.GetRoom(ctx, caller.TenantID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if err != nil {
		return nil, unavailable("get room", err)
	}
	if !room.HasParticipant(caller.ID) {
		return nil, fmt.Errorf("%w: not a participant of room %s", ErrAccessDenied, roomID)
	}
	return room, nil
}

// MarkRead marks every message in the room the caller did not send as
// read and clears the caller's unread counter for it.
func (s *Service) MarkRead(ctx context.Context, caller model.Principal, roomID string) (bool, error) {
	room, err := s.room(ctx, caller, roomID)
	if err != nil {
		return false, err
	}
	if _, err := s.store.MarkRoomRead(ctx, caller.TenantID, roomID, caller.ID); err != nil {
		return false, unavailable("mark read", err)
	}

	if err := s.ephemeral.ClearUnread(ctx, caller.ID, roomID); err != nil {
		s.degraded("clear_unread", err)
	}
	if err := s.ephemeral.InvalidateRecent(ctx, roomID); err != nil {
		s.degraded("invalidate_recent", err)
	}

	s.publish(ctx, model.Event{
		Type:         model.EventReadReceipt,
		TenantID:     caller.TenantID,
		RoomID:       roomID,
		PrincipalID:  caller.ID,
		Participants: room.Participants,
	})
	return true, nil
}

// History returns visible messages newest first. The first page is
// served from the recent cache when it holds a full page.
func (s *Service) History(ctx context.Context, caller model.Principal, roomID string, limit, offset int) ([]model.Message, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", ErrBadRequest)
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	if _, err := s.room(ctx, caller, roomID); err != nil {
		return nil, err
	}

	if offset == 0 {
		cached, err := s.ephemeral.RecentMessages(ctx, roomID, limit)
		if err != nil {
			s.degraded("recent_messages", err)
		} else if len(cached) >= limit {
			model.SortNewestFirst(cached)
			return cached, nil
		}
	}

	msgs, err := s.store.ListMessages(ctx, caller.TenantID, roomID, limit, offset)
	if err != nil {
		return nil, unavailable("list messages", err)
	}
	return msgs, nil
}

// UnreadByRoom returns the caller's non-zero unread counters. Missing
// counters are recomputed from durable read flags and seeded back.
func (s *Service) UnreadByRoom(ctx context.Context, caller model.Principal) (map[string]int64, error) {
	counts, seeded, err := s.ephemeral.UnreadCounts(ctx, caller.ID)
	if err != nil {
		s.degraded("unread_counts", err)
	}
	if err == nil && seeded {
		return counts, nil
	}

	counts, err = s.store.CountUnread(ctx, caller.TenantID, caller.ID)
	if err != nil {
		return nil, unavailable("count unread", err)
	}
	if seedErr := s.ephemeral.SeedUnread(ctx, caller.ID, counts); seedErr != nil {
		s.degraded("seed_unread", seedErr)
	}
	return counts, nil
}

func (s *Service) UnreadTotal(ctx context.Context, caller model.Principal) (int64, error) {
	counts, err := s.UnreadByRoom(ctx, caller)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, nil
}

// Conversations lists the caller's rooms, most recently active first.
func (s *Service) Conversations(ctx context.Context, caller model.Principal) ([]model.Conversation, error) {
	roomList, err := s.store.ListRoomsForPrincipal(ctx, caller.TenantID, caller.ID)
	if err != nil {
		return nil, unavailable("list rooms", err)
	}
	unread, err := s.UnreadByRoom(ctx, caller)
	if err != nil {
		return nil, err
	}

	out := make([]model.Conversation, 0, len(roomList))
	for _, r := range roomList {
		out = append(out, model.Conversation{
			Room:        r,
			UnreadCount: unread[r.ID],
			LastUpdated: r.UpdatedAt,
		})
	}
	return out, nil
}

// Room returns roomID when the caller participates in it.
func (s *Service) Room(ctx context.Context, caller model.Principal, roomID string) (*model.Room, error) {
	return s.room(ctx, caller, roomID)
}
