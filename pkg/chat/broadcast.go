package chat

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mahaj/schoolchat/pkg/directory"
	"github.com/mahaj/schoolchat/pkg/metrics"
	"github.com/mahaj/schoolchat/pkg/model"
	"github.com/mahaj/schoolchat/pkg/rooms"
)

type AudienceKind string

const (
	AudienceAllStudents      AudienceKind = "allStudents"
	AudienceAllParents       AudienceKind = "allParents"
	AudienceStudentsInGrades AudienceKind = "studentsInGrades"
	AudienceParentsInGrades  AudienceKind = "parentsInGrades"
)

type Audience struct {
	Kind          AudienceKind `json:"kind"`
	GradeLevelIDs []string     `json:"gradeLevelIds,omitempty"`
}

// Failure records one recipient a broadcast could not reach.
type Failure struct {
	RecipientID string `json:"recipientId"`
	PrincipalID string `json:"principalId,omitempty"`
	Err         error  `json:"-"`
	Reason      string `json:"reason"`
}

type BroadcastResult struct {
	Messages []model.Message `json:"messages"`
	Failures []Failure       `json:"failures"`
}

var (
	errInactive = errors.New("recipient is inactive")
	errNoLogin  = errors.New("recipient has no linked account")
)

func (s *Service) audience(ctx context.Context, tenantID string, a Audience) ([]directory.Recipient, error) {
	switch a.Kind {
	case AudienceAllStudents:
		return s.directory.FindActiveStudentsByTenant(ctx, tenantID)
	case AudienceAllParents:
		return s.directory.FindActiveParentsByTenant(ctx, tenantID)
	case AudienceStudentsInGrades:
		if len(a.GradeLevelIDs) == 0 {
			return nil, fmt.Errorf("%w: grade levels are required", ErrBadRequest)
		}
		return s.directory.FindActiveStudentsByGradeLevels(ctx, tenantID, a.GradeLevelIDs)
	case AudienceParentsInGrades:
		if len(a.GradeLevelIDs) == 0 {
			return nil, fmt.Errorf("%w: grade levels are required", ErrBadRequest)
		}
		return s.directory.FindActiveParentsByGradeLevels(ctx, tenantID, a.GradeLevelIDs)
	}
	return nil, fmt.Errorf("%w: unknown audience %q", ErrBadRequest, a.Kind)
}

// Broadcast sends content from a staff member to every recipient of the
// audience, each into its own broadcast room. Recipients that cannot be
// reached are recorded as failures; the batch itself only fails when the
// audience is empty or cannot be resolved.
func (s *Service) Broadcast(ctx context.Context, sender model.Principal, a Audience, c Content) (*BroadcastResult, error) {
	if sender.Role != model.RoleStaff {
		return nil, fmt.Errorf("%w: only staff may broadcast", ErrForbidden)
	}
	c, err := c.normalize(s.opts.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	recipients, err := s.audience(ctx, sender.TenantID, a)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	// Several records can share one login, e.g. a parent of two students.
	seen := make(map[string]bool, len(recipients))
	unique := recipients[:0:0]
	for _, r := range recipients {
		if r.PrincipalID != "" {
			if seen[r.PrincipalID] {
				continue
			}
			seen[r.PrincipalID] = true
		}
		unique = append(unique, r)
	}
	if len(unique) == 0 {
		return nil, fmt.Errorf("%w: audience is empty", ErrBadRequest)
	}

	sent := make([]*model.Message, len(unique))
	failed := make([]error, len(unique))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BroadcastConcurrency)
	for i, r := range unique {
		if gctx.Err() != nil {
			failed[i] = gctx.Err()
			continue
		}
		g.Go(func() error {
			switch {
			case !r.Active:
				failed[i] = errInactive
			case r.PrincipalID == "":
				failed[i] = errNoLogin
			case r.PrincipalID == sender.ID:
				failed[i] = fmt.Errorf("%w: cannot message yourself", ErrBadRequest)
			default:
				sent[i], failed[i] = s.deliver(gctx, sender,
					rooms.Participant{PrincipalID: r.PrincipalID, Role: r.Role}, model.KindBroadcast, c)
			}
			return nil
		})
	}
	g.Wait()

	res := &BroadcastResult{Messages: []model.Message{}, Failures: []Failure{}}
	for i, r := range unique {
		if failed[i] != nil {
			metrics.BroadcastRecipients.WithLabelValues("failed").Inc()
			s.log.Warn().Err(failed[i]).
				Str("recipient", r.ID).
				Str("principal", r.PrincipalID).
				Msg("broadcast recipient skipped")
			res.Failures = append(res.Failures, Failure{
				RecipientID: r.ID,
				PrincipalID: r.PrincipalID,
				Err:         failed[i],
				Reason:      failed[i].Error(),
			})
			continue
		}
		metrics.BroadcastRecipients.WithLabelValues("sent").Inc()
		res.Messages = append(res.Messages, *sent[i])
	}
	return res, nil
}
