// Package directory is the chat core's view of the school records it does
// not own: who the students, parents and staff of a tenant are, and how
// they are linked.
package directory

import (
	"context"
	"errors"

	"github.com/mahaj/schoolchat/pkg/model"
)

var ErrNotFound = errors.New("directory: not found")

// Recipient is a role-specific record. PrincipalID is the linked login
// identity and may be empty for records without an account.
type Recipient struct {
	ID           string
	PrincipalID  string
	TenantID     string
	Role         model.Role
	GradeLevelID string
	Active       bool
}

// Link is a guardian relationship between a parent and a student record.
type Link struct {
	TenantID  string
	ParentID  string
	StudentID string
}

type Directory interface {
	// FindByPrincipal returns the record of role linked to principalID.
	FindByPrincipal(ctx context.Context, tenantID, principalID string, role model.Role) (*Recipient, error)
	FindActiveStudentsByTenant(ctx context.Context, tenantID string) ([]Recipient, error)
	FindActiveParentsByTenant(ctx context.Context, tenantID string) ([]Recipient, error)
	FindActiveStudentsByGradeLevels(ctx context.Context, tenantID string, gradeLevelIDs []string) ([]Recipient, error)
	// FindActiveParentsByGradeLevels returns guardians of active students
	// in the grade levels.
	FindActiveParentsByGradeLevels(ctx context.Context, tenantID string, gradeLevelIDs []string) ([]Recipient, error)
	FindParentStudentLink(ctx context.Context, parentID, studentID, tenantID string) (*Link, error)
	FindStudentsByParent(ctx context.Context, tenantID, parentID string) ([]Recipient, error)
	TeacherInstructsStudent(ctx context.Context, tenantID, teacherPrincipalID, studentID string) (bool, error)
}
