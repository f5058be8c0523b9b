package model

import (
	"errors"
	"strings"
)

var ErrUnknownRole = errors.New("unknown role")

// Role tags who a principal acts as. Teachers and administrative staff
// share RoleStaff.
type Role string

const (
	RoleStaff   Role = "STAFF"
	RoleStudent Role = "STUDENT"
	RoleParent  Role = "PARENT"
)

// ParseRole accepts the canonical tags case-insensitively. "TEACHER" is
// an alias for RoleStaff.
func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STAFF", "TEACHER":
		return RoleStaff, nil
	case "STUDENT":
		return RoleStudent, nil
	case "PARENT":
		return RoleParent, nil
	}
	return "", ErrUnknownRole
}

func (r Role) Valid() bool {
	switch r {
	case RoleStaff, RoleStudent, RoleParent:
		return true
	}
	return false
}

// Slug is the lower-case form used inside canonical room names.
func (r Role) Slug() string {
	return strings.ToLower(string(r))
}

// Label is the human readable form used in default room labels.
func (r Role) Label() string {
	switch r {
	case RoleStaff:
		return "Staff"
	case RoleStudent:
		return "Student"
	case RoleParent:
		return "Parent"
	}
	return string(r)
}

// UnmarshalText leaves an empty tag as the zero Role; callers that need
// a role check Valid.
func (r *Role) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*r = ""
		return nil
	}
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Principal is the authenticated caller of every chat operation.
type Principal struct {
	ID       string `json:"principalId"`
	TenantID string `json:"tenantId"`
	Role     Role   `json:"role"`
}
