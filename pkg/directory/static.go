package directory

import (
	"context"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/mahaj/schoolchat/pkg/model"
)

// Seed is the YAML layout read by LoadFile.
type Seed struct {
	Tenants []TenantSeed `yaml:"tenants"`
}

type TenantSeed struct {
	ID       string       `yaml:"id"`
	Staff    []PersonSeed `yaml:"staff"`
	Students []PersonSeed `yaml:"students"`
	Parents  []PersonSeed `yaml:"parents"`
}

// PersonSeed.Students lists the students a staff member instructs or a
// parent is guardian of.
type PersonSeed struct {
	ID        string   `yaml:"id"`
	Principal string   `yaml:"principal"`
	Grade     string   `yaml:"grade"`
	Active    *bool    `yaml:"active"`
	Students  []string `yaml:"students"`
}

type tenant struct {
	records   []Recipient // in seed order
	byID      map[string]Recipient
	instructs map[string][]string // teacher principal -> student ids
	guardians map[string][]string // parent id -> student ids
}

// Static is an in-memory directory, read-only after construction.
type Static struct {
	tenants map[string]*tenant
}

var _ Directory = (*Static)(nil)

func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse directory %s: %w", path, err)
	}
	return NewStatic(seed), nil
}

func NewStatic(seed Seed) *Static {
	s := &Static{tenants: make(map[string]*tenant)}
	for _, ts := range seed.Tenants {
		t := &tenant{
			byID:      make(map[string]Recipient),
			instructs: make(map[string][]string),
			guardians: make(map[string][]string),
		}
		add := func(p PersonSeed, role model.Role) {
			r := Recipient{
				ID:           p.ID,
				PrincipalID:  p.Principal,
				TenantID:     ts.ID,
				Role:         role,
				GradeLevelID: p.Grade,
				Active:       p.Active == nil || *p.Active,
			}
			t.records = append(t.records, r)
			t.byID[r.ID] = r
		}
		for _, p := range ts.Staff {
			add(p, model.RoleStaff)
			if p.Principal != "" {
				t.instructs[p.Principal] = p.Students
			}
		}
		for _, p := range ts.Students {
			add(p, model.RoleStudent)
		}
		for _, p := range ts.Parents {
			add(p, model.RoleParent)
			t.guardians[p.ID] = p.Students
		}
		s.tenants[ts.ID] = t
	}
	return s
}

func (s *Static) tenant(tenantID string) *tenant {
	if t, ok := s.tenants[tenantID]; ok {
		return t
	}
	return &tenant{}
}

func (s *Static) FindByPrincipal(_ context.Context, tenantID, principalID string, role model.Role) (*Recipient, error) {
	for _, r := range s.tenant(tenantID).records {
		if r.Role == role && r.PrincipalID != "" && r.PrincipalID == principalID {
			r := r
			return &r, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Static) filter(tenantID string, keep func(Recipient) bool) []Recipient {
	var out []Recipient
	for _, r := range s.tenant(tenantID).records {
		if r.Active && keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Static) FindActiveStudentsByTenant(_ context.Context, tenantID string) ([]Recipient, error) {
	return s.filter(tenantID, func(r Recipient) bool { return r.Role == model.RoleStudent }), nil
}

func (s *Static) FindActiveParentsByTenant(_ context.Context, tenantID string) ([]Recipient, error) {
	return s.filter(tenantID, func(r Recipient) bool { return r.Role == model.RoleParent }), nil
}

func (s *Static) FindActiveStudentsByGradeLevels(_ context.Context, tenantID string, gradeLevelIDs []string) ([]Recipient, error) {
	return s.filter(tenantID, func(r Recipient) bool {
		return r.Role == model.RoleStudent && slices.Contains(gradeLevelIDs, r.GradeLevelID)
	}), nil
}

func (s *Static) FindActiveParentsByGradeLevels(ctx context.Context, tenantID string, gradeLevelIDs []string) ([]Recipient, error) {
	students, _ := s.FindActiveStudentsByGradeLevels(ctx, tenantID, gradeLevelIDs)
	inGrades := make(map[string]bool, len(students))
	for _, st := range students {
		inGrades[st.ID] = true
	}
	t := s.tenant(tenantID)
	return s.filter(tenantID, func(r Recipient) bool {
		if r.Role != model.RoleParent {
			return false
		}
		for _, id := range t.guardians[r.ID] {
			if inGrades[id] {
				return true
			}
		}
		return false
	}), nil
}

func (s *Static) FindParentStudentLink(_ context.Context, parentID, studentID, tenantID string) (*Link, error) {
	if slices.Contains(s.tenant(tenantID).guardians[parentID], studentID) {
		return &Link{TenantID: tenantID, ParentID: parentID, StudentID: studentID}, nil
	}
	return nil, ErrNotFound
}

func (s *Static) FindStudentsByParent(_ context.Context, tenantID, parentID string) ([]Recipient, error) {
	t := s.tenant(tenantID)
	var out []Recipient
	for _, id := range t.guardians[parentID] {
		if r, ok := t.byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Static) TeacherInstructsStudent(_ context.Context, tenantID, teacherPrincipalID, studentID string) (bool, error) {
	return slices.Contains(s.tenant(tenantID).instructs[teacherPrincipalID], studentID), nil
}
