package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/mahaj/schoolchat/pkg/model"
)

func load(t *testing.T) *Static {
	t.Helper()
	d, err := LoadFile("testdata/school.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return d
}

func ids(rs []Recipient) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestFindByPrincipal(t *testing.T) {
	d := load(t)
	ctx := context.Background()

	r, err := d.FindByPrincipal(ctx, "t1", "u-par-1", model.RoleParent)
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "par-1" || !r.Active {
		t.Errorf("got %+v", r)
	}
	if _, err := d.FindByPrincipal(ctx, "t2", "u-par-1", model.RoleParent); !errors.Is(err, ErrNotFound) {
		t.Errorf("other tenant: expected ErrNotFound, got %v", err)
	}
	if _, err := d.FindByPrincipal(ctx, "t1", "u-par-1", model.RoleStudent); !errors.Is(err, ErrNotFound) {
		t.Errorf("wrong role: expected ErrNotFound, got %v", err)
	}
	inactive, err := d.FindByPrincipal(ctx, "t1", "u-stu-3", model.RoleStudent)
	if err != nil || inactive.Active {
		t.Errorf("inactive student: %+v, %v", inactive, err)
	}
}

func TestAudienceQueries(t *testing.T) {
	d := load(t)
	ctx := context.Background()

	students, _ := d.FindActiveStudentsByTenant(ctx, "t1")
	if got := ids(students); len(got) != 3 {
		t.Errorf("active students = %v, want stu-1, stu-2, stu-4", got)
	}

	g1, _ := d.FindActiveStudentsByGradeLevels(ctx, "t1", []string{"g1", "g2"})
	if got := ids(g1); len(got) != 2 || got[0] != "stu-1" || got[1] != "stu-2" {
		t.Errorf("g1+g2 students = %v", got)
	}

	parents, _ := d.FindActiveParentsByGradeLevels(ctx, "t1", []string{"g3"})
	if got := ids(parents); len(got) != 1 || got[0] != "par-2" {
		t.Errorf("g3 parents = %v", got)
	}

	all, _ := d.FindActiveParentsByTenant(ctx, "t1")
	if len(all) != 2 {
		t.Errorf("parents = %v", ids(all))
	}
}

func TestLinks(t *testing.T) {
	d := load(t)
	ctx := context.Background()

	if _, err := d.FindParentStudentLink(ctx, "par-1", "stu-1", "t1"); err != nil {
		t.Errorf("expected link: %v", err)
	}
	if _, err := d.FindParentStudentLink(ctx, "par-1", "stu-2", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	kids, _ := d.FindStudentsByParent(ctx, "t1", "par-1")
	if len(kids) != 1 || kids[0].ID != "stu-1" {
		t.Errorf("students of par-1 = %v", ids(kids))
	}

	ok, _ := d.TeacherInstructsStudent(ctx, "t1", "u-teacher", "stu-2")
	if !ok {
		t.Error("teacher should instruct stu-2")
	}
	ok, _ = d.TeacherInstructsStudent(ctx, "t1", "u-teacher", "stu-4")
	if ok {
		t.Error("teacher should not instruct stu-4")
	}
}
