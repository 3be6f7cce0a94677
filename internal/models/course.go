package models

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Membership records a student's enrollment in a course.
type Membership struct {
	JoinedAt int64  `db:"joined_at" json:"joinedAt"`
	IsActive bool   `db:"is_active" json:"isActive"`
	Name     string `db:"name" json:"name,omitempty"`
	Email    string `db:"email" json:"email,omitempty"`
}

// UnmarshalJSON accepts the legacy `true` marker alongside the full record.
func (m *Membership) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("true")) {
		*m = Membership{IsActive: true}
		return nil
	}
	type plain Membership
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*m = Membership(decoded)
	return nil
}

// CourseStudent is a course_students row.
type CourseStudent struct {
	CourseID string `db:"course_id"`
	UserID   string `db:"user_id"`
	Membership
}

// Course represents a class offered by a teacher.
type Course struct {
	ID          string                `db:"id" json:"id"`
	Title       string                `db:"title" json:"title"`
	Description string                `db:"description" json:"description"`
	TeacherID   string                `db:"teacher_id" json:"teacherId"`
	TeacherName string                `db:"teacher_name" json:"teacherName"`
	Students    map[string]Membership `db:"-" json:"students,omitempty"`
	Subject     string                `db:"subject" json:"subject,omitempty"`
	Semester    string                `db:"semester" json:"semester,omitempty"`
	Year        *int                  `db:"year" json:"year,omitempty"`
	CreatedAt   int64                 `db:"created_at" json:"createdAt"`
	UpdatedAt   int64                 `db:"updated_at" json:"updatedAt"`
}

// IsStudentEnrolled reports whether uid holds a membership.
func (c Course) IsStudentEnrolled(uid string) bool {
	_, ok := c.Students[uid]
	return ok
}

// IsOwnedBy reports whether uid is the owning teacher.
func (c Course) IsOwnedBy(uid string) bool {
	return uid != "" && c.TeacherID == uid
}

// StudentCount returns the number of memberships.
func (c Course) StudentCount() int {
	return len(c.Students)
}

// StudentIDs returns member ids in ascending order.
func (c Course) StudentIDs() []string {
	ids := make([]string, 0, len(c.Students))
	for id := range c.Students {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a copy that shares no mutable state with c.
func (c Course) Clone() Course {
	clone := c
	if c.Students != nil {
		clone.Students = make(map[string]Membership, len(c.Students))
		for id, m := range c.Students {
			clone.Students[id] = m
		}
	}
	if c.Year != nil {
		year := *c.Year
		clone.Year = &year
	}
	return clone
}

// WithStudent returns a copy with uid enrolled. Existing memberships are kept as is.
func (c Course) WithStudent(uid string, m Membership, now int64) Course {
	clone := c.Clone()
	if clone.IsStudentEnrolled(uid) {
		return clone
	}
	if clone.Students == nil {
		clone.Students = make(map[string]Membership)
	}
	clone.Students[uid] = m
	clone.UpdatedAt = advance(c.UpdatedAt, now)
	return clone
}

// WithoutStudent returns a copy with uid's membership removed.
func (c Course) WithoutStudent(uid string, now int64) Course {
	clone := c.Clone()
	if !clone.IsStudentEnrolled(uid) {
		return clone
	}
	delete(clone.Students, uid)
	clone.UpdatedAt = advance(c.UpdatedAt, now)
	return clone
}

// CourseStats summarises a set of courses.
type CourseStats struct {
	TotalCourses             int `json:"totalCourses"`
	TotalStudents            int `json:"totalStudents"`
	AverageStudentsPerCourse int `json:"averageStudentsPerCourse"`
}

// ComputeCourseStats totals memberships and rounds the per course average.
func ComputeCourseStats(courses []Course) CourseStats {
	stats := CourseStats{TotalCourses: len(courses)}
	for _, c := range courses {
		stats.TotalStudents += c.StudentCount()
	}
	if stats.TotalCourses > 0 {
		stats.AverageStudentsPerCourse = (stats.TotalStudents*2 + stats.TotalCourses) / (stats.TotalCourses * 2)
	}
	return stats
}

// CreateCourseRequest is the payload for creating a course.
type CreateCourseRequest struct {
	Title       string `json:"title" validate:"required,min=2,max=100"`
	Description string `json:"description" validate:"max=500"`
	Subject     string `json:"subject" validate:"max=100"`
	Semester    string `json:"semester" validate:"max=50"`
	Year        *int   `json:"year" validate:"omitempty,min=1900,max=2200"`
}

// Normalize trims free text fields.
func (r *CreateCourseRequest) Normalize() {
	r.Title = strings.TrimSpace(r.Title)
	r.Description = strings.TrimSpace(r.Description)
	r.Subject = strings.TrimSpace(r.Subject)
	r.Semester = strings.TrimSpace(r.Semester)
}

// UpdateCourseRequest carries a partial course update; nil fields are left untouched.
type UpdateCourseRequest struct {
	Title       *string `json:"title" validate:"omitempty,min=2,max=100"`
	Description *string `json:"description" validate:"omitempty,max=500"`
	Subject     *string `json:"subject" validate:"omitempty,max=100"`
	Semester    *string `json:"semester" validate:"omitempty,max=50"`
	Year        *int    `json:"year" validate:"omitempty,min=1900,max=2200"`
}

// Normalize trims free text fields.
func (r *UpdateCourseRequest) Normalize() {
	for _, field := range []*string{r.Title, r.Description, r.Subject, r.Semester} {
		if field != nil {
			*field = strings.TrimSpace(*field)
		}
	}
}

// Apply returns a copy of c with the non-nil fields of r applied.
func (r UpdateCourseRequest) Apply(c Course, now int64) Course {
	updated := c.Clone()
	if r.Title != nil {
		updated.Title = *r.Title
	}
	if r.Description != nil {
		updated.Description = *r.Description
	}
	if r.Subject != nil {
		updated.Subject = *r.Subject
	}
	if r.Semester != nil {
		updated.Semester = *r.Semester
	}
	if r.Year != nil {
		year := *r.Year
		updated.Year = &year
	}
	updated.UpdatedAt = advance(c.UpdatedAt, now)
	return updated
}

// advance keeps updatedAt strictly increasing across mutations.
func advance(prev, now int64) int64 {
	if now <= prev {
		return prev + 1
	}
	return now
}

// NowMillis returns the current wall clock in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
