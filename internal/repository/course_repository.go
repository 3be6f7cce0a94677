package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/classroom-sync/internal/models"
)

const courseColumns = `id, title, description, teacher_id, teacher_name, subject, semester, year, created_at, updated_at`

// CourseRepository persists courses and their memberships.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository creates a new course repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// List returns every course with memberships attached.
func (r *CourseRepository) List(ctx context.Context) ([]models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses ORDER BY created_at DESC, id ASC`, courseColumns)
	var courses []models.Course
	if err := r.db.SelectContext(ctx, &courses, query); err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}

	const studentsQuery = `SELECT course_id, user_id, name, email, joined_at, is_active FROM course_students ORDER BY course_id, user_id`
	var students []models.CourseStudent
	if err := r.db.SelectContext(ctx, &students, studentsQuery); err != nil {
		return nil, fmt.Errorf("list course students: %w", err)
	}

	byCourse := make(map[string]map[string]models.Membership, len(courses))
	for _, s := range students {
		if byCourse[s.CourseID] == nil {
			byCourse[s.CourseID] = make(map[string]models.Membership)
		}
		byCourse[s.CourseID][s.UserID] = s.Membership
	}
	for i := range courses {
		courses[i].Students = byCourse[courses[i].ID]
	}
	return courses, nil
}

// FindByID returns a course with its memberships.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := fmt.Sprintf(`SELECT %s FROM courses WHERE id = $1 LIMIT 1`, courseColumns)
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find course by id: %w", err)
	}

	const studentsQuery = `SELECT course_id, user_id, name, email, joined_at, is_active FROM course_students WHERE course_id = $1 ORDER BY user_id`
	var students []models.CourseStudent
	if err := r.db.SelectContext(ctx, &students, studentsQuery, id); err != nil {
		return nil, fmt.Errorf("find course students: %w", err)
	}
	if len(students) > 0 {
		course.Students = make(map[string]models.Membership, len(students))
		for _, s := range students {
			course.Students[s.UserID] = s.Membership
		}
	}
	return &course, nil
}

// Create inserts a course together with any initial memberships.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin course transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertCourse = `INSERT INTO courses (id, title, description, teacher_id, teacher_name, subject, semester, year, created_at, updated_at)
VALUES (:id, :title, :description, :teacher_id, :teacher_name, :subject, :semester, :year, :created_at, :updated_at)`
	if _, err = tx.NamedExecContext(ctx, insertCourse, course); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	for _, uid := range course.StudentIDs() {
		if _, err = insertStudent(ctx, tx, course.ID, uid, course.Students[uid]); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit course: %w", err)
	}
	return nil
}

// Update overwrites the mutable course fields. It returns sql.ErrNoRows when the course is gone.
func (r *CourseRepository) Update(ctx context.Context, course *models.Course) error {
	const query = `UPDATE courses SET title = :title, description = :description, subject = :subject, semester = :semester, year = :year, updated_at = :updated_at WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, course)
	if err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	return expectAffected(res, "update course")
}

// Delete removes a course; memberships cascade in the schema. Documents are left to the caller.
func (r *CourseRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	return expectAffected(res, "delete course")
}

// UpsertStudent enrolls uid and advances updated_at. An existing membership is left untouched and
// updated_at does not move.
func (r *CourseRepository) UpsertStudent(ctx context.Context, courseID, uid string, m models.Membership, updatedAt int64) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin membership transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var id string
	if err = tx.GetContext(ctx, &id, `SELECT id FROM courses WHERE id = $1 FOR UPDATE`, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("lock course: %w", err)
	}
	inserted, err := insertStudent(ctx, tx, courseID, uid, m)
	if err != nil {
		return err
	}
	if inserted > 0 {
		if err = touchCourse(ctx, tx, courseID, updatedAt); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit membership: %w", err)
	}
	return nil
}

// RemoveStudent drops uid's membership. Removing an absent membership is not an error.
func (r *CourseRepository) RemoveStudent(ctx context.Context, courseID, uid string, updatedAt int64) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin membership transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM course_students WHERE course_id = $1 AND user_id = $2`, courseID, uid)
	if err != nil {
		return fmt.Errorf("remove course student: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("remove course student: %w", err)
	}
	if removed > 0 {
		if err = touchCourse(ctx, tx, courseID, updatedAt); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit membership: %w", err)
	}
	return nil
}

// insertStudent reports how many rows the insert added; 0 means the membership already existed.
func insertStudent(ctx context.Context, tx *sqlx.Tx, courseID, uid string, m models.Membership) (int64, error) {
	const query = `INSERT INTO course_students (course_id, user_id, name, email, joined_at, is_active) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (course_id, user_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, query, courseID, uid, m.Name, m.Email, m.JoinedAt, m.IsActive)
	if err != nil {
		return 0, fmt.Errorf("insert course student: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert course student: %w", err)
	}
	return n, nil
}

func touchCourse(ctx context.Context, tx *sqlx.Tx, courseID string, updatedAt int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE courses SET updated_at = GREATEST(updated_at + 1, $2) WHERE id = $1`, courseID, updatedAt)
	if err != nil {
		return fmt.Errorf("touch course: %w", err)
	}
	return expectAffected(res, "touch course")
}

func expectAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
