package service

import (
	"context"
	"errors"
	"fmt"
	"lms_backend/internal/config"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/pkg/database"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testEnv struct {
	db *gorm.DB

	courseRepo         *repository.CourseRepository
	enrollmentRepo     *repository.EnrollmentRepository
	lessonProgressRepo *repository.LessonProgressRepository
	certificateRepo    *repository.CertificateRepository

	enrollments    *EnrollmentService
	lessonProgress *LessonProgressService
	certificates   *CertificateService

	instructor *model.User
	learner    *model.User
}

// newTestDB 每个测试独立的内存库，单连接保证并发测试串行落库
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestEnv(t *testing.T, mode string, queue CertificateJobQueue, publisher CertificatePublisher) *testEnv {
	t.Helper()
	db := newTestDB(t)

	env := &testEnv{
		db:                 db,
		courseRepo:         repository.NewCourseRepository(db),
		enrollmentRepo:     repository.NewEnrollmentRepository(db),
		lessonProgressRepo: repository.NewLessonProgressRepository(db),
		certificateRepo:    repository.NewCertificateRepository(db),
	}
	env.enrollments = NewEnrollmentService(env.enrollmentRepo, env.lessonProgressRepo, env.courseRepo, repository.NewUserRepository(db), db)
	env.certificates = NewCertificateService(env.certificateRepo, env.enrollmentRepo, queue, publisher, &config.CertificateConfig{
		IssueMode:   mode,
		MaxPageSize: 100,
	})
	env.lessonProgress = NewLessonProgressService(env.courseRepo, env.enrollmentRepo, env.lessonProgressRepo, env.enrollments, env.certificates)

	env.instructor = env.createUser(t, "Grace Hopper", "grace@example.com", model.Instructor)
	env.learner = env.createUser(t, "Ada Lovelace", "ada@example.com", model.Student)
	return env
}

func (e *testEnv) createUser(t *testing.T, name, email string, role model.UserRole) *model.User {
	t.Helper()
	u := &model.User{Name: name, Email: email, Role: role}
	require.NoError(t, e.db.Create(u).Error)
	return u
}

func (e *testEnv) createCourse(t *testing.T, title string, status model.CourseStatus, lessons int) (*model.Course, []model.Lesson) {
	t.Helper()
	course := &model.Course{
		Title:        title,
		Level:        model.LevelBeginner,
		Category:     "programming",
		Duration:     90,
		Status:       status,
		InstructorID: e.instructor.ID,
	}
	require.NoError(t, e.db.Create(course).Error)

	created := make([]model.Lesson, 0, lessons)
	for i := 0; i < lessons; i++ {
		lesson := model.Lesson{CourseID: course.ID, Title: fmt.Sprintf("%s #%d", title, i+1), Order: i + 1}
		require.NoError(t, e.db.Create(&lesson).Error)
		created = append(created, lesson)
	}
	return course, created
}

// completeCourse 选课并完成全部课时
func (e *testEnv) completeCourse(t *testing.T, userID uint, course *model.Course, lessons []model.Lesson) *model.Enrollment {
	t.Helper()
	ctx := context.Background()
	enrollment, err := e.enrollments.Enroll(ctx, userID, course.ID)
	require.NoError(t, err)
	for _, lesson := range lessons {
		_, err := e.lessonProgress.MarkComplete(ctx, userID, lesson.ID)
		require.NoError(t, err)
	}
	reloaded, err := e.enrollmentRepo.FindByID(ctx, enrollment.ID)
	require.NoError(t, err)
	return reloaded
}

func (e *testEnv) countCertificates(t *testing.T, enrollmentID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.Certificate{}).Where("enrollment_id = ?", enrollmentID).Count(&n).Error)
	return n
}

func (e *testEnv) countLessonProgress(t *testing.T, enrollmentID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.LessonProgress{}).Where("enrollment_id = ?", enrollmentID).Count(&n).Error)
	return n
}

// plantCertificateAfterMiss 第 n 次查询证书未命中后写入 row，
// 相当于另一个签发方在查询和插入之间抢先提交
func (e *testEnv) plantCertificateAfterMiss(t *testing.T, n int, row *model.Certificate) {
	t.Helper()
	misses := 0
	planted := false
	err := e.db.Callback().Query().After("gorm:query").Register("test:plant_certificate", func(tx *gorm.DB) {
		if planted || tx.Statement.Table != "certificates" || !errors.Is(tx.Error, gorm.ErrRecordNotFound) {
			return
		}
		misses++
		if misses < n {
			return
		}
		planted = true
		if err := e.db.Session(&gorm.Session{NewDB: true}).Create(row).Error; err != nil {
			t.Errorf("plant certificate: %v", err)
		}
	})
	require.NoError(t, err)
}

type fakeQueue struct {
	mu       sync.Mutex
	err      error
	enqueued []uint
}

func (q *fakeQueue) EnqueueCertificate(ctx context.Context, enrollmentID uint) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return "", q.err
	}
	q.enqueued = append(q.enqueued, enrollmentID)
	return fmt.Sprintf("job-%d", len(q.enqueued)), nil
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []string
}

func (p *fakePublisher) Publish(ctx context.Context, detail *CertificateDetail) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.published = append(p.published, detail.SerialHash)
	return p.URL(detail.SerialHash), nil
}

func (p *fakePublisher) URL(serialHash string) string {
	return "/uploads/certificates/" + serialHash + ".html"
}
