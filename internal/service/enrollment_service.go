package service

import (
	"context"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"
	"lms_backend/pkg/tracing"
	"math"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type EnrollmentService struct {
	EnrollmentRepo     *repository.EnrollmentRepository
	LessonProgressRepo *repository.LessonProgressRepository
	CourseRepo         *repository.CourseRepository
	UserRepo           *repository.UserRepository
	DB                 *gorm.DB

	now func() time.Time
}

func NewEnrollmentService(
	enrollmentRepo *repository.EnrollmentRepository,
	lessonProgressRepo *repository.LessonProgressRepository,
	courseRepo *repository.CourseRepository,
	userRepo *repository.UserRepository,
	db *gorm.DB,
) *EnrollmentService {
	return &EnrollmentService{
		EnrollmentRepo:     enrollmentRepo,
		LessonProgressRepo: lessonProgressRepo,
		CourseRepo:         courseRepo,
		UserRepo:           userRepo,
		DB:                 db,
		now:                time.Now,
	}
}

// ProgressResult 重新计算进度的结果
type ProgressResult struct {
	Enrollment       *model.Enrollment `json:"enrollment"`
	TotalLessons     int64             `json:"totalLessons"`
	CompletedLessons int64             `json:"completedLessons"`
	// JustCompleted 本次计算首次达到 100%
	JustCompleted bool `json:"justCompleted"`
}

type LessonStatus struct {
	LessonID  uint       `json:"lessonId"`
	Title     string     `json:"title"`
	Order     int        `json:"order"`
	Completed bool       `json:"completed"`
	WatchedAt *time.Time `json:"watchedAt"`
}

type CourseProgress struct {
	EnrollmentID     uint           `json:"enrollmentId"`
	CourseID         uint           `json:"courseId"`
	Progress         int            `json:"progress"`
	EnrolledAt       time.Time      `json:"enrolledAt"`
	CompletedAt      *time.Time     `json:"completedAt"`
	LastAccessedAt   *time.Time     `json:"lastAccessedAt"`
	TotalLessons     int            `json:"totalLessons"`
	CompletedLessons int            `json:"completedLessons"`
	Lessons          []LessonStatus `json:"lessons"`
}

// CalculateProgress 四舍五入到整数百分比，课程没有课时时为 0
func CalculateProgress(completed, total int64) int {
	if total <= 0 || completed <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return int(math.Round(float64(completed) * 100 / float64(total)))
}

// Enroll 选课，课程必须已发布且不能重复选课；已停用的账号不能选课
func (s *EnrollmentService) Enroll(ctx context.Context, userID, courseID uint) (*model.Enrollment, error) {
	user, err := s.UserRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, util.ErrUserNotFound
	}
	if user.Disabled {
		return nil, util.ErrPermissionDenied
	}

	course, err := s.CourseRepo.FindByID(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course == nil {
		return nil, util.ErrCourseNotFound
	}
	if !course.IsPublished() {
		return nil, util.ErrCourseNotPublished
	}

	existing, err := s.EnrollmentRepo.FindByUserAndCourse(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, util.ErrAlreadyEnrolled
	}

	now := s.now().UTC()
	enrollment := &model.Enrollment{
		UserID:         userID,
		CourseID:       courseID,
		Progress:       0,
		EnrolledAt:     now,
		LastAccessedAt: &now,
	}
	if err := s.EnrollmentRepo.Create(ctx, enrollment); err != nil {
		return nil, err
	}

	logger.Log.Info("Learner enrolled",
		zap.Uint("userId", userID),
		zap.Uint("courseId", courseID),
		zap.Uint("enrollmentId", enrollment.ID))
	return enrollment, nil
}

// RecalculateProgress 根据已完成课时重新计算选课进度。
// 读取和写入在同一事务内并对选课行加锁，避免并发完成时丢失更新。
// 首次达到 100% 时写入 completedAt，之后不会再改变。本方法不签发证书。
func (s *EnrollmentService) RecalculateProgress(ctx context.Context, enrollmentID uint) (*ProgressResult, error) {
	ctx, span := tracing.Start(ctx, "EnrollmentService.RecalculateProgress")
	defer span.End()

	var result ProgressResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		enrollment, err := s.EnrollmentRepo.WithTx(tx).FindByIDForUpdate(ctx, enrollmentID)
		if err != nil {
			return err
		}
		if enrollment == nil {
			return util.ErrEnrollmentNotFound
		}

		total, err := s.CourseRepo.WithTx(tx).CountLessons(ctx, enrollment.CourseID)
		if err != nil {
			return err
		}
		completed, err := s.LessonProgressRepo.WithTx(tx).CountCompleted(ctx, enrollment.ID, enrollment.CourseID)
		if err != nil {
			return err
		}

		progress := CalculateProgress(completed, total)

		var completedAt *time.Time
		if progress == 100 && enrollment.CompletedAt == nil {
			// 截断到毫秒，保证从数据库读回后序列号可复现
			t := s.now().UTC().Truncate(time.Millisecond)
			completedAt = &t
		}

		if progress != enrollment.Progress || completedAt != nil {
			if err := s.EnrollmentRepo.WithTx(tx).UpdateProgress(ctx, enrollment.ID, progress, completedAt); err != nil {
				return err
			}
		}

		enrollment.Progress = progress
		if completedAt != nil {
			enrollment.CompletedAt = completedAt
			result.JustCompleted = true
		}
		result.Enrollment = enrollment
		result.TotalLessons = total
		result.CompletedLessons = completed
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.JustCompleted {
		monitoring.CourseCompletions.Inc()
		logger.Log.Info("Course completed",
			zap.Uint("enrollmentId", enrollmentID),
			zap.Uint("userId", result.Enrollment.UserID),
			zap.Uint("courseId", result.Enrollment.CourseID),
			zap.Time("completedAt", *result.Enrollment.CompletedAt))
	}
	return &result, nil
}

// GetOwnedEnrollment 获取选课并校验归属
func (s *EnrollmentService) GetOwnedEnrollment(ctx context.Context, userID, enrollmentID uint) (*model.Enrollment, error) {
	enrollment, err := s.EnrollmentRepo.FindByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, util.ErrEnrollmentNotFound
	}
	if enrollment.UserID != userID {
		return nil, util.ErrPermissionDenied
	}
	return enrollment, nil
}

// GetCourseProgress 课程进度及每个课时的完成情况
func (s *EnrollmentService) GetCourseProgress(ctx context.Context, userID, courseID uint) (*CourseProgress, error) {
	enrollment, err := s.EnrollmentRepo.FindByUserAndCourse(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, util.ErrNotEnrolled
	}

	lessons, err := s.CourseRepo.ListLessons(ctx, courseID)
	if err != nil {
		return nil, err
	}
	completion, err := s.LessonProgressRepo.CompletionMap(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.EnrollmentRepo.TouchLastAccessed(ctx, enrollment.ID, now); err != nil {
		logger.Log.Warn("Failed to touch enrollment", zap.Uint("enrollmentId", enrollment.ID), zap.Error(err))
	} else {
		enrollment.LastAccessedAt = &now
	}

	result := &CourseProgress{
		EnrollmentID:   enrollment.ID,
		CourseID:       courseID,
		Progress:       enrollment.Progress,
		EnrolledAt:     enrollment.EnrolledAt,
		CompletedAt:    enrollment.CompletedAt,
		LastAccessedAt: enrollment.LastAccessedAt,
		TotalLessons:   len(lessons),
		Lessons:        make([]LessonStatus, 0, len(lessons)),
	}
	for _, lesson := range lessons {
		status := LessonStatus{
			LessonID: lesson.ID,
			Title:    lesson.Title,
			Order:    lesson.Order,
		}
		if lp, ok := completion[lesson.ID]; ok {
			status.Completed = lp.Completed
			status.WatchedAt = lp.WatchedAt
		}
		if status.Completed {
			result.CompletedLessons++
		}
		result.Lessons = append(result.Lessons, status)
	}

	return result, nil
}

func (s *EnrollmentService) ListMyEnrollments(ctx context.Context, userID uint) ([]model.Enrollment, error) {
	return s.EnrollmentRepo.ListByUser(ctx, userID)
}
