package service

import (
	"context"
	"errors"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"
	"time"

	"go.uber.org/zap"
)

// CertificateScheduler 课程首次完成后安排证书签发（同步或入队）
type CertificateScheduler interface {
	ScheduleIssuance(ctx context.Context, enrollmentID uint) error
}

type LessonProgressService struct {
	CourseRepo         *repository.CourseRepository
	EnrollmentRepo     *repository.EnrollmentRepository
	LessonProgressRepo *repository.LessonProgressRepository
	Enrollments        *EnrollmentService
	Scheduler          CertificateScheduler

	now func() time.Time
}

func NewLessonProgressService(
	courseRepo *repository.CourseRepository,
	enrollmentRepo *repository.EnrollmentRepository,
	lessonProgressRepo *repository.LessonProgressRepository,
	enrollments *EnrollmentService,
	scheduler CertificateScheduler,
) *LessonProgressService {
	return &LessonProgressService{
		CourseRepo:         courseRepo,
		EnrollmentRepo:     enrollmentRepo,
		LessonProgressRepo: lessonProgressRepo,
		Enrollments:        enrollments,
		Scheduler:          scheduler,
		now:                time.Now,
	}
}

// LessonCompletionResult 课时进度和更新后的选课状态
type LessonCompletionResult struct {
	LessonProgress  *model.LessonProgress `json:"lessonProgress"`
	Enrollment      *model.Enrollment     `json:"enrollment"`
	CourseCompleted bool                  `json:"courseCompleted"`
}

// MarkComplete 标记课时完成并重新计算进度；重复标记是幂等的
func (s *LessonProgressService) MarkComplete(ctx context.Context, userID, lessonID uint) (*LessonCompletionResult, error) {
	enrollment, err := s.resolveEnrollment(ctx, userID, lessonID)
	if err != nil {
		return nil, err
	}

	lp, changed, err := s.upsertCompleted(ctx, enrollment.ID, lessonID)
	if err != nil {
		return nil, err
	}
	if changed {
		monitoring.LessonCompletions.Inc()
	}

	result, err := s.finish(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}

	if result.JustCompleted && s.Scheduler != nil {
		// 调度失败不影响本次请求，补偿任务会重新安排
		if err := s.Scheduler.ScheduleIssuance(ctx, enrollment.ID); err != nil {
			logger.Log.Error("Failed to schedule certificate issuance",
				zap.Uint("enrollmentId", enrollment.ID), zap.Error(err))
		}
	}

	return &LessonCompletionResult{
		LessonProgress:  lp,
		Enrollment:      result.Enrollment,
		CourseCompleted: result.Enrollment.IsCompleted(),
	}, nil
}

// MarkIncomplete 重置课时为未完成；已写入的 completedAt 和已签发的证书保持不变
func (s *LessonProgressService) MarkIncomplete(ctx context.Context, userID, lessonID uint) (*LessonCompletionResult, error) {
	enrollment, err := s.resolveEnrollment(ctx, userID, lessonID)
	if err != nil {
		return nil, err
	}

	lp, err := s.LessonProgressRepo.Find(ctx, enrollment.ID, lessonID)
	if err != nil {
		return nil, err
	}
	if lp != nil && lp.Completed {
		lp.Completed = false
		if err := s.LessonProgressRepo.SetCompleted(ctx, lp); err != nil {
			return nil, err
		}
	}

	result, err := s.finish(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}

	return &LessonCompletionResult{
		LessonProgress:  lp,
		Enrollment:      result.Enrollment,
		CourseCompleted: result.Enrollment.IsCompleted(),
	}, nil
}

func (s *LessonProgressService) resolveEnrollment(ctx context.Context, userID, lessonID uint) (*model.Enrollment, error) {
	lesson, err := s.CourseRepo.FindLessonByID(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if lesson == nil {
		return nil, util.ErrLessonNotFound
	}

	enrollment, err := s.EnrollmentRepo.FindByUserAndCourse(ctx, userID, lesson.CourseID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, util.ErrNotEnrolled
	}
	return enrollment, nil
}

// upsertCompleted 返回的 changed 表示本次调用是否把课时从未完成变为完成
func (s *LessonProgressService) upsertCompleted(ctx context.Context, enrollmentID, lessonID uint) (*model.LessonProgress, bool, error) {
	now := s.now().UTC()

	existing, err := s.LessonProgressRepo.Find(ctx, enrollmentID, lessonID)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		lp := &model.LessonProgress{
			EnrollmentID: enrollmentID,
			LessonID:     lessonID,
			Completed:    true,
			WatchedAt:    &now,
		}
		err := s.LessonProgressRepo.Create(ctx, lp)
		if err == nil {
			return lp, true, nil
		}
		if !errors.Is(err, util.ErrDuplicateRecord) {
			return nil, false, err
		}
		// 并发的同一请求已经插入，按更新路径处理
		existing, err = s.LessonProgressRepo.Find(ctx, enrollmentID, lessonID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, util.WrapError(util.KindInternal, "lesson progress vanished after conflict", util.ErrDuplicateRecord)
		}
	}

	if existing.Completed {
		return existing, false, nil
	}

	existing.Completed = true
	if existing.WatchedAt == nil {
		existing.WatchedAt = &now
	}
	if err := s.LessonProgressRepo.SetCompleted(ctx, existing); err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (s *LessonProgressService) finish(ctx context.Context, enrollmentID uint) (*ProgressResult, error) {
	result, err := s.Enrollments.RecalculateProgress(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.EnrollmentRepo.TouchLastAccessed(ctx, enrollmentID, now); err != nil {
		logger.Log.Warn("Failed to touch enrollment", zap.Uint("enrollmentId", enrollmentID), zap.Error(err))
	} else {
		result.Enrollment.LastAccessedAt = &now
	}
	return result, nil
}
