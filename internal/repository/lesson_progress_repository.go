package repository

import (
	"context"
	"errors"
	"lms_backend/internal/model"
	"lms_backend/internal/util"

	"gorm.io/gorm"
)

type LessonProgressRepository struct {
	DB *gorm.DB
}

func NewLessonProgressRepository(db *gorm.DB) *LessonProgressRepository {
	return &LessonProgressRepository{DB: db}
}

func (r *LessonProgressRepository) WithTx(tx *gorm.DB) *LessonProgressRepository {
	return &LessonProgressRepository{DB: tx}
}

func (r *LessonProgressRepository) Find(ctx context.Context, enrollmentID, lessonID uint) (*model.LessonProgress, error) {
	var lp model.LessonProgress
	err := r.DB.WithContext(ctx).
		Where("enrollment_id = ? AND lesson_id = ?", enrollmentID, lessonID).
		First(&lp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lp, nil
}

// Create 插入课时进度，(enrollment_id, lesson_id) 冲突时返回 util.ErrDuplicateRecord
func (r *LessonProgressRepository) Create(ctx context.Context, lp *model.LessonProgress) error {
	err := r.DB.WithContext(ctx).Create(lp).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return util.ErrDuplicateRecord
	}
	return err
}

// SetCompleted 更新完成状态；watched_at 只在首次完成时写入
func (r *LessonProgressRepository) SetCompleted(ctx context.Context, lp *model.LessonProgress) error {
	return r.DB.WithContext(ctx).Model(lp).
		Updates(map[string]interface{}{
			"completed":  lp.Completed,
			"watched_at": lp.WatchedAt,
		}).Error
}

// CountCompleted 选课下已完成且课时仍存在的数量
func (r *LessonProgressRepository) CountCompleted(ctx context.Context, enrollmentID, courseID uint) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.LessonProgress{}).
		Joins("JOIN lessons ON lessons.id = lesson_progress.lesson_id AND lessons.deleted_at IS NULL").
		Where("lesson_progress.enrollment_id = ? AND lesson_progress.completed = ? AND lessons.course_id = ?", enrollmentID, true, courseID).
		Count(&count).Error
	return count, err
}

// CompletionMap 选课下所有课时进度，按 lessonID 索引
func (r *LessonProgressRepository) CompletionMap(ctx context.Context, enrollmentID uint) (map[uint]model.LessonProgress, error) {
	var rows []model.LessonProgress
	if err := r.DB.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	result := make(map[uint]model.LessonProgress, len(rows))
	for _, row := range rows {
		result[row.LessonID] = row
	}
	return result, nil
}
