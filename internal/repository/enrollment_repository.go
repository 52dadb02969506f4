package repository

import (
	"context"
	"errors"
	"lms_backend/internal/model"
	"lms_backend/internal/util"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type EnrollmentRepository struct {
	DB *gorm.DB
}

func NewEnrollmentRepository(db *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: db}
}

// WithTx 返回绑定到事务的仓储
func (r *EnrollmentRepository) WithTx(tx *gorm.DB) *EnrollmentRepository {
	return &EnrollmentRepository{DB: tx}
}

// Create 插入选课记录，(user_id, course_id) 冲突时返回 util.ErrAlreadyEnrolled
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *model.Enrollment) error {
	err := r.DB.WithContext(ctx).Create(enrollment).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return util.ErrAlreadyEnrolled
	}
	return err
}

func (r *EnrollmentRepository) FindByID(ctx context.Context, id uint) (*model.Enrollment, error) {
	return r.first(r.DB.WithContext(ctx).Where("id = ?", id))
}

// FindByIDForUpdate 行锁读取，必须在事务内调用
func (r *EnrollmentRepository) FindByIDForUpdate(ctx context.Context, id uint) (*model.Enrollment, error) {
	return r.first(r.DB.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *EnrollmentRepository) FindByUserAndCourse(ctx context.Context, userID, courseID uint) (*model.Enrollment, error) {
	return r.first(r.DB.WithContext(ctx).Where("user_id = ? AND course_id = ?", userID, courseID))
}

func (r *EnrollmentRepository) first(q *gorm.DB) (*model.Enrollment, error) {
	var enrollment model.Enrollment
	err := q.First(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// UpdateProgress 写入进度；completedAt 仅在库中仍为空时生效，已有值不会被覆盖
func (r *EnrollmentRepository) UpdateProgress(ctx context.Context, id uint, progress int, completedAt *time.Time) error {
	updates := map[string]interface{}{"progress": progress}
	if completedAt != nil {
		updates["completed_at"] = gorm.Expr("COALESCE(completed_at, ?)", *completedAt)
	}
	return r.DB.WithContext(ctx).Model(&model.Enrollment{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *EnrollmentRepository) TouchLastAccessed(ctx context.Context, id uint, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&model.Enrollment{}).
		Where("id = ?", id).
		UpdateColumn("last_accessed_at", at).Error
}

// ListByUser 学员的选课列表，按选课时间倒序
func (r *EnrollmentRepository) ListByUser(ctx context.Context, userID uint) ([]model.Enrollment, error) {
	var enrollments []model.Enrollment
	err := r.DB.WithContext(ctx).
		Preload("Course").
		Where("user_id = ?", userID).
		Order("enrolled_at DESC, id DESC").
		Find(&enrollments).Error
	return enrollments, err
}

// FindCompletedWithoutCertificate 已完成但尚无证书的选课，用于补偿签发
func (r *EnrollmentRepository) FindCompletedWithoutCertificate(ctx context.Context, limit int) ([]model.Enrollment, error) {
	var enrollments []model.Enrollment
	err := r.DB.WithContext(ctx).
		Model(&model.Enrollment{}).
		Select("enrollments.*").
		Joins("LEFT JOIN certificates ON certificates.enrollment_id = enrollments.id").
		Where("enrollments.completed_at IS NOT NULL AND enrollments.progress = ?", 100).
		Where("certificates.id IS NULL").
		Order("enrollments.completed_at ASC").
		Limit(limit).
		Find(&enrollments).Error
	return enrollments, err
}
