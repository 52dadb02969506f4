package repository

import (
	"context"
	"errors"
	"lms_backend/internal/model"
	"lms_backend/internal/util"

	"gorm.io/gorm"
)

type CertificateRepository struct {
	DB *gorm.DB
}

func NewCertificateRepository(db *gorm.DB) *CertificateRepository {
	return &CertificateRepository{DB: db}
}

// Create 插入证书；enrollment_id 或 serial_hash 唯一约束冲突时返回 util.ErrDuplicateRecord
func (r *CertificateRepository) Create(ctx context.Context, cert *model.Certificate) error {
	err := r.DB.WithContext(ctx).Create(cert).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return util.ErrDuplicateRecord
	}
	return err
}

func (r *CertificateRepository) FindByEnrollmentID(ctx context.Context, enrollmentID uint) (*model.Certificate, error) {
	return r.first(r.DB.WithContext(ctx).Where("enrollment_id = ?", enrollmentID))
}

func (r *CertificateRepository) FindBySerialHash(ctx context.Context, serialHash string) (*model.Certificate, error) {
	return r.first(r.DB.WithContext(ctx).Where("serial_hash = ?", serialHash))
}

// FindBySerialHashWithDetails 带出学员、课程、讲师和选课信息
func (r *CertificateRepository) FindBySerialHashWithDetails(ctx context.Context, serialHash string) (*model.Certificate, error) {
	return r.first(r.withDetails(ctx).Where("serial_hash = ?", serialHash))
}

func (r *CertificateRepository) FindByEnrollmentIDWithDetails(ctx context.Context, enrollmentID uint) (*model.Certificate, error) {
	return r.first(r.withDetails(ctx).Where("enrollment_id = ?", enrollmentID))
}

func (r *CertificateRepository) withDetails(ctx context.Context) *gorm.DB {
	return r.DB.WithContext(ctx).
		Preload("User").
		Preload("Course").
		Preload("Course.Instructor").
		Preload("Enrollment")
}

func (r *CertificateRepository) first(q *gorm.DB) (*model.Certificate, error) {
	var cert model.Certificate
	err := q.First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// ListByUser 按签发时间倒序分页
func (r *CertificateRepository) ListByUser(ctx context.Context, userID uint, page, limit int) ([]model.Certificate, int64, error) {
	var (
		certs []model.Certificate
		total int64
	)

	base := func() *gorm.DB {
		return r.DB.WithContext(ctx).Model(&model.Certificate{}).Where("user_id = ?", userID)
	}
	if err := base().Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * limit
	err := base().
		Preload("Course").
		Preload("Course.Instructor").
		Order("issued_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&certs).Error
	if err != nil {
		return nil, 0, err
	}
	return certs, total, nil
}
