package repository

import (
	"context"
	"errors"
	"lms_backend/internal/model"

	"gorm.io/gorm"
)

// CourseRepository 课程目录的只读访问
type CourseRepository struct {
	DB *gorm.DB
}

func NewCourseRepository(db *gorm.DB) *CourseRepository {
	return &CourseRepository{DB: db}
}

func (r *CourseRepository) WithTx(tx *gorm.DB) *CourseRepository {
	return &CourseRepository{DB: tx}
}

func (r *CourseRepository) FindByID(ctx context.Context, id uint) (*model.Course, error) {
	var course model.Course
	err := r.DB.WithContext(ctx).First(&course, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &course, nil
}

// CountLessons 课程当前的课时总数
func (r *CourseRepository) CountLessons(ctx context.Context, courseID uint) (int64, error) {
	var count int64
	err := r.DB.WithContext(ctx).Model(&model.Lesson{}).
		Where("course_id = ?", courseID).
		Count(&count).Error
	return count, err
}

func (r *CourseRepository) FindLessonByID(ctx context.Context, id uint) (*model.Lesson, error) {
	var lesson model.Lesson
	err := r.DB.WithContext(ctx).First(&lesson, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lesson, nil
}

// ListLessons 按顺序返回课程下的课时
func (r *CourseRepository) ListLessons(ctx context.Context, courseID uint) ([]model.Lesson, error) {
	var lessons []model.Lesson
	err := r.DB.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("`order` ASC, id ASC").
		Find(&lessons).Error
	return lessons, err
}
