package model

import (
	"time"
)

// Enrollment 学员选课记录，每个学员每门课程最多一条
// swagger:model Enrollment
type Enrollment struct {
	BaseModel
	UserID         uint       `gorm:"not null;uniqueIndex:idx_enrollment_user_course" json:"userId"`
	CourseID       uint       `gorm:"not null;uniqueIndex:idx_enrollment_user_course;index" json:"courseId"`
	Progress       int        `gorm:"default:0;not null" json:"progress"`
	EnrolledAt     time.Time  `gorm:"not null" json:"enrolledAt"`
	CompletedAt    *time.Time `gorm:"precision:3" json:"completedAt"`
	LastAccessedAt *time.Time `json:"lastAccessedAt"`
	Course         *Course    `gorm:"foreignKey:CourseID" json:"course,omitempty"`
}

func (Enrollment) TableName() string {
	return "enrollments"
}

// IsCompleted 是否已经达成过 100% 进度
func (e *Enrollment) IsCompleted() bool {
	return e.CompletedAt != nil
}

// LessonProgress 记录选课下某个课时的完成情况
// swagger:model LessonProgress
type LessonProgress struct {
	BaseModel
	EnrollmentID uint       `gorm:"not null;uniqueIndex:idx_lesson_progress_enrollment_lesson" json:"enrollmentId"`
	LessonID     uint       `gorm:"not null;uniqueIndex:idx_lesson_progress_enrollment_lesson;index" json:"lessonId"`
	Completed    bool       `gorm:"default:false;not null" json:"completed"`
	WatchedAt    *time.Time `json:"watchedAt"`
}

func (LessonProgress) TableName() string {
	return "lesson_progress"
}
