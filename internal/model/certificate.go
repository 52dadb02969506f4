package model

import (
	"time"
)

// Certificate 结业证书，一次签发，永不修改
// swagger:model Certificate
type Certificate struct {
	ID           uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	EnrollmentID uint        `gorm:"not null;uniqueIndex" json:"enrollmentId"`
	UserID       uint        `gorm:"not null;index" json:"userId"`
	CourseID     uint        `gorm:"not null;index" json:"courseId"`
	SerialHash   string      `gorm:"size:64;not null;uniqueIndex" json:"serialHash"`
	IssuedAt     time.Time   `gorm:"not null;index" json:"issuedAt"`
	CreatedAt    time.Time   `json:"createdAt"`
	User         *User       `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Course       *Course     `gorm:"foreignKey:CourseID" json:"course,omitempty"`
	Enrollment   *Enrollment `gorm:"foreignKey:EnrollmentID" json:"enrollment,omitempty"`
}

func (Certificate) TableName() string {
	return "certificates"
}
