package model

import (
	"time"
)

type UserRole string

const (
	Student    UserRole = "student"
	Instructor UserRole = "instructor"
	Admin      UserRole = "admin"
)

// User 平台用户（学员/讲师/管理员），账号本身由认证服务维护
// swagger:model User
type User struct {
	BaseModel
	Name      string     `gorm:"size:100;not null" json:"name"`
	Email     string     `gorm:"size:100;unique;not null" json:"email"`
	Role      UserRole   `gorm:"size:20;default:'student'" json:"role"`
	Avatar    string     `gorm:"size:255" json:"avatar"`
	Disabled  bool       `gorm:"default:false" json:"disabled"`
	LastLogin *time.Time `json:"lastLogin"`
}

func (User) TableName() string {
	return "users"
}
