package model

type CourseStatus string

const (
	CourseDraft     CourseStatus = "draft"
	CoursePending   CourseStatus = "pending"
	CoursePublished CourseStatus = "published"
	CourseRejected  CourseStatus = "rejected"
)

type CourseLevel string

const (
	LevelBeginner     CourseLevel = "beginner"
	LevelIntermediate CourseLevel = "intermediate"
	LevelAdvanced     CourseLevel = "advanced"
)

// Course 课程目录（只读），由课程管理服务负责增删改和审核流转
// swagger:model Course
type Course struct {
	BaseModel
	Title        string       `gorm:"size:255;not null" json:"title"`
	Description  string       `gorm:"type:text" json:"description"`
	Level        CourseLevel  `gorm:"size:20;default:'beginner'" json:"level"`
	Category     string       `gorm:"size:100;index" json:"category"`
	Duration     int          `gorm:"default:0" json:"duration"` // 分钟
	Thumbnail    string       `gorm:"size:255" json:"thumbnail"`
	Status       CourseStatus `gorm:"size:20;default:'draft';index" json:"status"`
	InstructorID uint         `gorm:"index;not null" json:"instructorId"`
	Instructor   *User        `gorm:"foreignKey:InstructorID" json:"instructor,omitempty"`
	Lessons      []Lesson     `gorm:"foreignKey:CourseID" json:"lessons,omitempty"`
}

func (Course) TableName() string {
	return "courses"
}

func (c *Course) IsPublished() bool {
	return c.Status == CoursePublished
}

// Lesson 课时
// swagger:model Lesson
type Lesson struct {
	BaseModel
	CourseID uint   `gorm:"index;not null" json:"courseId"`
	Title    string `gorm:"size:255;not null" json:"title"`
	Order    int    `gorm:"default:0" json:"order"`
	VideoURL string `gorm:"size:500" json:"videoUrl"`
	Duration int    `gorm:"default:0" json:"duration"` // 秒
}

func (Lesson) TableName() string {
	return "lessons"
}
