package service

import (
	"context"
	"lms_backend/internal/model"
	"lms_backend/internal/util"
	"time"
)

type CourseSummary struct {
	ID             uint              `json:"id"`
	Title          string            `json:"title"`
	Level          model.CourseLevel `json:"level"`
	Category       string            `json:"category"`
	Duration       int               `json:"duration"`
	InstructorID   uint              `json:"instructorId,omitempty"`
	InstructorName string            `json:"instructorName"`
}

// CertificateVerification 公开校验返回的脱敏视图
type CertificateVerification struct {
	Valid       bool          `json:"valid"`
	SerialHash  string        `json:"serialHash"`
	LearnerName string        `json:"learnerName"`
	Course      CourseSummary `json:"course"`
	IssuedAt    time.Time     `json:"issuedAt"`
	CompletedAt *time.Time    `json:"completedAt"`
}

type LearnerSummary struct {
	ID    uint   `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CertificateDetail 证书持有人可见的完整信息
type CertificateDetail struct {
	ID           uint           `json:"id"`
	EnrollmentID uint           `json:"enrollmentId"`
	SerialHash   string         `json:"serialHash"`
	IssuedAt     time.Time      `json:"issuedAt"`
	CompletedAt  *time.Time     `json:"completedAt"`
	Learner      LearnerSummary `json:"learner"`
	Course       CourseSummary  `json:"course"`
	DocumentURL  string         `json:"documentUrl,omitempty"`
}

type CertificateListItem struct {
	ID           uint          `json:"id"`
	EnrollmentID uint          `json:"enrollmentId"`
	SerialHash   string        `json:"serialHash"`
	IssuedAt     time.Time     `json:"issuedAt"`
	Course       CourseSummary `json:"course"`
}

func summarizeCourse(course *model.Course) CourseSummary {
	if course == nil {
		return CourseSummary{}
	}
	summary := CourseSummary{
		ID:           course.ID,
		Title:        course.Title,
		Level:        course.Level,
		Category:     course.Category,
		Duration:     course.Duration,
		InstructorID: course.InstructorID,
	}
	if course.Instructor != nil {
		summary.InstructorName = course.Instructor.Name
	}
	return summary
}

// Verify 按序列号公开校验；不存在时返回 nil, nil
func (s *CertificateService) Verify(ctx context.Context, serialHash string) (*CertificateVerification, error) {
	cert, err := s.CertificateRepo.FindBySerialHashWithDetails(ctx, serialHash)
	if err != nil || cert == nil {
		return nil, err
	}

	view := &CertificateVerification{
		Valid:      true,
		SerialHash: cert.SerialHash,
		Course:     summarizeCourse(cert.Course),
		IssuedAt:   cert.IssuedAt,
	}
	// 公开视图不暴露讲师 ID
	view.Course.InstructorID = 0
	if cert.User != nil {
		view.LearnerName = cert.User.Name
	}
	if cert.Enrollment != nil {
		view.CompletedAt = cert.Enrollment.CompletedAt
	}
	return view, nil
}

// GetByEnrollment 归属校验由调用方负责
func (s *CertificateService) GetByEnrollment(ctx context.Context, enrollmentID uint) (*CertificateDetail, error) {
	cert, err := s.CertificateRepo.FindByEnrollmentIDWithDetails(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, util.ErrCertificateNotFound
	}

	detail := &CertificateDetail{
		ID:           cert.ID,
		EnrollmentID: cert.EnrollmentID,
		SerialHash:   cert.SerialHash,
		IssuedAt:     cert.IssuedAt,
		Course:       summarizeCourse(cert.Course),
	}
	if cert.User != nil {
		detail.Learner = LearnerSummary{ID: cert.User.ID, Name: cert.User.Name, Email: cert.User.Email}
	}
	if cert.Enrollment != nil {
		detail.CompletedAt = cert.Enrollment.CompletedAt
	}
	if s.Publisher != nil {
		detail.DocumentURL = s.Publisher.URL(cert.SerialHash)
	}
	return detail, nil
}

// ListForLearner 学员证书分页，按签发时间倒序，每页数量不超过上限
func (s *CertificateService) ListForLearner(ctx context.Context, userID uint, page, pageSize int) (*util.PageResponse, error) {
	if page < 1 {
		page = util.DefaultPage
	}
	if pageSize < 1 {
		pageSize = util.DefaultPageLimit
	}
	if limit := s.MaxPageSize(); pageSize > limit {
		pageSize = limit
	}

	certs, total, err := s.CertificateRepo.ListByUser(ctx, userID, page, pageSize)
	if err != nil {
		return nil, err
	}

	items := make([]CertificateListItem, 0, len(certs))
	for i := range certs {
		items = append(items, CertificateListItem{
			ID:           certs[i].ID,
			EnrollmentID: certs[i].EnrollmentID,
			SerialHash:   certs[i].SerialHash,
			IssuedAt:     certs[i].IssuedAt,
			Course:       summarizeCourse(certs[i].Course),
		})
	}

	return &util.PageResponse{
		List:  items,
		Total: total,
		Page:  page,
		Limit: pageSize,
	}, nil
}
