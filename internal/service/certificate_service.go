package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"lms_backend/internal/config"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"
	"lms_backend/pkg/tracing"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CertificateJobQueue 证书生成任务队列，投递语义为至少一次
type CertificateJobQueue interface {
	EnqueueCertificate(ctx context.Context, enrollmentID uint) (string, error)
}

// CertificatePublisher 生成并发布证书文档
type CertificatePublisher interface {
	Publish(ctx context.Context, detail *CertificateDetail) (string, error)
	URL(serialHash string) string
}

type CertificateService struct {
	CertificateRepo *repository.CertificateRepository
	EnrollmentRepo  *repository.EnrollmentRepository
	Queue           CertificateJobQueue
	Publisher       CertificatePublisher

	issueMode   string
	maxPageSize atomic.Int64
	now         func() time.Time
}

func NewCertificateService(
	certificateRepo *repository.CertificateRepository,
	enrollmentRepo *repository.EnrollmentRepository,
	queue CertificateJobQueue,
	publisher CertificatePublisher,
	cfg *config.CertificateConfig,
) *CertificateService {
	s := &CertificateService{
		CertificateRepo: certificateRepo,
		EnrollmentRepo:  enrollmentRepo,
		Queue:           queue,
		Publisher:       publisher,
		issueMode:       cfg.IssueMode,
		now:             time.Now,
	}
	s.SetMaxPageSize(cfg.MaxPageSize)
	return s
}

// SetMaxPageSize 分页上限，最大 100
func (s *CertificateService) SetMaxPageSize(n int) {
	if n <= 0 || n > util.MaxPageLimit {
		n = util.MaxPageLimit
	}
	s.maxPageSize.Store(int64(n))
}

func (s *CertificateService) MaxPageSize() int {
	return int(s.maxPageSize.Load())
}

// SerialHash sha256(userID ‖ courseID ‖ completedAt) 的十六进制摘要，
// 同一次完成事件总是得到同一个序列号。
func SerialHash(userID, courseID uint, completedAt time.Time) string {
	payload := strconv.FormatUint(uint64(userID), 10) +
		strconv.FormatUint(uint64(courseID), 10) +
		completedAt.UTC().Format(util.ISOMillisFormat)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Issue 为已完成的选课签发证书，重复调用返回同一张证书。
//
// 协议：先查已有证书 → 插入 → 唯一约束冲突时回查并返回胜出者的记录。
// 序列号已被其它选课占用时返回完整性错误，不覆盖也不挪用。
func (s *CertificateService) Issue(ctx context.Context, enrollmentID uint) (*model.Certificate, error) {
	ctx, span := tracing.Start(ctx, "CertificateService.Issue")
	defer span.End()

	enrollment, err := s.EnrollmentRepo.FindByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, util.ErrEnrollmentNotFound
	}
	if enrollment.Progress != 100 {
		return nil, util.ErrCourseNotCompleted
	}
	if enrollment.CompletedAt == nil {
		return nil, util.ErrCompletionNotSet
	}

	existing, err := s.CertificateRepo.FindByEnrollmentID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		monitoring.CertificatesIssued.WithLabelValues("existing").Inc()
		return existing, nil
	}

	serialHash := SerialHash(enrollment.UserID, enrollment.CourseID, *enrollment.CompletedAt)
	if err := s.checkSerialOwner(ctx, serialHash, enrollmentID); err != nil {
		return nil, err
	}

	cert := &model.Certificate{
		EnrollmentID: enrollment.ID,
		UserID:       enrollment.UserID,
		CourseID:     enrollment.CourseID,
		SerialHash:   serialHash,
		IssuedAt:     s.now().UTC(),
	}
	err = s.CertificateRepo.Create(ctx, cert)
	if errors.Is(err, util.ErrDuplicateRecord) {
		return s.resolveInsertConflict(ctx, enrollmentID, serialHash)
	}
	if err != nil {
		return nil, err
	}

	monitoring.CertificatesIssued.WithLabelValues("created").Inc()
	logger.Log.Info("Certificate issued",
		zap.Uint("enrollmentId", enrollmentID),
		zap.Uint("certificateId", cert.ID),
		zap.String("serialHash", serialHash))
	return cert, nil
}

// resolveInsertConflict 插入冲突后回查；并发签发的另一方已写入时直接返回其记录
func (s *CertificateService) resolveInsertConflict(ctx context.Context, enrollmentID uint, serialHash string) (*model.Certificate, error) {
	winner, err := s.CertificateRepo.FindByEnrollmentID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		monitoring.CertificatesIssued.WithLabelValues("race_recovered").Inc()
		logger.Log.Info("Certificate insert raced, returning existing record",
			zap.Uint("enrollmentId", enrollmentID),
			zap.Uint("certificateId", winner.ID))
		return winner, nil
	}

	if err := s.checkSerialOwner(ctx, serialHash, enrollmentID); err != nil {
		return nil, err
	}
	return nil, util.WrapError(util.KindInternal, "certificate insert conflicted but no existing record found", util.ErrDuplicateRecord)
}

func (s *CertificateService) checkSerialOwner(ctx context.Context, serialHash string, enrollmentID uint) error {
	owner, err := s.CertificateRepo.FindBySerialHash(ctx, serialHash)
	if err != nil {
		return err
	}
	if owner != nil && owner.EnrollmentID != enrollmentID {
		logger.Log.Error("Certificate serial hash collision",
			zap.String("serialHash", serialHash),
			zap.Uint("enrollmentId", enrollmentID),
			zap.Uint("ownerEnrollmentId", owner.EnrollmentID))
		return util.ErrSerialHashCollide
	}
	return nil
}

// IssueAndPublish 签发后发布证书文档；文档失败只记录日志，不影响签发结果
func (s *CertificateService) IssueAndPublish(ctx context.Context, enrollmentID uint) (*model.Certificate, error) {
	cert, err := s.Issue(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if s.Publisher == nil {
		return cert, nil
	}

	detail, err := s.GetByEnrollment(ctx, enrollmentID)
	if err != nil {
		logger.Log.Warn("Failed to load certificate for publishing", zap.Uint("enrollmentId", enrollmentID), zap.Error(err))
		return cert, nil
	}
	if _, err := s.Publisher.Publish(ctx, detail); err != nil {
		logger.Log.Warn("Failed to publish certificate document", zap.Uint("enrollmentId", enrollmentID), zap.Error(err))
	}
	return cert, nil
}

// ScheduleIssuance 按配置入队或同步签发。入队失败时退回同步签发，保证完成事件不会丢失。
func (s *CertificateService) ScheduleIssuance(ctx context.Context, enrollmentID uint) error {
	if s.issueMode == config.IssueModeQueue && s.Queue != nil {
		jobID, err := s.Queue.EnqueueCertificate(ctx, enrollmentID)
		if err == nil {
			logger.Log.Info("Certificate generation queued",
				zap.Uint("enrollmentId", enrollmentID), zap.String("jobId", jobID))
			return nil
		}
		logger.Log.Warn("Enqueue certificate job failed, issuing inline",
			zap.Uint("enrollmentId", enrollmentID), zap.Error(err))
	}

	_, err := s.IssueAndPublish(ctx, enrollmentID)
	return err
}

const (
	TriggerStatusIssued = "issued"
	TriggerStatusQueued = "queued"
)

type TriggerResult struct {
	Status      string             `json:"status"`
	JobID       string             `json:"jobId,omitempty"`
	Certificate *model.Certificate `json:"certificate,omitempty"`
}

// TriggerGeneration 学员主动请求生成证书；已有证书直接返回，否则入队
func (s *CertificateService) TriggerGeneration(ctx context.Context, enrollment *model.Enrollment) (*TriggerResult, error) {
	existing, err := s.CertificateRepo.FindByEnrollmentID(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &TriggerResult{Status: TriggerStatusIssued, Certificate: existing}, nil
	}

	if enrollment.Progress != 100 {
		return nil, util.ErrCourseNotCompleted
	}
	if enrollment.CompletedAt == nil {
		return nil, util.ErrCompletionNotSet
	}

	if s.issueMode == config.IssueModeQueue && s.Queue != nil {
		jobID, err := s.Queue.EnqueueCertificate(ctx, enrollment.ID)
		if err == nil {
			return &TriggerResult{Status: TriggerStatusQueued, JobID: jobID}, nil
		}
		logger.Log.Warn("Enqueue certificate job failed, issuing inline",
			zap.Uint("enrollmentId", enrollment.ID), zap.Error(err))
	}

	cert, err := s.IssueAndPublish(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}
	return &TriggerResult{Status: TriggerStatusIssued, Certificate: cert}, nil
}
