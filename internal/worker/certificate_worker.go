package worker

import (
	"context"
	"errors"
	"fmt"
	"lms_backend/internal/model"
	"lms_backend/internal/util"
	"lms_backend/pkg/logger"
	"lms_backend/pkg/monitoring"
	"lms_backend/pkg/queue"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CertificatePayload 证书生成任务负载
type CertificatePayload struct {
	EnrollmentID uint `json:"enrollmentId"`
}

// CertificateQueue 把证书任务投递到 Redis 队列
type CertificateQueue struct {
	Queue *queue.RedisQueue
}

func NewCertificateQueue(q *queue.RedisQueue) *CertificateQueue {
	return &CertificateQueue{Queue: q}
}

func (q *CertificateQueue) EnqueueCertificate(ctx context.Context, enrollmentID uint) (string, error) {
	jobID, err := q.Queue.Enqueue(ctx, CertificatePayload{EnrollmentID: enrollmentID})
	if err != nil {
		return "", err
	}
	monitoring.CertificateJobs.WithLabelValues("enqueued").Inc()
	return jobID, nil
}

// JobProcessor 队列消费端
type JobProcessor interface {
	Process(ctx context.Context, handler queue.Handler) (queue.Outcome, *queue.Job, error)
	Recover(ctx context.Context) (int, error)
}

type CertificateIssuer interface {
	IssueAndPublish(ctx context.Context, enrollmentID uint) (*model.Certificate, error)
}

type CertificateWorker struct {
	Queue       JobProcessor
	Issuer      CertificateIssuer
	Concurrency int
	// ErrorDelay 队列读取出错后的等待时间
	ErrorDelay time.Duration
}

func NewCertificateWorker(q JobProcessor, issuer CertificateIssuer, concurrency int) *CertificateWorker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &CertificateWorker{
		Queue:       q,
		Issuer:      issuer,
		Concurrency: concurrency,
		ErrorDelay:  time.Second,
	}
}

// Handle 处理单个任务。选课不存在或未完成属于永久错误，确认后丢弃，不再重试
func (w *CertificateWorker) Handle(ctx context.Context, job *queue.Job) error {
	var payload CertificatePayload
	if err := job.Decode(&payload); err != nil {
		monitoring.CertificateJobs.WithLabelValues("discarded").Inc()
		logger.Log.Error("Discarding malformed certificate job", zap.String("jobId", job.ID), zap.Error(err))
		return nil
	}
	if payload.EnrollmentID == 0 {
		monitoring.CertificateJobs.WithLabelValues("discarded").Inc()
		logger.Log.Error("Discarding certificate job without enrollment", zap.String("jobId", job.ID))
		return nil
	}

	cert, err := w.Issuer.IssueAndPublish(ctx, payload.EnrollmentID)
	if err != nil {
		if util.IsKind(err, util.KindNotFound) || util.IsKind(err, util.KindInvalidState) {
			monitoring.CertificateJobs.WithLabelValues("discarded").Inc()
			logger.Log.Warn("Discarding certificate job",
				zap.String("jobId", job.ID),
				zap.Uint("enrollmentId", payload.EnrollmentID),
				zap.Error(err))
			return nil
		}
		return fmt.Errorf("issue certificate for enrollment %d: %w", payload.EnrollmentID, err)
	}

	logger.Log.Info("Certificate job done",
		zap.String("jobId", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Uint("enrollmentId", payload.EnrollmentID),
		zap.Uint("certificateId", cert.ID))
	return nil
}

// Run 阻塞直到 ctx 取消。启动时先把上次遗留的处理中任务放回队列
func (w *CertificateWorker) Run(ctx context.Context) error {
	if n, err := w.Queue.Recover(ctx); err != nil {
		logger.Log.Warn("Failed to recover in-flight certificate jobs", zap.Error(err))
	} else if n > 0 {
		logger.Log.Info("Recovered in-flight certificate jobs", zap.Int("count", n))
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.Concurrency; i++ {
		id := i
		g.Go(func() error {
			w.loop(ctx, id)
			return nil
		})
	}
	logger.Log.Info("Certificate worker started", zap.Int("concurrency", w.Concurrency))
	err := g.Wait()
	logger.Log.Info("Certificate worker stopped")
	return err
}

func (w *CertificateWorker) loop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		outcome, job, err := w.Queue.Process(ctx, w.Handle)
		if outcome != queue.OutcomeIdle {
			monitoring.CertificateJobs.WithLabelValues(outcome.String()).Inc()
		}
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}

		fields := []zap.Field{zap.Int("worker", id), zap.String("outcome", outcome.String()), zap.Error(err)}
		if job != nil {
			fields = append(fields, zap.String("jobId", job.ID), zap.Int("attempt", job.Attempts))
		}
		if outcome == queue.OutcomeIdle {
			// 读取队列失败（Redis 不可用等），稍后重试
			logger.Log.Error("Certificate queue read failed", fields...)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.ErrorDelay):
			}
			continue
		}
		logger.Log.Warn("Certificate job failed", fields...)
	}
}
