package worker

import (
	"context"
	"lms_backend/internal/model"
	"lms_backend/pkg/logger"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const reconcileBatchSize = 200

type CompletedEnrollmentFinder interface {
	FindCompletedWithoutCertificate(ctx context.Context, limit int) ([]model.Enrollment, error)
}

type IssuanceScheduler interface {
	ScheduleIssuance(ctx context.Context, enrollmentID uint) error
}

// Reconciler 定期补发：已完成但还没有证书的选课重新安排签发，
// 用于弥补进程在完成和入队之间崩溃的情况
type Reconciler struct {
	Enrollments CompletedEnrollmentFinder
	Scheduler   IssuanceScheduler
	Timeout     time.Duration

	cron *cron.Cron
}

func NewReconciler(enrollments CompletedEnrollmentFinder, scheduler IssuanceScheduler) *Reconciler {
	return &Reconciler{
		Enrollments: enrollments,
		Scheduler:   scheduler,
		Timeout:     2 * time.Minute,
	}
}

// Start 按 cron 表达式启动定时任务；表达式为空时不启动
func (r *Reconciler) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
		defer cancel()
		if _, err := r.RunOnce(ctx); err != nil {
			logger.Log.Error("Certificate reconcile failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	logger.Log.Info("Certificate reconciler scheduled", zap.String("schedule", schedule))
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// RunOnce 扫描一批并返回成功安排的数量
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	enrollments, err := r.Enrollments.FindCompletedWithoutCertificate(ctx, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, e := range enrollments {
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}
		if err := r.Scheduler.ScheduleIssuance(ctx, e.ID); err != nil {
			logger.Log.Warn("Reconcile scheduling failed", zap.Uint("enrollmentId", e.ID), zap.Error(err))
			continue
		}
		scheduled++
	}
	if scheduled > 0 {
		logger.Log.Info("Certificate reconcile done", zap.Int("scheduled", scheduled), zap.Int("scanned", len(enrollments)))
	}
	return scheduled, nil
}
