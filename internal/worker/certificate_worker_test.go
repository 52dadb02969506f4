package worker

import (
	"context"
	"encoding/json"
	"errors"
	"lms_backend/internal/model"
	"lms_backend/internal/util"
	"lms_backend/pkg/queue"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIssuer struct {
	mu    sync.Mutex
	calls []uint
	err   error
}

func (f *fakeIssuer) IssueAndPublish(ctx context.Context, enrollmentID uint) (*model.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, enrollmentID)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Certificate{ID: 7, EnrollmentID: enrollmentID}, nil
}

// fakeProcessor 依次交付预置任务，之后保持空闲直到 ctx 取消
type fakeProcessor struct {
	mu        sync.Mutex
	jobs      []*queue.Job
	results   []error
	recovered bool
}

func (f *fakeProcessor) Recover(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = true
	return 0, nil
}

func (f *fakeProcessor) Process(ctx context.Context, handler queue.Handler) (queue.Outcome, *queue.Job, error) {
	f.mu.Lock()
	if len(f.jobs) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return queue.OutcomeIdle, nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return queue.OutcomeIdle, nil, nil
		}
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	f.mu.Unlock()

	err := handler(ctx, job)
	f.mu.Lock()
	f.results = append(f.results, err)
	f.mu.Unlock()
	if err != nil {
		return queue.OutcomeRetried, job, err
	}
	return queue.OutcomeSucceeded, job, nil
}

func newJob(t *testing.T, payload interface{}) *queue.Job {
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: "job-1", Queue: "certificate-generation", Payload: raw, Attempts: 1}
}

func TestHandleIssuesCertificate(t *testing.T) {
	issuer := &fakeIssuer{}
	w := NewCertificateWorker(&fakeProcessor{}, issuer, 1)

	err := w.Handle(context.Background(), newJob(t, CertificatePayload{EnrollmentID: 42}))
	require.NoError(t, err)
	assert.Equal(t, []uint{42}, issuer.calls)
}

func TestHandleDiscardsPermanentFailures(t *testing.T) {
	for _, perm := range []error{util.ErrCourseNotCompleted, util.ErrEnrollmentNotFound, util.ErrCompletionNotSet} {
		issuer := &fakeIssuer{err: perm}
		w := NewCertificateWorker(&fakeProcessor{}, issuer, 1)
		assert.NoError(t, w.Handle(context.Background(), newJob(t, CertificatePayload{EnrollmentID: 1})), perm.Error())
	}
}

func TestHandleDiscardsMalformedPayload(t *testing.T) {
	issuer := &fakeIssuer{}
	w := NewCertificateWorker(&fakeProcessor{}, issuer, 1)

	job := &queue.Job{ID: "bad", Payload: json.RawMessage(`"not-an-object"`)}
	assert.NoError(t, w.Handle(context.Background(), job))
	assert.NoError(t, w.Handle(context.Background(), newJob(t, map[string]int{"other": 1})))
	assert.Empty(t, issuer.calls)
}

func TestHandleReturnsTransientFailures(t *testing.T) {
	dbErr := errors.New("connection reset")
	w := NewCertificateWorker(&fakeProcessor{}, &fakeIssuer{err: dbErr}, 1)

	err := w.Handle(context.Background(), newJob(t, CertificatePayload{EnrollmentID: 3}))
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)

	w = NewCertificateWorker(&fakeProcessor{}, &fakeIssuer{err: util.ErrSerialHashCollide}, 1)
	assert.Error(t, w.Handle(context.Background(), newJob(t, CertificatePayload{EnrollmentID: 3})))
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	proc := &fakeProcessor{jobs: []*queue.Job{
		newJob(t, CertificatePayload{EnrollmentID: 1}),
		newJob(t, CertificatePayload{EnrollmentID: 2}),
		newJob(t, CertificatePayload{EnrollmentID: 3}),
	}}
	issuer := &fakeIssuer{}
	w := NewCertificateWorker(proc, issuer, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		issuer.mu.Lock()
		defer issuer.mu.Unlock()
		return len(issuer.calls) == 3
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.True(t, proc.recovered)
	assert.ElementsMatch(t, []uint{1, 2, 3}, issuer.calls)
}

func TestNewCertificateWorkerDefaults(t *testing.T) {
	w := NewCertificateWorker(&fakeProcessor{}, &fakeIssuer{}, 0)
	assert.Equal(t, 1, w.Concurrency)
	assert.Equal(t, time.Second, w.ErrorDelay)
}
