package worker

import (
	"context"
	"errors"
	"lms_backend/internal/model"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFinder struct {
	enrollments []model.Enrollment
	err         error
	limit       int
}

func (f *fakeFinder) FindCompletedWithoutCertificate(ctx context.Context, limit int) ([]model.Enrollment, error) {
	f.limit = limit
	return f.enrollments, f.err
}

type fakeScheduler struct {
	scheduled []uint
	failFor   map[uint]bool
}

func (f *fakeScheduler) ScheduleIssuance(ctx context.Context, enrollmentID uint) error {
	if f.failFor[enrollmentID] {
		return errors.New("redis down")
	}
	f.scheduled = append(f.scheduled, enrollmentID)
	return nil
}

func enrollmentWithID(id uint) model.Enrollment {
	e := model.Enrollment{}
	e.ID = id
	return e
}

func TestRunOnceSchedulesEveryCandidate(t *testing.T) {
	finder := &fakeFinder{enrollments: []model.Enrollment{enrollmentWithID(1), enrollmentWithID(2), enrollmentWithID(3)}}
	scheduler := &fakeScheduler{failFor: map[uint]bool{2: true}}
	r := NewReconciler(finder, scheduler)

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint{1, 3}, scheduler.scheduled)
	assert.Equal(t, reconcileBatchSize, finder.limit)
}

func TestRunOncePropagatesFinderError(t *testing.T) {
	r := NewReconciler(&fakeFinder{err: errors.New("db down")}, &fakeScheduler{})
	_, err := r.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	r := NewReconciler(&fakeFinder{}, &fakeScheduler{})
	assert.Error(t, r.Start("not a cron"))

	assert.NoError(t, r.Start(""))
	r.Stop(context.Background())

	require.NoError(t, r.Start("@every 1h"))
	r.Stop(context.Background())
}
