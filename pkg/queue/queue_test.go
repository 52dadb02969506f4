package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 2 * time.Second

	assert.Equal(t, 2*time.Second, Backoff(base, 1))
	assert.Equal(t, 4*time.Second, Backoff(base, 2))
	assert.Equal(t, 8*time.Second, Backoff(base, 3))
	// attempt < 1 is treated as the first attempt
	assert.Equal(t, 2*time.Second, Backoff(base, 0))
	// exponent is clamped
	assert.Equal(t, Backoff(base, 16), Backoff(base, 40))
}

func TestJobDecode(t *testing.T) {
	job := Job{Payload: json.RawMessage(`{"enrollmentId":42}`)}

	var payload struct {
		EnrollmentID uint `json:"enrollmentId"`
	}
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, uint(42), payload.EnrollmentID)
}

func TestNewAppliesDefaults(t *testing.T) {
	q := New(nil, "certificates", Options{})

	assert.Equal(t, 1, q.opts.MaxAttempts)
	assert.Equal(t, time.Second, q.opts.Backoff)
	assert.Equal(t, 5*time.Second, q.opts.PollTimeout)
	assert.Equal(t, "default", q.opts.Consumer)
	assert.Equal(t, "lms:queue:certificates:waiting", q.key("waiting"))
	assert.Equal(t, "lms:queue:certificates:processing:default", q.processingKey())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "idle", OutcomeIdle.String())
	assert.Equal(t, "succeeded", OutcomeSucceeded.String())
	assert.Equal(t, "retried", OutcomeRetried.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
}
