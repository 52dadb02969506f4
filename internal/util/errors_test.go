package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(ErrEnrollmentNotFound))
	assert.Equal(t, KindInvalidState, KindOf(fmt.Errorf("issue: %w", ErrCourseNotCompleted)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, IsKind(nil, KindInternal))

	wrapped := WrapError(KindConflict, "duplicate", errors.New("1062"))
	assert.True(t, IsKind(wrapped, KindConflict))
	assert.Equal(t, "duplicate: 1062", wrapped.Error())
}

func TestAppErrorIsMatchesSentinel(t *testing.T) {
	copyOf := NewAppError(KindInvalidState, "course not completed")
	assert.ErrorIs(t, copyOf, ErrCourseNotCompleted)
	assert.NotErrorIs(t, ErrCompletionNotSet, ErrCourseNotCompleted)
	assert.NotErrorIs(t, NewAppError(KindNotFound, "course not completed"), ErrCourseNotCompleted)
}

func TestRespondErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		err    error
		status int
	}{
		{ErrLessonNotFound, http.StatusNotFound},
		{ErrNotEnrolled, http.StatusForbidden},
		{ErrCourseNotCompleted, http.StatusUnprocessableEntity},
		{ErrAlreadyEnrolled, http.StatusConflict},
		{ErrSerialHashCollide, http.StatusInternalServerError},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

		RespondError(c, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())

		var body Response
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, tc.status, body.Code)
		if tc.status == http.StatusInternalServerError {
			// 内部细节不外露
			assert.Equal(t, "Internal server error", body.Message)
		} else {
			assert.Equal(t, tc.err.Error(), body.Message)
		}
	}
}

func TestParsePagination(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := map[string][2]int{
		"/":                   {DefaultPage, DefaultPageLimit},
		"/?page=3&limit=20":   {3, 20},
		"/?page=-1&limit=abc": {DefaultPage, DefaultPageLimit},
		"/?limit=1000":        {DefaultPage, 1000},
	}
	for url, want := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, url, nil)
		page, limit := ParsePagination(c)
		assert.Equal(t, want[0], page, url)
		assert.Equal(t, want[1], limit, url)
	}
}

func TestParseIDParam(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Params = gin.Params{{Key: "id", Value: "42"}, {Key: "zero", Value: "0"}, {Key: "bad", Value: "x"}}

	id, err := ParseIDParam(c, "id")
	require.NoError(t, err)
	assert.EqualValues(t, 42, id)

	_, err = ParseIDParam(c, "zero")
	assert.Error(t, err)
	_, err = ParseIDParam(c, "bad")
	assert.EqualError(t, err, "invalid bad")
}
