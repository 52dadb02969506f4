package controller

import (
	"encoding/json"
	"fmt"
	"lms_backend/internal/config"
	"lms_backend/internal/middleware"
	"lms_backend/internal/model"
	"lms_backend/internal/repository"
	"lms_backend/internal/service"
	"lms_backend/internal/util"
	"lms_backend/pkg/database"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testSecret = "test-secret-that-is-long-enough-for-hs256"

type apiEnv struct {
	router  *gin.Engine
	db      *gorm.DB
	learner *model.User
	other   *model.User
	course  *model.Course
	lessons []model.Lesson
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	cfg := &config.Config{
		JWT:         config.JWTConfig{Secret: testSecret},
		Certificate: config.CertificateConfig{IssueMode: config.IssueModeInline, MaxPageSize: 100},
	}

	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	lessonProgressRepo := repository.NewLessonProgressRepository(db)
	certificateRepo := repository.NewCertificateRepository(db)

	enrollments := service.NewEnrollmentService(enrollmentRepo, lessonProgressRepo, courseRepo, repository.NewUserRepository(db), db)
	certificates := service.NewCertificateService(certificateRepo, enrollmentRepo, nil, nil, &cfg.Certificate)
	lessonProgress := service.NewLessonProgressService(courseRepo, enrollmentRepo, lessonProgressRepo, enrollments, certificates)

	enrollmentCtl := NewEnrollmentController(enrollments)
	lessonCtl := NewLessonProgressController(lessonProgress)
	certificateCtl := NewCertificateController(certificates, enrollments)
	healthCtl := NewHealthController(db, nil, nil)

	router := gin.New()
	router.GET("/api/health", healthCtl.HealthCheck)
	router.GET("/api/certificates/verify/:serialHash", certificateCtl.Verify)
	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg))
	api.POST("/courses/:courseId/enroll", enrollmentCtl.Enroll)
	api.GET("/courses/:courseId/progress", enrollmentCtl.GetCourseProgress)
	api.GET("/enrollments", enrollmentCtl.ListMine)
	api.POST("/lessons/:lessonId/complete", lessonCtl.MarkComplete)
	api.DELETE("/lessons/:lessonId/complete", lessonCtl.MarkIncomplete)
	api.POST("/enrollments/:enrollmentId/certificate", certificateCtl.Trigger)
	api.GET("/enrollments/:enrollmentId/certificate", certificateCtl.GetByEnrollment)
	api.GET("/certificates", certificateCtl.List)

	env := &apiEnv{router: router, db: db}
	instructor := &model.User{Name: "Grace", Email: "grace@example.com", Role: model.Instructor}
	env.learner = &model.User{Name: "Ada", Email: "ada@example.com", Role: model.Student}
	env.other = &model.User{Name: "Eve", Email: "eve@example.com", Role: model.Student}
	for _, u := range []*model.User{instructor, env.learner, env.other} {
		require.NoError(t, db.Create(u).Error)
	}

	env.course = &model.Course{Title: "Go", Status: model.CoursePublished, InstructorID: instructor.ID}
	require.NoError(t, db.Create(env.course).Error)
	for i := 0; i < 2; i++ {
		lesson := model.Lesson{CourseID: env.course.ID, Title: fmt.Sprintf("Lesson %d", i+1), Order: i + 1}
		require.NoError(t, db.Create(&lesson).Error)
		env.lessons = append(env.lessons, lesson)
	}
	return env
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *apiEnv) do(t *testing.T, method, path string, user *model.User) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if user != nil {
		token, err := util.GenerateJWT(user, testSecret, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestCourseCompletionFlowOverHTTP(t *testing.T) {
	env := newAPIEnv(t)

	w, _ := env.do(t, http.MethodPost, fmt.Sprintf("/api/courses/%d/enroll", env.course.ID), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/courses/%d/enroll", env.course.ID), env.learner)
	require.Equal(t, http.StatusCreated, w.Code)
	var enrollment model.Enrollment
	require.NoError(t, json.Unmarshal(body.Data, &enrollment))

	w, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/courses/%d/enroll", env.course.ID), env.learner)
	assert.Equal(t, http.StatusConflict, w.Code)

	// 证书尚未签发
	w, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/enrollments/%d/certificate", enrollment.ID), env.learner)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	for i, lesson := range env.lessons {
		w, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/lessons/%d/complete", lesson.ID), env.learner)
		require.Equal(t, http.StatusOK, w.Code)
		var result service.LessonCompletionResult
		require.NoError(t, json.Unmarshal(body.Data, &result))
		assert.Equal(t, (i+1)*50, result.Enrollment.Progress)
	}

	w, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/enrollments/%d/certificate", enrollment.ID), env.learner)
	require.Equal(t, http.StatusOK, w.Code)
	var detail service.CertificateDetail
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	assert.Len(t, detail.SerialHash, 64)

	w, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/enrollments/%d/certificate", enrollment.ID), env.learner)
	require.Equal(t, http.StatusOK, w.Code)
	var trigger service.TriggerResult
	require.NoError(t, json.Unmarshal(body.Data, &trigger))
	assert.Equal(t, service.TriggerStatusIssued, trigger.Status)
	assert.Equal(t, detail.ID, trigger.Certificate.ID)

	// 公开校验无需登录，大写序列号同样可以查到
	w, body = env.do(t, http.MethodGet, "/api/certificates/verify/"+strings.ToUpper(detail.SerialHash), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view service.CertificateVerification
	require.NoError(t, json.Unmarshal(body.Data, &view))
	assert.True(t, view.Valid)
	assert.Equal(t, "Ada", view.LearnerName)

	w, body = env.do(t, http.MethodGet, "/api/certificates?page=1&limit=1000", env.learner)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Total int64 `json:"total"`
		Limit int   `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, 100, page.Limit)
}

func TestOwnershipAndEnrollmentChecks(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, http.MethodPost, fmt.Sprintf("/api/courses/%d/enroll", env.course.ID), env.learner)
	require.Equal(t, http.StatusCreated, w.Code)
	var enrollment model.Enrollment
	require.NoError(t, json.Unmarshal(body.Data, &enrollment))

	w, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/enrollments/%d/certificate", enrollment.ID), env.other)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/enrollments/%d/certificate", enrollment.ID), env.other)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/lessons/%d/complete", env.lessons[0].ID), env.other)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/courses/%d/progress", env.course.ID), env.other)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/lessons/9999/complete", env.learner)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodPost, "/api/lessons/abc/complete", env.learner)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = env.do(t, http.MethodGet, "/api/enrollments/9999/certificate", env.learner)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/enrollments/%d/certificate", enrollment.ID), env.learner)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgressEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	_, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/courses/%d/enroll", env.course.ID), env.learner)

	w, _ := env.do(t, http.MethodPost, fmt.Sprintf("/api/lessons/%d/complete", env.lessons[0].ID), env.learner)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := env.do(t, http.MethodGet, fmt.Sprintf("/api/courses/%d/progress", env.course.ID), env.learner)
	require.Equal(t, http.StatusOK, w.Code)
	var progress service.CourseProgress
	require.NoError(t, json.Unmarshal(body.Data, &progress))
	assert.Equal(t, 50, progress.Progress)
	require.Len(t, progress.Lessons, 2)
	assert.True(t, progress.Lessons[0].Completed)

	w, body = env.do(t, http.MethodDelete, fmt.Sprintf("/api/lessons/%d/complete", env.lessons[0].ID), env.learner)
	require.Equal(t, http.StatusOK, w.Code)
	var result service.LessonCompletionResult
	require.NoError(t, json.Unmarshal(body.Data, &result))
	assert.Equal(t, 0, result.Enrollment.Progress)

	w, body = env.do(t, http.MethodGet, "/api/enrollments", env.learner)
	require.Equal(t, http.StatusOK, w.Code)
	var list []model.Enrollment
	require.NoError(t, json.Unmarshal(body.Data, &list))
	assert.Len(t, list, 1)
}

func TestVerifyUnknownSerial(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.do(t, http.MethodGet, "/api/certificates/verify/"+strings.Repeat("a", 64), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "certificate not found", body.Message)

	w, _ = env.do(t, http.MethodGet, "/api/certificates/verify/not-a-hash", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIsSerialHash(t *testing.T) {
	assert.True(t, isSerialHash(strings.Repeat("0f", 32)))
	assert.False(t, isSerialHash(strings.Repeat("0f", 31)))
	assert.False(t, isSerialHash(strings.Repeat("zz", 32)))
	// 调用前已转为小写，大写同样是合法十六进制
	assert.True(t, isSerialHash(strings.Repeat("AB", 32)))
}

func TestHealthCheck(t *testing.T) {
	env := newAPIEnv(t)
	w, body := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(body.Data), `"database":"up"`)
}
