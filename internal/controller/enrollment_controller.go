package controller

import (
	"lms_backend/internal/service"
	"lms_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type EnrollmentController struct {
	EnrollmentService *service.EnrollmentService
}

func NewEnrollmentController(enrollmentService *service.EnrollmentService) *EnrollmentController {
	return &EnrollmentController{EnrollmentService: enrollmentService}
}

// @Summary 选课
// @Description 报名一门已发布的课程，同一课程只能报名一次
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Param courseId path int true "课程ID"
// @Success 201 {object} util.Response{data=model.Enrollment}
// @Failure 404 {object} util.Response
// @Failure 409 {object} util.Response
// @Failure 422 {object} util.Response
// @Router /api/courses/{courseId}/enroll [post]
func (c *EnrollmentController) Enroll(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	courseID, err := util.ParseIDParam(ctx, "courseId")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	enrollment, err := c.EnrollmentService.Enroll(ctx.Request.Context(), user.UserID, courseID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Created(ctx, enrollment)
}

// @Summary 我的选课
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Success 200 {object} util.Response{data=[]model.Enrollment}
// @Router /api/enrollments [get]
func (c *EnrollmentController) ListMine(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	enrollments, err := c.EnrollmentService.ListMyEnrollments(ctx.Request.Context(), user.UserID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, enrollments)
}

// @Summary 课程学习进度
// @Description 返回选课进度以及每个课时的完成情况
// @Tags 选课
// @Produce json
// @Security BearerAuth
// @Param courseId path int true "课程ID"
// @Success 200 {object} util.Response{data=service.CourseProgress}
// @Failure 403 {object} util.Response
// @Router /api/courses/{courseId}/progress [get]
func (c *EnrollmentController) GetCourseProgress(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	courseID, err := util.ParseIDParam(ctx, "courseId")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	progress, err := c.EnrollmentService.GetCourseProgress(ctx.Request.Context(), user.UserID, courseID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, progress)
}
