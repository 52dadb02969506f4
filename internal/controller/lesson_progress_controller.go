package controller

import (
	"lms_backend/internal/service"
	"lms_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type LessonProgressController struct {
	LessonProgressService *service.LessonProgressService
}

func NewLessonProgressController(lessonProgressService *service.LessonProgressService) *LessonProgressController {
	return &LessonProgressController{LessonProgressService: lessonProgressService}
}

// @Summary 标记课时完成
// @Description 幂等；课程首次完成时自动安排证书签发
// @Tags 学习进度
// @Produce json
// @Security BearerAuth
// @Param lessonId path int true "课时ID"
// @Success 200 {object} util.Response{data=service.LessonCompletionResult}
// @Failure 403 {object} util.Response
// @Failure 404 {object} util.Response
// @Router /api/lessons/{lessonId}/complete [post]
func (c *LessonProgressController) MarkComplete(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	lessonID, err := util.ParseIDParam(ctx, "lessonId")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.LessonProgressService.MarkComplete(ctx.Request.Context(), user.UserID, lessonID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, result)
}

// @Summary 取消课时完成
// @Description 进度会重新计算，已记录的完成时间和证书不受影响
// @Tags 学习进度
// @Produce json
// @Security BearerAuth
// @Param lessonId path int true "课时ID"
// @Success 200 {object} util.Response{data=service.LessonCompletionResult}
// @Router /api/lessons/{lessonId}/complete [delete]
func (c *LessonProgressController) MarkIncomplete(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	lessonID, err := util.ParseIDParam(ctx, "lessonId")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	result, err := c.LessonProgressService.MarkIncomplete(ctx.Request.Context(), user.UserID, lessonID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, result)
}
