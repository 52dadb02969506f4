package controller

import (
	"encoding/hex"
	"lms_backend/internal/service"
	"lms_backend/internal/util"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type CertificateController struct {
	CertificateService *service.CertificateService
	EnrollmentService  *service.EnrollmentService
}

func NewCertificateController(certificateService *service.CertificateService, enrollmentService *service.EnrollmentService) *CertificateController {
	return &CertificateController{
		CertificateService: certificateService,
		EnrollmentService:  enrollmentService,
	}
}

// @Summary 申请生成证书
// @Description 已有证书时直接返回；否则入队生成（202）或同步签发（200）
// @Tags 证书
// @Produce json
// @Security BearerAuth
// @Param enrollmentId path int true "选课ID"
// @Success 200 {object} util.Response{data=service.TriggerResult}
// @Success 202 {object} util.Response{data=service.TriggerResult}
// @Failure 403 {object} util.Response
// @Failure 404 {object} util.Response
// @Failure 422 {object} util.Response
// @Router /api/enrollments/{enrollmentId}/certificate [post]
func (c *CertificateController) Trigger(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	enrollmentID, err := util.ParseIDParam(ctx, "enrollmentId")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	enrollment, err := c.EnrollmentService.GetOwnedEnrollment(ctx.Request.Context(), user.UserID, enrollmentID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	result, err := c.CertificateService.TriggerGeneration(ctx.Request.Context(), enrollment)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	if result.Status == service.TriggerStatusQueued {
		util.Accepted(ctx, result)
		return
	}
	util.Success(ctx, result)
}

// @Summary 获取选课证书
// @Tags 证书
// @Produce json
// @Security BearerAuth
// @Param enrollmentId path int true "选课ID"
// @Success 200 {object} util.Response{data=service.CertificateDetail}
// @Failure 404 {object} util.Response
// @Router /api/enrollments/{enrollmentId}/certificate [get]
func (c *CertificateController) GetByEnrollment(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	enrollmentID, err := util.ParseIDParam(ctx, "enrollmentId")
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	if _, err := c.EnrollmentService.GetOwnedEnrollment(ctx.Request.Context(), user.UserID, enrollmentID); err != nil {
		util.RespondError(ctx, err)
		return
	}

	detail, err := c.CertificateService.GetByEnrollment(ctx.Request.Context(), enrollmentID)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, detail)
}

// @Summary 我的证书
// @Description 按签发时间倒序分页，每页最多 100 条
// @Tags 证书
// @Produce json
// @Security BearerAuth
// @Param page query int false "页码" default(1)
// @Param limit query int false "每页数量" default(10)
// @Success 200 {object} util.Response{data=util.PageResponse}
// @Router /api/certificates [get]
func (c *CertificateController) List(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	page, limit := util.ParsePagination(ctx)
	result, err := c.CertificateService.ListForLearner(ctx.Request.Context(), user.UserID, page, limit)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}

	util.Success(ctx, result)
}

// @Summary 校验证书
// @Description 公开接口，按序列号查询证书真伪
// @Tags 证书
// @Produce json
// @Param serialHash path string true "证书序列号"
// @Success 200 {object} util.Response{data=service.CertificateVerification}
// @Failure 404 {object} util.Response
// @Router /api/certificates/verify/{serialHash} [get]
func (c *CertificateController) Verify(ctx *gin.Context) {
	serialHash := strings.ToLower(strings.TrimSpace(ctx.Param("serialHash")))
	if !isSerialHash(serialHash) {
		util.Error(ctx, http.StatusNotFound, "certificate not found")
		return
	}

	view, err := c.CertificateService.Verify(ctx.Request.Context(), serialHash)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	if view == nil {
		util.Error(ctx, http.StatusNotFound, "certificate not found")
		return
	}

	util.Success(ctx, view)
}

// isSerialHash 64 位十六进制
func isSerialHash(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
