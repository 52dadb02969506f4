package util

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ParseIDParam 解析路径中的正整数 ID
func ParseIDParam(c *gin.Context, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid " + name)
	}
	return uint(id), nil
}

// ParsePagination 读取 page/limit 查询参数，非法值回退为默认值
func ParsePagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", strconv.Itoa(DefaultPage)))
	if err != nil || page < 1 {
		page = DefaultPage
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(DefaultPageLimit)))
	if err != nil || limit < 1 {
		limit = DefaultPageLimit
	}
	return page, limit
}
