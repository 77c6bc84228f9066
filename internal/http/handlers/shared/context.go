package shared

import (
	"strconv"
	"strings"

	"github.com/mallpay-next/internal/http/response"

	"github.com/gin-gonic/gin"
)

// 鉴权中间件写入的上下文键
const (
	ContextUserID  = "user_id"
	ContextAdminID = "admin_id"
)

// GetContextUint 从上下文读取 uint 值并统一处理错误响应。
func GetContextUint(c *gin.Context, key string) (uint, bool) {
	value, exists := c.Get(key)
	if !exists {
		response.Unauthorized(c, "unauthorized")
		return 0, false
	}
	switch v := value.(type) {
	case uint:
		if v == 0 {
			response.Unauthorized(c, "unauthorized")
			return 0, false
		}
		return v, true
	case int:
		if v <= 0 {
			response.Unauthorized(c, "unauthorized")
			return 0, false
		}
		return uint(v), true
	default:
		RespondError(c, response.CodeInternal, "context value type invalid", nil)
		return 0, false
	}
}

// ParamUint 解析路径上的正整数 ID
func ParamUint(c *gin.Context, name string) (uint, bool) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// QueryUint 解析可选的正整数查询参数，缺省为 0
func QueryUint(c *gin.Context, name string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Query(name)), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

// PageParams 读取并归一化分页参数
func PageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	return NormalizePagination(page, pageSize)
}

// BuildPagination 组装分页信息
func BuildPagination(page, pageSize int, total int64) response.Pagination {
	totalPage := int64(0)
	if pageSize > 0 {
		totalPage = (total + int64(pageSize) - 1) / int64(pageSize)
	}
	return response.Pagination{Page: page, PageSize: pageSize, Total: total, TotalPage: totalPage}
}
