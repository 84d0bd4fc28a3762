package sheets

import (
	"errors"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// 错误定义
var (
	// ErrThrottled 重试耗尽后仍被配额限制
	ErrThrottled = errors.New("sheets: rate limit exceeded after retries")

	// ErrNotFound 工作表或范围不存在
	ErrNotFound = errors.New("sheets: range not found")
)

// isThrottledError 判断是否为配额/限流错误（429 或配额类 403）
func isThrottledError(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	// 部分配额错误以 403 返回，带 RATE_LIMIT_EXCEEDED / quota 信息
	if gerr.Code == http.StatusForbidden {
		msg := strings.ToLower(gerr.Message)
		return strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit")
	}
	return false
}

// isNotFoundError 判断是否为 404
func isNotFoundError(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	return false
}
