package gateway

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/numgate/internal/jobmanager"
)

var (
	// ErrAdmissionRejected 呼叫者超過限流額度
	ErrAdmissionRejected = errors.New("admission rejected: rate limit exceeded")
	// ErrJobNotFound 任務不存在
	ErrJobNotFound = jobmanager.ErrJobNotFound
)

// ValidationError 提交或調整參數不合法，請求在修改任何狀態前被拒絕
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidation 回報 err 是否為 ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
