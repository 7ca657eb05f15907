package model

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate 按 struct tag 校验外部传入的文档（导出包元数据、确认记录等）。
// 校验失败统一归类为格式错误。
func Validate(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(v); err != nil {
		return errors.Wrap(ErrFormat, err.Error())
	}
	return nil
}
