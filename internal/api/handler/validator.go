package handler

import (
	"errors"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/qs3c/codeatlas/internal/sandbox"
)

// RegisterValidators 注册自定义校验 tag，repourl 只接受已识别的托管平台
func RegisterValidators(prefixes []string) error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("unexpected validator engine")
	}
	return v.RegisterValidation("repourl", func(fl validator.FieldLevel) bool {
		return sandbox.ValidateRepoURL(fl.Field().String(), prefixes) == nil
	})
}
