package handlers

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"TourGuard/pkg/errors"
	"TourGuard/pkg/util"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

var validatorOnce sync.Once

// registerValidators 在 gin 的校验器上注册 iso8601，并让错误信息使用 json/form 字段名
func registerValidators() {
	validatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			for _, tag := range []string{"json", "form"} {
				name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
				if name != "" && name != "-" {
					return name
				}
			}
			return f.Name
		})
		_ = v.RegisterValidation("iso8601", func(fl validator.FieldLevel) bool {
			_, err := util.ParseISO8601(fl.Field().String())
			return err == nil
		})
	})
}

// bindError 把绑定/校验错误转换为 InvalidRequest
func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return errors.RequestTooLarge(tooLarge.Limit)
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) || len(verrs) == 0 {
		return errors.InvalidRequest("Invalid request body")
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return errors.InvalidRequest(fmt.Sprintf("%s is required", fe.Field()))
	case "oneof":
		return errors.InvalidRequest(fmt.Sprintf("%s must be one of: %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", ")))
	case "iso8601":
		return errors.InvalidRequest(fmt.Sprintf("%s must be an ISO-8601 date", fe.Field()))
	case "email":
		return errors.InvalidRequest(fmt.Sprintf("%s must be a valid email", fe.Field()))
	}
	return errors.InvalidRequest(fmt.Sprintf("%s is invalid", fe.Field()))
}
