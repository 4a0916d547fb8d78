package httpapi

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/activekg/activekg/internal/platform/svcerr"
)

// validate runs struct-tag validation (e.g. `validate:"required"`) the way
// the teacher's gin-based handlers do, adapted onto svcerr instead of gin's
// own binding errors. One shared instance: validator caches struct
// reflection internally, so handlers should not allocate their own.
var validate = validator.New()

// validateStruct runs req's `validate` tags and, on failure, returns a
// 400 for a missing `required` field or a 422 for any other failed tag,
// naming the first offending field rather than validator's raw
// namespace-qualified error text.
func validateStruct(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			field := strings.ToLower(f.Field())
			if f.Tag() == "required" {
				return svcerr.Invalid(field, "is required")
			}
			return svcerr.InvalidUnprocessable(field, "failed "+f.Tag()+" validation")
		}
		return svcerr.InvalidUnprocessable("body", err.Error())
	}
	return nil
}
