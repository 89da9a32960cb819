package handler

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	appErrors "github.com/noah-isme/asknon-api/pkg/errors"
)

// NewValidator returns a validator with the request tags used by the handlers registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	// trimmin=N requires at least N characters after trimming surrounding whitespace.
	_ = v.RegisterValidation("trimmin", func(fl validator.FieldLevel) bool {
		min, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		return utf8.RuneCountInString(strings.TrimSpace(fl.Field().String())) >= min
	})
	return v
}

// bindAndValidate decodes the JSON body into req and validates it.
func bindAndValidate(c *gin.Context, v *validator.Validate, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil {
		return appErrors.Clone(appErrors.ErrInvalidInput, "invalid request body")
	}
	if err := v.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(fieldErrs) == 0 {
		return appErrors.ErrInvalidInput.Message
	}
	fe := fieldErrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "trimmin":
		return field + " must be at least " + fe.Param() + " characters"
	case "max":
		return field + " is too long"
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "min":
		return field + " is too short"
	case "alphanum":
		return field + " must contain only letters or digits"
	}
	return field + " is invalid"
}
