package validators

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	pkgerrors "github.com/angelmondragon/paybridge/pkg/errors"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const tagDecimalPositive = "dgt0"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" {
			return f.Name
		}
		return tag
	})
	// decimals are validated through their canonical string form
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation(tagDecimalPositive, func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		return err == nil && d.IsPositive()
	})
	return v
}

// Struct validates dest and reports failures as VALIDATION_ERROR with per-field details.
func Struct(dest any) error {
	if err := validate.Struct(dest); err != nil {
		return formatValidationErrors(pkgerrors.CodeValidation, err)
	}
	return nil
}

// DecodeMessage unmarshals a broker payload and validates it. Every failure is
// MALFORMED_MESSAGE so consumers can dead-letter it instead of retrying.
func DecodeMessage(body []byte, dest any) error {
	if len(body) == 0 {
		return pkgerrors.New(pkgerrors.CodeMalformed, "empty message body")
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "invalid message body").WithDetails(map[string]any{"error": err.Error()})
	}
	if err := validate.Struct(dest); err != nil {
		return formatValidationErrors(pkgerrors.CodeMalformed, err)
	}
	return nil
}

func formatValidationErrors(code pkgerrors.Code, err error) *pkgerrors.Error {
	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		details := map[string]string{}
		for _, fieldErr := range errs {
			details[fieldErr.Field()] = validationMessage(fieldErr)
		}
		return pkgerrors.New(code, "validation failed").WithDetails(details)
	}
	return pkgerrors.Wrap(code, err, "validation failed")
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case tagDecimalPositive:
		return "must be greater than zero"
	}
	return "is invalid"
}
