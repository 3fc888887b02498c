package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/frahmantamala/access-control/internal"
)

// PermissionNamePattern is the accepted shape of a permission machine key:
// dot separated lower case segments, at least two of them (e.g. "role.update").
var PermissionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

// Validator returns the shared go-playground validator with the custom tags
// used by request DTOs registered on it.
func Validator() *validator.Validate {
	structValidatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = v.RegisterValidation("permname", func(fl validator.FieldLevel) bool {
			return PermissionNamePattern.MatchString(fl.Field().String())
		})
		structValidator = v
	})
	return structValidator
}

// Struct validates a tagged DTO and converts failures into the AppError
// validation shape used by handlers.
func Struct(v interface{}) *apperrors.AppError {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.NewValidationError(err.Error(), apperrors.ErrCodeValidationFailed)
	}
	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: fieldMessage(fe),
			Code:    string(codeForTag(fe.Tag())),
		})
	}
	return apperrors.NewValidationError("Validation failed", apperrors.ErrCodeValidationFailed).
		WithDetails(apperrors.ValidationErrors{Errors: out})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "permname":
		return fmt.Sprintf("%s must look like resource.action", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

func codeForTag(tag string) apperrors.ErrorCode {
	if tag == "permname" {
		return apperrors.ErrCodeInvalidName
	}
	return apperrors.ErrCodeValidationFailed
}

type ValidatorFunc func(interface{}) *apperrors.AppError

type FieldValidator struct {
	FieldName  string
	Value      interface{}
	Validators []ValidatorFunc
}

type ValidationBuilder struct {
	fields []FieldValidator
}

func NewValidator() *ValidationBuilder {
	return &ValidationBuilder{
		fields: make([]FieldValidator, 0),
	}
}

func (v *ValidationBuilder) Field(name string, value interface{}) *FieldValidator {
	fv := FieldValidator{
		FieldName:  name,
		Value:      value,
		Validators: make([]ValidatorFunc, 0),
	}
	v.fields = append(v.fields, fv)
	return &v.fields[len(v.fields)-1]
}

func (fv *FieldValidator) Required() *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *apperrors.AppError {
		switch v := value.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return apperrors.NewValidationFieldError(fv.FieldName, fmt.Sprintf("%s is required", fv.FieldName), apperrors.ErrCodeValidationFailed)
			}
		case *string:
			if v == nil || strings.TrimSpace(*v) == "" {
				return apperrors.NewValidationFieldError(fv.FieldName, fmt.Sprintf("%s is required", fv.FieldName), apperrors.ErrCodeValidationFailed)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) MaxLength(max int) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *apperrors.AppError {
		if v, ok := value.(string); ok {
			if len(v) > max {
				message := fmt.Sprintf("%s must not exceed %d characters", fv.FieldName, max)
				return apperrors.NewValidationFieldError(fv.FieldName, message, apperrors.ErrCodeValidationFailed)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) Matches(re *regexp.Regexp, code apperrors.ErrorCode) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *apperrors.AppError {
		if v, ok := value.(string); ok {
			if !re.MatchString(v) {
				message := fmt.Sprintf("%s has an invalid format", fv.FieldName)
				return apperrors.NewValidationFieldError(fv.FieldName, message, code)
			}
		}
		return nil
	})
	return fv
}

func (fv *FieldValidator) Custom(validator func(interface{}) *apperrors.AppError) *FieldValidator {
	fv.Validators = append(fv.Validators, validator)
	return fv
}

func (v *ValidationBuilder) Validate() *apperrors.AppError {
	var validationErrors []apperrors.ValidationError

	for _, field := range v.fields {
		for _, validator := range field.Validators {
			appErr := validator(field.Value)
			if appErr == nil {
				continue
			}
			if details, ok := appErr.Details.(apperrors.ValidationErrors); ok {
				validationErrors = append(validationErrors, details.Errors...)
				continue
			}
			validationErrors = append(validationErrors, apperrors.ValidationError{
				Field:   field.FieldName,
				Message: appErr.Message,
				Code:    string(appErr.Code),
			})
		}
	}

	if len(validationErrors) > 0 {
		return apperrors.NewValidationError("Validation failed", apperrors.ErrCodeValidationFailed).
			WithDetails(apperrors.ValidationErrors{Errors: validationErrors})
	}

	return nil
}

func ValidatePermissionName(name string) *apperrors.AppError {
	validator := NewValidator()
	validator.Field("name", name).
		Required().
		MaxLength(100).
		Matches(PermissionNamePattern, apperrors.ErrCodeInvalidName)
	return validator.Validate()
}

func ValidateRoleName(name string) *apperrors.AppError {
	validator := NewValidator()
	validator.Field("name", name).
		Required().
		MaxLength(64)
	return validator.Validate()
}
