package services

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stwalsh4118/echosphere/internal/models"
)

// Clock returns the current time. Services default to time.Now; tests
// inject a fixed or stepping clock.
type Clock func() time.Time

// identifierPattern matches lowercase identifiers such as metric types.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// newValidator returns a validator with the custom tags used by the
// service input types.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return identifierPattern.MatchString(fl.Field().String())
	})
	return v
}

// validateStruct runs struct validation and tags failures ErrInvalidInput.
// The validator.ValidationErrors stay reachable with errors.As.
func validateStruct(v *validator.Validate, s interface{}) error {
	if err := v.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("%w: %w", models.ErrInvalidInput, verrs)
		}
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}
