package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/henrycorner-dev/localsync/internal/errors"
)

// PayloadValidator checks an application payload before it is stored.
// Returning an error rejects the mutation with VALIDATION_ERROR.
type PayloadValidator func(payload json.RawMessage) error

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// SchemaOf returns a PayloadValidator that decodes the payload into T and
// runs its `validate` struct tags. T must be a struct type.
func SchemaOf[T any]() PayloadValidator {
	return func(payload json.RawMessage) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "payload does not match schema", err)
		}
		if err := structValidator.Struct(&v); err != nil {
			return validationError(err)
		}
		return nil
	}
}

// validationError flattens validator field errors into one message,
// field=tag pairs sorted by field name.
func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperrors.Wrap(apperrors.ErrValidation, "payload validation failed", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s=%s", fe.Field(), fe.Tag()))
	}
	sort.Strings(fields)
	return apperrors.Wrap(apperrors.ErrValidation,
		"payload validation failed: "+strings.Join(fields, ", "), err)
}
