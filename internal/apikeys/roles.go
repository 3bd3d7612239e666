package apikeys

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidRoles are the CVAT membership roles a key can be restricted to, sorted.
var ValidRoles = []string{"maintainer", "owner", "supervisor", "worker"}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FieldError is a validation failure attached to one input field.
// It unwraps to the error class (ErrInvalidInput, ErrInvalidRole, ...).
type FieldError struct {
	Field   string
	Message string
	kind    error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

func (e *FieldError) Unwrap() error { return e.kind }

func fieldError(kind error, field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...), kind: kind}
}

// NormalizeRoles trims, lowercases and deduplicates roles, preserving first
// occurrence order. Any role outside ValidRoles fails with ErrInvalidRole.
func NormalizeRoles(roles []string) ([]string, error) {
	out := make([]string, 0, len(roles))
	seen := make(map[string]struct{}, len(roles))
	oneOf := "oneof=" + strings.Join(ValidRoles, " ")
	for _, role := range roles {
		r := strings.ToLower(strings.TrimSpace(role))
		if err := getValidator().Var(r, "required,max=16,"+oneOf); err != nil {
			return nil, fieldError(ErrInvalidRole, "allowed_roles",
				"Invalid role: %s. Valid roles are: %s", role, strings.Join(ValidRoles, ", "))
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// keyFields is the validated shape of the writable text fields.
type keyFields struct {
	Key   string `validate:"required,max=255"`
	Name  string `validate:"required,max=255"`
	Label string `validate:"max=255"`
}

var fieldMessages = map[string]map[string]string{
	"Key":   {"required": "API key cannot be empty.", "max": "Ensure this field has no more than 255 characters."},
	"Name":  {"required": "Name cannot be empty.", "max": "Ensure this field has no more than 255 characters."},
	"Label": {"max": "Ensure this field has no more than 255 characters."},
}

func validateFields(f keyFields) error {
	err := getValidator().Struct(f)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	fe := verrs[0]
	msg := fieldMessages[fe.Field()][fe.Tag()]
	if msg == "" {
		msg = fe.Error()
	}
	return fieldError(ErrInvalidInput, strings.ToLower(fe.Field()), "%s", msg)
}
