package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Limits applied to client commands.
const (
	MaxKeyLength   = 512
	MaxValueLength = 16 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// KeyRequest is the shape shared by get and del.
type KeyRequest struct {
	Key string `json:"key" validate:"required,max=512,printascii"`
}

// SetRequest writes Value under Key.
type SetRequest struct {
	Key   string `json:"key" validate:"required,max=512,printascii"`
	Value string `json:"value" validate:"max=16777216"`
}

// IncrByRequest adds Delta to the integer stored under Key.
type IncrByRequest struct {
	Key   string `json:"key" validate:"required,max=512,printascii"`
	Delta int64  `json:"delta"`
}

// Struct validates v against its `validate` tags and reports the first
// failure in a readable form.
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	if err := validate.Struct(v); err != nil {
		return formatValidationError(err)
	}
	return nil
}

// Key validates a bare key outside a request struct.
func Key(key string) error {
	return Struct(&KeyRequest{Key: key})
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s: field is required", field))
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s: must be at least %s", field, e.Param()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s: must not exceed %s", field, e.Param()))
		case "printascii":
			msgs = append(msgs, fmt.Sprintf("%s: must be printable ASCII", field))
		case "hostname_port":
			msgs = append(msgs, fmt.Sprintf("%s: must be host:port", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: validation failed (%s)", field, e.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
