package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs against their `validate` tags.
// Supported rules: required, hex=N (exactly N hex digits), oneof=a|b.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// fieldName prefers the JSON name so errors match what clients sent
func fieldName(f reflect.StructField) string {
	if name, _, _ := strings.Cut(f.Tag.Get("json"), ","); name != "" && name != "-" {
		return name
	}
	return strings.ToLower(f.Name)
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

	for _, rule := range rules {
		ruleName, arg, _ := strings.Cut(rule, "=")

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}

		case "hex":
			if field.Kind() != reflect.String || field.Len() == 0 {
				continue
			}
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad hex rule %q", rule)
			}
			s := field.String()
			if len(s) != n {
				return fmt.Errorf("must be exactly %d hex digits", n)
			}
			if _, err := hex.DecodeString(s); err != nil {
				return fmt.Errorf("must be exactly %d hex digits", n)
			}

		case "oneof":
			if field.Kind() != reflect.String || field.Len() == 0 {
				continue
			}
			allowed := strings.Split(arg, "|")
			ok := false
			for _, a := range allowed {
				if field.String() == a {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}
		}
	}

	return nil
}
