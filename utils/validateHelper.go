package utils

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Input structs carry gin-style binding tags.
	v.SetTagName("binding")
	return v
}

// ValidateInput runs struct tag validation and converts the first failure
// into a ValidationError so callers get a typed result.
func ValidateInput(input any) error {
	if err := validate.Struct(input); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return NewValidationError(errs[0].Field(), "failed "+errs[0].Tag()+" rule")
		}
		return err
	}
	return nil
}

var cpfPattern = regexp.MustCompile(`^\d{11}$`)

// ValidateCPF checks the 11-digit subject/actor identifier format.
func ValidateCPF(cpf string) error {
	if !cpfPattern.MatchString(SanitizeCPF(cpf)) {
		return NewValidationError("cpf", "must be 11 digits")
	}
	return nil
}

// SanitizeCPF strips everything but digits.
func SanitizeCPF(cpf string) string {
	var b strings.Builder
	for _, r := range cpf {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var PhoneRegion = "BR"

// ValidatePhoneNumber parses and checks a phone number. Returns the E.164
// form.
func ValidatePhoneNumber(raw string) (string, error) {
	num, err := libphonenumber.Parse(raw, PhoneRegion)
	if err != nil {
		return "", NewValidationError("phone", err.Error())
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", NewValidationError("phone", "not a valid number")
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
