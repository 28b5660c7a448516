package enroll

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/MrCodeEU/faceroll/pkg/storage"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

// ErrInvalidProfile is returned when one or more profile fields are rejected.
var ErrInvalidProfile = errors.New("invalid profile")

var (
	stuIDPattern      = regexp.MustCompile(`^[0-9]{8}$`)
	personNamePattern = regexp.MustCompile(`^[A-Za-z\x{4e00}-\x{9fa5}]{1,50}$`)
	cjkAlnumPattern   = regexp.MustCompile(`^[A-Za-z0-9\x{4e00}-\x{9fa5}]{1,50}$`)
	mailboxPattern    = regexp.MustCompile(`^[A-Za-z0-9]{1,50}@[A-Za-z.]{1,50}$`)
	phonePattern      = regexp.MustCompile(`^[0-9]{13}$`)
)

var fieldRules = map[string]string{
	"stuid":      "exactly 8 digits",
	"personname": "1-50 Latin or CJK letters",
	"cjkalnum":   "1-50 Latin or CJK letters or digits",
	"mailbox":    "local@domain with letters and digits",
	"phone":      "exactly 13 digits",
}

// FieldError names a rejected profile field.
type FieldError struct {
	Field string
	Rule  string
}

// ValidationError lists every rejected field of a profile.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s must be %s", f.Field, f.Rule)
	}
	return "invalid profile: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match ErrInvalidProfile.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidProfile
}

// Validator checks profiles against the enrollment input rules.
type Validator struct {
	validate *validator.Validate
}

// NewValidator registers the profile rules on a fresh validator.
func NewValidator() *Validator {
	v := validator.New()
	register := func(tag string, re *regexp.Regexp) {
		// Registration only fails for empty tags or nil functions.
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			return re.MatchString(fl.Field().String())
		})
	}
	register("stuid", stuIDPattern)
	register("personname", personNamePattern)
	register("cjkalnum", cjkAlnumPattern)
	register("mailbox", mailboxPattern)
	register("phone", phonePattern)
	return &Validator{validate: v}
}

// Normalize trims every field and converts it to Unicode NFC.
func Normalize(p storage.Profile) storage.Profile {
	clean := func(s string) string {
		return norm.NFC.String(strings.TrimSpace(s))
	}
	return storage.Profile{
		StuID:   clean(p.StuID),
		Name:    clean(p.Name),
		Class:   clean(p.Class),
		Email:   clean(p.Email),
		Phone:   clean(p.Phone),
		Address: clean(p.Address),
	}
}

// Validate normalizes p and checks it. The normalized profile is returned.
func (v *Validator) Validate(p storage.Profile) (storage.Profile, error) {
	p = Normalize(p)

	err := v.validate.Struct(p)
	if err == nil {
		return p, nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return p, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Rule: fieldRules[fe.Tag()]})
	}
	return p, out
}
