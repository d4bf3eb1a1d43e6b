package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"reflect"
	"regexp"
	"strings"

	"pagewatch/pkg/notifier"

	playground "github.com/go-playground/validator/v10"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

type registrationRequest struct {
	Email   string `json:"email" validate:"required,emailshape"`
	OwnerID string `json:"ownerId" validate:"max=128"`
}

type repoRequest struct {
	Email   string `json:"email" validate:"required,emailshape"`
	RepoURL string `json:"repoUrl" validate:"required,max=2048"`
	OwnerID string `json:"ownerId" validate:"max=128"`
}

type jobsRequest struct {
	Email   string `json:"email" validate:"required,emailshape"`
	SiteURL string `json:"siteUrl" validate:"required,url,max=2048"`
	OwnerID string `json:"ownerId" validate:"max=128"`
}

type unsubscribeRequest struct {
	Email string `json:"email" validate:"required,emailshape"`
	Type  string `json:"type" validate:"required"`
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

type validator struct {
	v *playground.Validate
}

func newValidator() *validator {
	v := playground.New()
	if err := v.RegisterValidation("emailshape", func(fl playground.FieldLevel) bool {
		return isValidEmail(fl.Field().String())
	}); err != nil {
		panic(err)
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &validator{v: v}
}

// check returns the first failing field as an ErrInvalid.
func (v *validator) check(req any) error {
	err := v.v.Struct(req)
	if err == nil {
		return nil
	}
	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", notifier.ErrInvalid, err)
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s is required", notifier.ErrInvalid, fe.Field())
	case "emailshape":
		return fmt.Errorf("%w: invalid email format", notifier.ErrInvalid)
	case "url":
		return fmt.Errorf("%w: %s must be a valid URL", notifier.ErrInvalid, fe.Field())
	case "max":
		return fmt.Errorf("%w: %s is too long", notifier.ErrInvalid, fe.Field())
	}
	return fmt.Errorf("%w: %s is invalid", notifier.ErrInvalid, fe.Field())
}

// decode reads a JSON body into req, normalizes its email field and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, req any, email *string) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(req); err != nil {
		return fmt.Errorf("%w: malformed JSON body", notifier.ErrInvalid)
	}
	*email = notifier.NormalizeEmail(*email)
	return s.validate.check(req)
}
