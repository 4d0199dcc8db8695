package request

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/edvin/onboarding/internal/model"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("business_type", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case model.BusinessTypeCompany, model.BusinessTypeSoleTrader:
			return true
		}
		return false
	})
	validate.RegisterValidation("decision_kind", func(fl validator.FieldLevel) bool {
		return model.ValidDeliveryKind(fl.Field().String())
	})
}

func Decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func RequireID(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("missing required ID")
	}
	return s, nil
}
