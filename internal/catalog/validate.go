package catalog

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-version"

	licenseErrors "meshlicense/internal/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func documentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("version", func(fl validator.FieldLevel) bool {
			_, err := version.NewVersion(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// ParseDocument decodes and validates a license document. Signatures are not checked.
func ParseDocument(data []byte) (*License, error) {
	var l License
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrInvalidDocument, err)
	}
	if err := ValidateLicense(&l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ValidateLicense checks the document schema.
func ValidateLicense(l *License) error {
	if err := documentValidator().Struct(l); err != nil {
		return fmt.Errorf("%w: %v", licenseErrors.ErrInvalidDocument, err)
	}
	seen := make(map[string]bool, len(l.Parameters))
	for _, p := range l.Parameters {
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate parameter %q", licenseErrors.ErrInvalidDocument, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
