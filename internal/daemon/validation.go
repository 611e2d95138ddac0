package daemon

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate = validator.New()

// Validate checks settings against their struct tags and the rules tags
// cannot express.
func Validate(s *Settings) error {
	if err := validate.Struct(s); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(s)
}

func validateCustomRules(s *Settings) error {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(s.MetricsListen); err != nil {
			return fmt.Errorf("metrics_listen: %w", err)
		}
	}

	if len(s.Shares) == 0 {
		return fmt.Errorf("shares: at least one share must be configured")
	}
	names := make(map[string]bool)
	for i, share := range s.Shares {
		if strings.ContainsAny(share.Name, `/\`) {
			return fmt.Errorf("shares[%d]: share name %q contains a path separator", i, share.Name)
		}
		key := strings.ToLower(share.Name)
		if names[key] {
			return fmt.Errorf("shares[%d]: duplicate share name %q", i, share.Name)
		}
		names[key] = true
	}

	if s.Transaction.MaxDelay > 0 && s.Transaction.Delay > s.Transaction.MaxDelay {
		return fmt.Errorf("transaction: delay %v exceeds max_delay %v", s.Transaction.Delay, s.Transaction.MaxDelay)
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
