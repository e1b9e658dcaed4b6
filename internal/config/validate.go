package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors. It returns
// a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	o := cfg.Orchestrator

	if o.Name == "" {
		errs = append(errs, ValidationError{Field: "orchestrator.name", Message: "is required"})
	}
	if len(o.Environments) == 0 {
		errs = append(errs, ValidationError{Field: "orchestrator.environments", Message: "at least one environment is required"})
	}
	if o.Build.Command == "" {
		errs = append(errs, ValidationError{Field: "orchestrator.build.command", Message: "is required"})
	}

	names := make(map[string]bool)
	orders := make(map[int]string)
	for i, e := range o.Environments {
		prefix := fmt.Sprintf("orchestrator.environments[%d]", i)

		if e.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
			continue
		}
		if names[e.Name] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate environment %q", e.Name),
			})
		}
		names[e.Name] = true

		if prev, ok := orders[e.PromotionOrder]; ok {
			errs = append(errs, ValidationError{
				Field:   prefix + ".promotion_order",
				Message: fmt.Sprintf("promotion_order %d already used by %q; the promotion sequence must be a total order", e.PromotionOrder, prev),
			})
		}
		orders[e.PromotionOrder] = e.Name

		if e.Skip {
			continue // skipped environments don't need commands
		}
		for _, c := range []struct{ field, cmd string }{
			{"test", e.Commands.Test},
			{"deploy", e.Commands.Deploy},
			{"verify", e.Commands.Verify},
		} {
			if c.cmd == "" {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s.commands.%s", prefix, c.field),
					Message: "is required for non-skipped environments",
				})
			}
		}
	}

	c := o.Classifier
	if c.NormalThreshold > c.HardCeiling {
		errs = append(errs, ValidationError{
			Field:   "orchestrator.classifier.normal_threshold",
			Message: fmt.Sprintf("threshold %d exceeds hard ceiling %d", c.NormalThreshold, c.HardCeiling),
		})
	}

	return errs
}
