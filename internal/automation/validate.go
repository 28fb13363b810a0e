package automation

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/sdhome/core/internal/domain"
)

var structValidator = validator.New()

// ValidateRule checks a rule's triggers, conditions, and actions against
// their struct tags (required fields, oneof enums). It does not check
// cross-field invariants beyond what validator expresses — e.g. a
// Between operator's Value/Value2 pairing is checked at evaluation time.
func ValidateRule(rule domain.AutomationRule) error {
	if rule.Name == "" {
		return fmt.Errorf("automation: rule name is required")
	}
	for i, t := range rule.Triggers {
		if err := structValidator.Struct(t); err != nil {
			return fmt.Errorf("automation: trigger[%d]: %w", i, err)
		}
	}
	for i, c := range rule.Conditions {
		if err := validateCondition(c); err != nil {
			return fmt.Errorf("automation: condition[%d]: %w", i, err)
		}
	}
	for i, a := range rule.Actions {
		if err := structValidator.Struct(a); err != nil {
			return fmt.Errorf("automation: action[%d]: %w", i, err)
		}
	}
	return nil
}

func validateCondition(c domain.AutomationCondition) error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}
	for i, child := range c.Children {
		if err := validateCondition(child); err != nil {
			return fmt.Errorf("children[%d]: %w", i, err)
		}
	}
	return nil
}
