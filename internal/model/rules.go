package model

import "fmt"

// RuleAction is the anonymization transform applied to a column.
type RuleAction string

const (
	ActionNone       RuleAction = "NONE"
	ActionMask       RuleAction = "MASK"
	ActionHash       RuleAction = "HASH"
	ActionGeneralize RuleAction = "GENERALIZE"
	ActionDrop       RuleAction = "DROP"
)

// GeneralizationMode selects the coarsening applied by ActionGeneralize.
type GeneralizationMode string

const (
	ModeYear      GeneralizationMode = "YEAR"
	ModeAgeBucket GeneralizationMode = "AGE_BUCKET"
)

// Rule is the transform configured for a single column.
type Rule struct {
	Action RuleAction         `json:"action"`
	Mode   GeneralizationMode `json:"mode,omitempty"`
}

// RuleSet maps column names to rules. Columns absent from the map are
// treated as ActionNone; keys that name no dataset column are ignored.
type RuleSet map[string]Rule

// Validate checks every rule against the closed action/mode enums. It is
// called once at the API boundary, before a job is created.
func (rs RuleSet) Validate() error {
	for column, rule := range rs {
		switch rule.Action {
		case ActionNone, ActionMask, ActionHash, ActionGeneralize, ActionDrop:
		default:
			return &ValidationError{
				Field:   fmt.Sprintf("rules.%s.action", column),
				Message: fmt.Sprintf("unknown action %q", rule.Action),
			}
		}

		if rule.Mode != "" {
			if rule.Action != ActionGeneralize {
				return &ValidationError{
					Field:   fmt.Sprintf("rules.%s.mode", column),
					Message: "mode is only valid with action GENERALIZE",
				}
			}
			if rule.Mode != ModeYear && rule.Mode != ModeAgeBucket {
				return &ValidationError{
					Field:   fmt.Sprintf("rules.%s.mode", column),
					Message: fmt.Sprintf("unknown mode %q", rule.Mode),
				}
			}
		}
	}
	return nil
}
