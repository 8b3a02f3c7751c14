package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dataveil/dataveil/internal/model"
)

// maskToken replaces masked cell values. Fixed length, irreversible.
const maskToken = "***"

// ageBucketWidth is the band size for AGE_BUCKET generalization.
const ageBucketWidth = 10

// dateLayouts are tried in order when generalizing to a year.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
}

// Apply transforms rows according to the rule set and returns the output
// header and rows. Columns without a rule pass through unchanged; rule
// keys that name no input column are ignored. The transform is fully
// deterministic: no randomness, no wall-clock dependence.
func Apply(header []string, rows [][]string, rules model.RuleSet) ([]string, [][]string) {
	type columnPlan struct {
		index int
		rule  model.Rule
	}

	outHeader := make([]string, 0, len(header))
	plans := make([]columnPlan, 0, len(header))
	for i, column := range header {
		rule := rules[column] // zero value is ActionNone
		if rule.Action == model.ActionDrop {
			continue
		}
		outHeader = append(outHeader, column)
		plans = append(plans, columnPlan{index: i, rule: rule})
	}

	outRows := make([][]string, len(rows))
	for r, row := range rows {
		out := make([]string, len(plans))
		for c, plan := range plans {
			out[c] = transformCell(row[plan.index], plan.rule)
		}
		outRows[r] = out
	}
	return outHeader, outRows
}

// transformCell applies one rule to one cell. Cell-level parse failures
// are absorbed: the value passes through unchanged rather than failing
// the job.
func transformCell(value string, rule model.Rule) string {
	switch rule.Action {
	case model.ActionMask:
		return maskToken
	case model.ActionHash:
		return hashValue(value)
	case model.ActionGeneralize:
		switch rule.Mode {
		case model.ModeYear:
			return generalizeYear(value)
		case model.ModeAgeBucket:
			return generalizeAgeBucket(value)
		}
		return value
	default:
		return value
	}
}

// hashValue computes a deterministic one-way digest. Equal inputs always
// hash to equal outputs, so hashed columns stay joinable.
func hashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// generalizeYear reduces a parseable date to its year. Non-parsing values
// pass through unchanged.
func generalizeYear(value string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return strconv.Itoa(t.Year())
		}
	}
	return value
}

// generalizeAgeBucket reduces a parseable number to its fixed-width band,
// e.g. 24 -> "20-29". Non-numeric values pass through unchanged.
func generalizeAgeBucket(value string) string {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	lo := int(math.Floor(n/ageBucketWidth)) * ageBucketWidth
	return fmt.Sprintf("%d-%d", lo, lo+ageBucketWidth-1)
}
