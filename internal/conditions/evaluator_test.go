package conditions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"task-automation-service/internal/models"
)

func cond(field string, op models.ConditionOperator, value string) models.Condition {
	return models.Condition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_EmptyListPasses(t *testing.T) {
	assert.True(t, Evaluate(nil, nil))
	assert.True(t, Evaluate([]models.Condition{}, map[string]string{"a": "b"}))
}

func TestEvaluate_AndSemantics(t *testing.T) {
	event := map[string]string{"status": "failed", "count": "12", "host": "db-01"}
	pass := []models.Condition{
		cond("status", models.OpEquals, "failed"),
		cond("host", models.OpContains, "db"),
		cond("count", models.OpGreaterThan, "10"),
	}
	assert.True(t, Evaluate(pass, event))

	oneFalse := append(pass, cond("count", models.OpLessThan, "5"))
	assert.False(t, Evaluate(oneFalse, event))
}

func TestEvaluate_MissingFieldIsEmpty(t *testing.T) {
	assert.True(t, Evaluate([]models.Condition{cond("absent", models.OpEquals, "")}, map[string]string{}))
	assert.False(t, Evaluate([]models.Condition{cond("absent", models.OpContains, "x")}, nil))
}

func TestHolds_NumericComparisons(t *testing.T) {
	testCases := []struct {
		name  string
		op    models.ConditionOperator
		field string
		value string
		want  bool
	}{
		{"greater", models.OpGreaterThan, "3.5", "3", true},
		{"not greater", models.OpGreaterThan, "3", "3", false},
		{"less", models.OpLessThan, "-1", "0", true},
		{"padded", models.OpLessThan, " 2 ", "10", true},
		{"non-numeric field", models.OpGreaterThan, "high", "3", false},
		{"non-numeric value", models.OpLessThan, "3", "low", false},
		{"empty field", models.OpGreaterThan, "", "0", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Holds(cond("f", tc.op, tc.value), tc.field))
		})
	}
}

func TestHolds_Regex(t *testing.T) {
	assert.True(t, Holds(cond("f", models.OpRegex, `^ERR-\d+$`), "ERR-500"))
	assert.False(t, Holds(cond("f", models.OpRegex, `^ERR-\d+$`), "WARN-1"))
	assert.False(t, Holds(cond("f", models.OpRegex, `([unclosed`), "([unclosed"), "invalid pattern is false")
}

func TestHolds_UnknownOperator(t *testing.T) {
	assert.False(t, Holds(cond("f", "between", "1"), "1"))
}

func TestMatchEmail(t *testing.T) {
	msg := map[string]string{
		"from":       "Billing <billing@vendor.com>",
		"to":         "ops@example.com",
		"subject":    "Invoice #2231 overdue",
		"body":       "Please pay.",
		"attachment": "invoice-2231.pdf",
	}
	assert.True(t, MatchEmail(nil, msg))
	assert.True(t, MatchEmail([]models.EmailFilter{
		{Field: models.FilterFrom, Operator: models.FilterContains, Value: "@VENDOR.com"},
		{Field: models.FilterSubject, Operator: models.FilterStartsWith, Value: "invoice"},
		{Field: models.FilterAttachment, Operator: models.FilterEndsWith, Value: ".pdf"},
		{Field: models.FilterTo, Operator: models.FilterEquals, Value: "ops@example.com"},
		{Field: models.FilterSubject, Operator: models.FilterRegex, Value: `#\d{4}`},
	}, msg))
	assert.False(t, MatchEmail([]models.EmailFilter{
		{Field: models.FilterFrom, Operator: models.FilterContains, Value: "vendor"},
		{Field: models.FilterBody, Operator: models.FilterContains, Value: "refund"},
	}, msg), "all filters must match")
	assert.False(t, MatchEmail([]models.EmailFilter{
		{Field: models.FilterSubject, Operator: models.FilterRegex, Value: `(`},
	}, msg))
}
