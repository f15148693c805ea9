// Package conditions decides whether a trigger event runs a task's actions,
// and filters inbound mail for email_received triggers.
package conditions

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	lru "github.com/hashicorp/golang-lru/v2"

	"task-automation-service/internal/models"
)

const patternCacheSize = 512

var patterns, _ = lru.New[string, *regexp.Regexp](patternCacheSize)

// Evaluate reports whether every condition holds for the event. An empty list
// always passes. A missing field is treated as the empty string.
func Evaluate(conds []models.Condition, event map[string]string) bool {
	for _, c := range conds {
		if !Holds(c, event[c.Field]) {
			return false
		}
	}
	return true
}

// Holds applies one condition to a field value.
func Holds(c models.Condition, field string) bool {
	switch c.Operator {
	case models.OpEquals:
		return field == c.Value
	case models.OpContains:
		return strings.Contains(field, c.Value)
	case models.OpGreaterThan, models.OpLessThan:
		lhs, err1 := strconv.ParseFloat(strings.TrimSpace(field), 64)
		rhs, err2 := strconv.ParseFloat(strings.TrimSpace(c.Value), 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if c.Operator == models.OpGreaterThan {
			return lhs > rhs
		}
		return lhs < rhs
	case models.OpRegex:
		re, ok := compile(c.Value)
		return ok && re.MatchString(field)
	default:
		hlog.Warnf("Conditions: unknown operator %q on field %q, treating as false", c.Operator, c.Field)
		return false
	}
}

// MatchEmail reports whether a message, given as its field map, satisfies all
// filters. An empty filter list matches every message.
func MatchEmail(filters []models.EmailFilter, fields map[string]string) bool {
	for _, f := range filters {
		if !matchFilter(f, fields[string(f.Field)]) {
			return false
		}
	}
	return true
}

func matchFilter(f models.EmailFilter, field string) bool {
	switch f.Operator {
	case models.FilterRegex:
		re, ok := compile(f.Value)
		return ok && re.MatchString(field)
	}
	// Address and subject comparisons are case-insensitive like mail clients.
	field, value := strings.ToLower(field), strings.ToLower(f.Value)
	switch f.Operator {
	case models.FilterContains:
		return strings.Contains(field, value)
	case models.FilterEquals:
		return strings.TrimSpace(field) == strings.TrimSpace(value)
	case models.FilterStartsWith:
		return strings.HasPrefix(field, value)
	case models.FilterEndsWith:
		return strings.HasSuffix(field, value)
	default:
		hlog.Warnf("Conditions: unknown email filter operator %q, treating as false", f.Operator)
		return false
	}
}

func compile(pattern string) (*regexp.Regexp, bool) {
	if re, ok := patterns.Get(pattern); ok {
		return re, true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		hlog.Warnf("Conditions: invalid regex %q evaluates to false: %v", pattern, err)
		return nil, false
	}
	patterns.Add(pattern, re)
	return re, true
}
