package enrich

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var digitRun = regexp.MustCompile(`\d+`)

// listFields hold multiple values and are coerced to string slices.
var listFields = map[string]bool{
	"key_products_services": true,
	"competitors":           true,
}

// Normalize validates and cleans parsed model output against the requested
// field list. Only requested fields survive; each known field gets its
// type-specific coercion. Values the coercion cannot salvage become nil
// rather than dropping the key.
func Normalize(data map[string]any, fields []string) map[string]any {
	cleaned := make(map[string]any, len(fields))

	for _, field := range fields {
		value, ok := data[field]
		if !ok {
			continue
		}

		switch {
		case field == "employee_count":
			cleaned[field] = coerceEmployeeCount(value)
		case listFields[field]:
			cleaned[field] = coerceList(value)
		case field == "revenue_range":
			cleaned[field] = coerceRevenueRange(value)
		default:
			cleaned[field] = value
		}
	}
	return cleaned
}

// coerceEmployeeCount extracts an integer from values like 1000, "~1,000",
// or "1000-2000" (first digit run wins).
func coerceEmployeeCount(value any) any {
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		run := digitRun.FindString(strings.ReplaceAll(v, ",", ""))
		if run == "" {
			return nil
		}
		n, err := strconv.Atoi(run)
		if err != nil {
			return nil
		}
		return n
	default:
		return nil
	}
}

// coerceList turns a comma-separated string or scalar into a string slice.
func coerceList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, strings.TrimSpace(fmt.Sprint(item)))
		}
		return out
	case string:
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	case nil:
		return []string{}
	default:
		return []string{fmt.Sprint(v)}
	}
}

// coerceRevenueRange trims and ensures a leading dollar sign.
func coerceRevenueRange(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, "$") {
		s = "$" + s
	}
	return s
}
