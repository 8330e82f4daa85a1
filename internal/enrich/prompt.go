package enrich

import (
	"fmt"
	"sort"
	"strings"
)

const systemPrompt = `You are a business data analyst. Provide accurate, factual information about companies. Respond only with JSON.`

// fieldDescriptions documents each known enrichment field for the prompt.
var fieldDescriptions = map[string]string{
	"industry":              "Primary industry or sector (e.g., 'Technology', 'Healthcare', 'Finance')",
	"employee_count":        "Estimated number of employees (integer)",
	"revenue_range":         "Annual revenue range (e.g., '$10M-$50M', '$100M-$500M')",
	"headquarters_location": "City, State/Country of headquarters",
	"company_description":   "Brief description of what the company does (2-3 sentences)",
	"key_products_services": "Main products or services offered (list)",
	"target_market":         "Primary customer segments or markets",
	"competitors":           "Main competitors (list of company names)",
}

// BuildPrompt renders the user prompt for one enrichment call. Existing
// input data is included as context; the requested fields become a JSON
// skeleton the model fills in.
func BuildPrompt(companyName string, existing map[string]string, fields []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Provide accurate information about the following company.\n\nCompany Name: %s\n", companyName)

	if len(existing) > 0 {
		b.WriteString("\nExisting Information:\n")
		keys := make([]string, 0, len(existing))
		for k := range existing {
			if existing[k] != "" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, existing[k])
		}
	}

	b.WriteString("\nPlease provide the following information in JSON format:\n{")
	for i, field := range fields {
		desc, ok := fieldDescriptions[field]
		if !ok {
			desc = "Information about " + field
		}
		fmt.Fprintf(&b, "\n  %q: %q", field, desc)
		if i < len(fields)-1 {
			b.WriteString(",")
		}
	}
	b.WriteString("\n}\n\nProvide only the JSON response with accurate, factual information. If information is not available for a field, use null.")

	return b.String()
}
