package model

import (
	"time"
)

// Company is the subject entity a record resolves to. Records referring to
// the same organization share one company row, which accumulates enrichment
// output across jobs.
type Company struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Domain string `json:"domain,omitempty" db:"domain"`

	// Denormalized core fields mirrored out of EnrichmentData for querying.
	Industry              string `json:"industry,omitempty" db:"industry"`
	EmployeeCount         *int   `json:"employee_count,omitempty" db:"employee_count"`
	RevenueRange          string `json:"revenue_range,omitempty" db:"revenue_range"`
	HeadquartersLocation  string `json:"headquarters_location,omitempty" db:"headquarters_location"`

	EnrichmentData map[string]any `json:"enrichment_data,omitempty" db:"enrichment_data"`
	Metadata       map[string]any `json:"metadata,omitempty" db:"metadata"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	LastEnrichedAt *time.Time `json:"last_enriched_at,omitempty" db:"last_enriched_at"`
}

// MergeEnrichment folds new enrichment output into the company, later runs
// winning per key, and stamps the enrichment time. The denormalized core
// fields are refreshed from the merged map.
func (c *Company) MergeEnrichment(fields map[string]any, now time.Time) {
	if len(fields) == 0 {
		return
	}
	if c.EnrichmentData == nil {
		c.EnrichmentData = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		c.EnrichmentData[k] = v
	}
	c.LastEnrichedAt = &now

	if v, ok := c.EnrichmentData["industry"].(string); ok {
		c.Industry = v
	}
	if v, ok := c.EnrichmentData["revenue_range"].(string); ok {
		c.RevenueRange = v
	}
	if v, ok := c.EnrichmentData["headquarters_location"].(string); ok {
		c.HeadquartersLocation = v
	}
	switch n := c.EnrichmentData["employee_count"].(type) {
	case int:
		c.EmployeeCount = &n
	case int64:
		i := int(n)
		c.EmployeeCount = &i
	case float64:
		i := int(n)
		c.EmployeeCount = &i
	}
}
