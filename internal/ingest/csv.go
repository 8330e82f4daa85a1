// Package ingest moves tabular company data in and out of the store: CSV
// import into jobs and records, CSV/JSON export of enrichment results.
package ingest

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/valkyrie-data/enrich-cli/internal/audit"
	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// nameColumns are the input headers accepted as the company name, in
// priority order.
var nameColumns = []string{"company_name", "name", "company"}

// metadata keys stamped on imported jobs.
const (
	metaCSVHeaders = "csv_headers"
	metaSourceFile = "source_file"
	metaRowsRead   = "rows_read"
)

// Importer turns CSV input into a pending job with one record per row.
type Importer struct {
	store store.Store
	sink  audit.Sink
}

// NewImporter creates an Importer.
func NewImporter(st store.Store, sink audit.Sink) *Importer {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Importer{store: st, sink: sink}
}

// ImportFile imports a CSV file from disk.
func (im *Importer) ImportFile(ctx context.Context, path string, cfg model.JobConfig) (*model.Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close()
	return im.Import(ctx, f, filepath.Base(path), cfg)
}

// Import reads CSV rows and creates a pending job holding them. The first
// row is the header; headers are normalized to snake_case. One of the
// recognized company-name columns must be present. Fully empty rows are
// dropped; rows with a blank name are kept and will fail enrichment
// individually rather than blocking the import.
func (im *Importer) Import(ctx context.Context, r io.Reader, sourceName string, cfg model.JobConfig) (*model.Job, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rawHeader, err := reader.Read()
	if err == io.EOF {
		return nil, &model.ValidationError{Reason: "input is empty"}
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read header")
	}

	headers := normalizeHeaders(rawHeader)
	if _, ok := findNameColumn(headers); !ok {
		return nil, &model.ValidationError{
			Field:  "header",
			Reason: "no company name column (expected one of: " + strings.Join(nameColumns, ", ") + ")",
		}
	}

	var rows []map[string]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read row")
		}
		data := make(map[string]string, len(headers))
		empty := true
		for i, h := range headers {
			if h == "" || i >= len(row) {
				continue
			}
			v := strings.TrimSpace(row[i])
			data[h] = v
			if v != "" {
				empty = false
			}
		}
		if empty {
			continue
		}
		rows = append(rows, data)
	}
	if len(rows) == 0 {
		return nil, &model.ValidationError{Reason: "input has no data rows"}
	}

	metadata := map[string]any{
		metaCSVHeaders: headers,
		metaSourceFile: sourceName,
		metaRowsRead:   len(rows),
	}
	job, err := im.store.CreateJob(ctx, sourceName, cfg.Normalize(), metadata)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: create job")
	}

	now := time.Now().UTC()
	records := make([]model.Record, len(rows))
	for i, data := range rows {
		records[i] = model.Record{
			ID:           uuid.New().String(),
			JobID:        job.ID,
			Status:       model.RecordStatusPending,
			OriginalData: data,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	created, err := im.store.CreateRecords(ctx, records)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: create records for job %s", job.ID)
	}
	job.TotalRecords = created

	// Pre-register companies for rows that carry a domain so enrichment
	// output lands on a stable company row regardless of worker ordering.
	if companies := companiesFromRows(rows); len(companies) > 0 {
		if n, err := im.store.UpsertCompanies(ctx, companies); err != nil {
			zap.L().Warn("company pre-registration failed", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			zap.L().Debug("companies registered", zap.String("job_id", job.ID), zap.Int("companies", n))
		}
	}

	im.sink.Append(ctx, audit.JobEvent(job.ID, audit.ActionJobCreated, map[string]any{
		"source_file": sourceName,
		"records":     created,
	}))
	zap.L().Info("csv imported",
		zap.String("job_id", job.ID),
		zap.String("source_file", sourceName),
		zap.Int("records", created),
	)
	return job, nil
}

// normalizeHeaders lowercases headers and folds whitespace runs into
// underscores so downstream lookups are stable.
func normalizeHeaders(raw []string) []string {
	out := make([]string, len(raw))
	for i, h := range raw {
		h = strings.ToLower(strings.TrimSpace(h))
		h = strings.Join(strings.Fields(h), "_")
		out[i] = h
	}
	return out
}

// companiesFromRows extracts name+domain pairs suitable for bulk company
// registration. Rows without both are left to enrichment-time resolution.
func companiesFromRows(rows []map[string]string) []model.Company {
	var companies []model.Company
	for _, data := range rows {
		name := firstValue(data, nameColumns)
		domain := firstValue(data, []string{"domain", "website", "url"})
		if name == "" || domain == "" {
			continue
		}
		companies = append(companies, model.Company{Name: name, Domain: domain})
	}
	return companies
}

func firstValue(data map[string]string, keys []string) string {
	for _, k := range keys {
		if v := data[k]; v != "" {
			return v
		}
	}
	return ""
}

func findNameColumn(headers []string) (string, bool) {
	set := make(map[string]bool, len(headers))
	for _, h := range headers {
		set[h] = true
	}
	for _, c := range nameColumns {
		if set[c] {
			return c, true
		}
	}
	return "", false
}
