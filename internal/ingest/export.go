package ingest

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/valkyrie-data/enrich-cli/internal/model"
	"github.com/valkyrie-data/enrich-cli/internal/store"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Exporter writes a job's enrichment results to a file.
type Exporter struct {
	store store.Store
}

// NewExporter creates an Exporter.
func NewExporter(st store.Store) *Exporter {
	return &Exporter{store: st}
}

// ExportJob writes the job's records to path in the given format and
// stamps the job's output file. The output contains every record,
// including failed and skipped ones, so no input row silently disappears.
func (e *Exporter) ExportJob(ctx context.Context, jobID, path, format string) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "ingest: load job %s", jobID)
	}
	records, err := e.store.ListRecords(ctx, jobID, store.RecordFilter{})
	if err != nil {
		return eris.Wrapf(err, "ingest: list records for job %s", jobID)
	}

	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "ingest: create %s", path)
	}
	defer f.Close()

	switch format {
	case FormatCSV:
		err = WriteRecordsCSV(f, job, records)
	case FormatJSON:
		err = WriteRecordsJSON(f, records)
	default:
		return eris.Errorf("ingest: unknown export format %q", format)
	}
	if err != nil {
		return err
	}

	if err := e.store.SetJobOutputFile(ctx, jobID, path); err != nil {
		return eris.Wrapf(err, "ingest: set output file for job %s", jobID)
	}
	zap.L().Info("job exported",
		zap.String("job_id", jobID),
		zap.String("path", path),
		zap.String("format", format),
		zap.Int("records", len(records)),
	)
	return nil
}

// WriteRecordsCSV writes records as CSV: the original input columns, then
// one column per configured enrichment field, then record outcome columns.
func WriteRecordsCSV(w io.Writer, job *model.Job, records []model.Record) error {
	inputCols := inputColumns(job, records)
	fields := job.Configuration.Normalize().Fields
	header := make([]string, 0, len(inputCols)+len(fields)+3)
	header = append(header, inputCols...)
	header = append(header, fields...)
	header = append(header, "enrichment_status", "error_message", "retry_count")

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "ingest: write header")
	}
	for _, rec := range records {
		row := make([]string, 0, len(header))
		for _, col := range inputCols {
			row = append(row, rec.OriginalData[col])
		}
		for _, field := range fields {
			row = append(row, formatValue(rec.EnrichedData[field]))
		}
		row = append(row, string(rec.Status), rec.ErrorMessage, strconv.Itoa(rec.RetryCount))
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "ingest: write row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "ingest: flush")
}

// WriteRecordsJSON writes records as a JSON array.
func WriteRecordsJSON(w io.Writer, records []model.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(records), "ingest: encode records")
}

// jobSummaryRow is the CSV shape of a job listing.
type jobSummaryRow struct {
	ID         string  `csv:"id"`
	Status     string  `csv:"status"`
	InputFile  string  `csv:"input_file"`
	Total      int     `csv:"total_records"`
	Processed  int     `csv:"processed_records"`
	Errors     int     `csv:"error_count"`
	Completion float64 `csv:"completion_pct"`
	CreatedAt  string  `csv:"created_at"`
}

// WriteJobsCSV writes a job listing as CSV.
func WriteJobsCSV(w io.Writer, jobs []model.Job) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	for i := range jobs {
		job := &jobs[i]
		row := jobSummaryRow{
			ID:         job.ID,
			Status:     string(job.Status),
			InputFile:  job.InputFile,
			Total:      job.TotalRecords,
			Processed:  job.ProcessedRecords,
			Errors:     job.ErrorCount,
			Completion: job.CompletionPercentage(),
			CreatedAt:  job.CreatedAt.Format(time.RFC3339),
		}
		if err := enc.Encode(row); err != nil {
			return eris.Wrap(err, "ingest: encode job row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "ingest: flush")
}

// inputColumns recovers the original column order from the job's import
// metadata, falling back to the sorted union of record keys for jobs
// created elsewhere.
func inputColumns(job *model.Job, records []model.Record) []string {
	if raw, ok := job.Metadata[metaCSVHeaders]; ok {
		switch v := raw.(type) {
		case []string:
			return nonEmpty(v)
		case []any:
			cols := make([]string, 0, len(v))
			for _, c := range v {
				if s, ok := c.(string); ok {
					cols = append(cols, s)
				}
			}
			return nonEmpty(cols)
		}
	}

	seen := make(map[string]bool)
	var cols []string
	for _, rec := range records {
		for k := range rec.OriginalData {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)
	return cols
}

func nonEmpty(cols []string) []string {
	out := cols[:0]
	for _, c := range cols {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// formatValue flattens an enrichment value into a CSV cell. Lists join
// with "; " to keep the cell readable.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, "; ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, formatValue(e))
		}
		return strings.Join(parts, "; ")
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
