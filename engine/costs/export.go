package costs

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/docchat/engine/domain"
)

// Format is an export encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts csv or json, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatJSON:
		return f, nil
	}
	return "", domain.NewValidationError("format", s, domain.ErrUnsupportedFormat)
}

// ExportColumns is the column set shared by both formats.
var ExportColumns = []string{
	"request_id", "timestamp", "model", "provider",
	"input_tokens", "output_tokens", "total_tokens",
	"input_cost", "output_cost", "total_cost", "latency_ms",
}

type exportRow struct {
	RequestID    string   `json:"request_id"`
	Timestamp    string   `json:"timestamp"`
	Model        string   `json:"model"`
	Provider     Provider `json:"provider"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	TotalTokens  int      `json:"total_tokens"`
	InputCost    float64  `json:"input_cost"`
	OutputCost   float64  `json:"output_cost"`
	TotalCost    float64  `json:"total_cost"`
	LatencyMS    int64    `json:"latency_ms"`
}

func toRow(r CostRecord) exportRow {
	return exportRow{
		RequestID:    r.RequestID,
		Timestamp:    r.Timestamp.UTC().Format(time.RFC3339Nano),
		Model:        r.Model,
		Provider:     r.Provider,
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		TotalTokens:  r.TotalTokens,
		InputCost:    r.InputCost,
		OutputCost:   r.OutputCost,
		TotalCost:    r.TotalCost,
		LatencyMS:    r.LatencyMS,
	}
}

func (r exportRow) fields() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		r.RequestID, r.Timestamp, r.Model, string(r.Provider),
		strconv.Itoa(r.InputTokens), strconv.Itoa(r.OutputTokens), strconv.Itoa(r.TotalTokens),
		f(r.InputCost), f(r.OutputCost), f(r.TotalCost), strconv.FormatInt(r.LatencyMS, 10),
	}
}

type exportDoc struct {
	PeriodDays int         `json:"period_days"`
	StartDate  string      `json:"start_date"`
	Columns    []string    `json:"columns"`
	Records    []exportRow `json:"records"`
}

// Export writes the window's records to w, oldest first.
func (t *Tracker) Export(ctx context.Context, w io.Writer, format Format, days int) error {
	if _, err := ParseFormat(string(format)); err != nil {
		return err
	}
	recs, from, err := t.records(ctx, days)
	if err != nil {
		return err
	}

	switch format {
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(ExportColumns); err != nil {
			return fmt.Errorf("costs: export csv: %w", err)
		}
		for _, r := range recs {
			if err := cw.Write(toRow(r).fields()); err != nil {
				return fmt.Errorf("costs: export csv: %w", err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("costs: export csv: %w", err)
		}
	default:
		doc := exportDoc{PeriodDays: days, StartDate: from.Format(dateLayout), Columns: ExportColumns, Records: make([]exportRow, 0, len(recs))}
		for _, r := range recs {
			doc.Records = append(doc.Records, toRow(r))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("costs: export json: %w", err)
		}
	}
	return nil
}
