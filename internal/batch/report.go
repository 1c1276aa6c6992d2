package batch

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/adverant/nexus/meterread-worker/internal/ocr"
)

// StrategySummary aggregates the rows of one strategy. MeanConfidence only
// counts successful rows.
type StrategySummary struct {
	Strategy       ocr.StrategyID `json:"strategy"`
	Count          int            `json:"count"`
	Successes      int            `json:"successes"`
	SuccessRate    float64        `json:"success_rate"`
	MeanConfidence float64        `json:"mean_confidence"`
	MeanTimeMs     float64        `json:"mean_time_ms"`
}

// Summary groups the rows by strategy in the order strategies first appear.
func (rep *Report) Summary() []StrategySummary {
	index := make(map[ocr.StrategyID]int)
	var out []StrategySummary
	confSum := make(map[ocr.StrategyID]float64)
	timeSum := make(map[ocr.StrategyID]float64)

	for _, row := range rep.Rows {
		i, ok := index[row.Strategy]
		if !ok {
			i = len(out)
			index[row.Strategy] = i
			out = append(out, StrategySummary{Strategy: row.Strategy})
		}
		out[i].Count++
		timeSum[row.Strategy] += row.ProcessingTimeMs
		if row.Success {
			out[i].Successes++
			confSum[row.Strategy] += row.Confidence
		}
	}

	for i := range out {
		s := &out[i]
		s.SuccessRate = 100 * float64(s.Successes) / float64(s.Count)
		s.MeanTimeMs = timeSum[s.Strategy] / float64(s.Count)
		if s.Successes > 0 {
			s.MeanConfidence = confSum[s.Strategy] / float64(s.Successes)
		}
	}
	return out
}

var csvHeader = []string{"image", "strategy", "success", "reading_kwh", "confidence", "processing_time_ms", "meter_type", "best", "error"}

// WriteCSV writes one line per row. Failed readings are empty cells.
func (rep *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rep.Rows {
		reading := ""
		if row.ReadingKWh != nil {
			reading = strconv.FormatFloat(*row.ReadingKWh, 'f', -1, 64)
		}
		meterType := ""
		if row.MeterType != nil {
			meterType = string(*row.MeterType)
		}
		record := []string{
			row.Image,
			string(row.Strategy),
			strconv.FormatBool(row.Success),
			reading,
			strconv.FormatFloat(row.Confidence, 'f', 2, 64),
			strconv.FormatFloat(row.ProcessingTimeMs, 'f', 1, 64),
			meterType,
			strconv.FormatBool(row.Best),
			row.Error,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the report together with its summary.
func (rep *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*Report
		Summary []StrategySummary `json:"summary"`
	}{rep, rep.Summary()})
}

// WriteTable prints the per-image rows followed by the per-strategy summary.
func (rep *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "IMAGE\tSTRATEGY\tOK\tREADING\tCONF\tTIME(ms)")
	for _, row := range rep.Rows {
		reading := "-"
		if row.ReadingKWh != nil {
			reading = strconv.FormatFloat(*row.ReadingKWh, 'f', -1, 64)
		}
		mark := ""
		if row.Best {
			mark = " *"
		}
		fmt.Fprintf(tw, "%s\t%s%s\t%t\t%s\t%.1f\t%.1f\n",
			row.Image, row.Strategy, mark, row.Success, reading, row.Confidence, row.ProcessingTimeMs)
	}

	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "STRATEGY\tCOUNT\tSUCCESS(%)\tMEAN CONF\tMEAN TIME(ms)")
	for _, s := range rep.Summary() {
		fmt.Fprintf(tw, "%s\t%d\t%.1f\t%.1f\t%.1f\n", s.Strategy, s.Count, s.SuccessRate, s.MeanConfidence, s.MeanTimeMs)
	}
	fmt.Fprintf(tw, "\n%d images in %.0f ms\n", rep.Images, rep.TotalTimeMs)

	return tw.Flush()
}
