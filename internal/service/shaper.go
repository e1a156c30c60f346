package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"sqlpilot/internal/core"
	"sqlpilot/internal/llm"
)

// MaxResultRows bounds the rows kept on a query attempt.
const MaxResultRows = 1000

const defaultChartTitle = "Query Results"

var chartTypes = map[string]bool{"bar": true, "line": true, "pie": true, "area": true, "scatter": true}

// Shaper bounds results and picks a chart for them.
type Shaper struct {
	provider llm.Provider
	logger   *zap.Logger
}

func NewShaper(provider llm.Provider, logger *zap.Logger) *Shaper {
	return &Shaper{provider: provider, logger: logger.Named("shaper")}
}

type Shaped struct {
	Columns   []string
	Rows      []map[string]any
	Truncated bool
	Chart     Outcome[*core.ChartConfig]
}

// Shape caps the rows at MaxResultRows and derives a chart configuration. The chart is nil
// for empty results and never has an empty value-key list otherwise.
func (s *Shaper) Shape(ctx context.Context, res *ExecutionResult, question string) *Shaped {
	rows := res.Rows
	truncated := res.Truncated
	if len(rows) > MaxResultRows {
		rows = rows[:MaxResultRows]
		truncated = true
	}

	return &Shaped{
		Columns:   res.Columns,
		Rows:      rows,
		Truncated: truncated,
		Chart:     s.chart(ctx, res.Columns, rows, question),
	}
}

func (s *Shaper) chart(ctx context.Context, columns []string, rows []map[string]any, question string) Outcome[*core.ChartConfig] {
	if len(rows) == 0 || len(columns) == 0 {
		return okOutcome[*core.ChartConfig](nil)
	}
	if len(rows) == 1 && len(columns) == 1 {
		return okOutcome(&core.ChartConfig{
			ChartType: "bar",
			DataKey:   "category",
			ValueKeys: []string{columns[0]},
			Title:     defaultChartTitle,
		})
	}

	text, err := s.provider.Complete(ctx, chartPrompt(columns, rows, question), 0.2)
	if err != nil {
		s.logger.Warn("Chart suggestion failed", zap.Error(err))
		return degradedOutcome(fallbackChart(columns, rows), err)
	}

	cfg, err := parseChartSuggestion(text, columns, rows)
	if err != nil {
		s.logger.Debug("Unusable chart suggestion", zap.Error(err))
		return degradedOutcome(fallbackChart(columns, rows), err)
	}
	return okOutcome(cfg)
}

func chartPrompt(columns []string, rows []map[string]any, question string) string {
	sample := rows
	if len(sample) > 5 {
		sample = sample[:5]
	}
	sampleJSON, _ := json.MarshalIndent(sample, "", "  ")

	return fmt.Sprintf(`Given the following dataset from a SQL query about "%s", suggest the most appropriate chart type and configuration for visualizing this data.

Sample data (first 5 rows):
%s

Available columns: %s

Respond with ONLY a JSON object that includes:
1. chartType: one of "bar", "line", "pie", "area", "scatter"
2. dataKey: the column name to use for the X-axis or categories
3. valueKeys: array of column names to use for the Y-axis or values
4. title: a descriptive title for the chart
5. color: (optional) array of color hex codes if needed

The response should be valid JSON that can be directly parsed.`, question, sampleJSON, strings.Join(columns, ", "))
}

type chartSuggestion struct {
	ChartType string          `json:"chartType"`
	DataKey   string          `json:"dataKey"`
	ValueKeys []*string       `json:"valueKeys"`
	Title     string          `json:"title"`
	Color     json.RawMessage `json:"color"`
}

// parseChartSuggestion decodes the model's JSON and repairs what can be repaired: unknown
// chart types become bar, unusable value keys become the numeric columns.
func parseChartSuggestion(text string, columns []string, rows []map[string]any) (*core.ChartConfig, error) {
	var sug chartSuggestion
	if err := json.Unmarshal([]byte(core.StripCodeFences(text)), &sug); err != nil {
		return nil, fmt.Errorf("invalid chart JSON: %w", err)
	}

	known := make(map[string]bool, len(columns))
	for _, c := range columns {
		known[c] = true
	}

	cfg := &core.ChartConfig{
		ChartType: strings.ToLower(strings.TrimSpace(sug.ChartType)),
		DataKey:   sug.DataKey,
		Title:     strings.TrimSpace(sug.Title),
		Color:     parseColors(sug.Color),
	}
	if !chartTypes[cfg.ChartType] {
		cfg.ChartType = "bar"
	}
	if !known[cfg.DataKey] {
		cfg.DataKey = categoryColumn(columns, rows)
	}
	if cfg.Title == "" {
		cfg.Title = defaultChartTitle
	}

	usable := len(sug.ValueKeys) > 0
	for _, k := range sug.ValueKeys {
		if k == nil || strings.TrimSpace(*k) == "" || !known[*k] {
			usable = false
			break
		}
		cfg.ValueKeys = append(cfg.ValueKeys, *k)
	}
	if !usable {
		cfg.ValueKeys = valueColumns(columns, rows)
	}
	return cfg, nil
}

// parseColors accepts a single color string or an array of them.
func parseColors(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func fallbackChart(columns []string, rows []map[string]any) *core.ChartConfig {
	return &core.ChartConfig{
		ChartType: "bar",
		DataKey:   categoryColumn(columns, rows),
		ValueKeys: valueColumns(columns, rows),
		Title:     defaultChartTitle,
	}
}

// valueColumns returns the numeric columns of the first row, or the first column if none are.
func valueColumns(columns []string, rows []map[string]any) []string {
	var keys []string
	for _, c := range columns {
		if isNumeric(rows[0][c]) {
			keys = append(keys, c)
		}
	}
	if len(keys) == 0 {
		return []string{columns[0]}
	}
	return keys
}

// categoryColumn returns the first non-numeric column of the first row, or the first column.
func categoryColumn(columns []string, rows []map[string]any) string {
	for _, c := range columns {
		if !isNumeric(rows[0][c]) {
			return c
		}
	}
	return columns[0]
}

func isNumeric(v any) bool {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case string:
		_, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return err == nil
	case []byte:
		_, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return err == nil
	default:
		return false
	}
}
