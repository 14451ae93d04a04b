package services

import (
	"fmt"
	"sort"
	"strings"

	"chatrelay/internal/models"
)

// ContextFormatter turns a user bundle, the global instructions and vector
// search hits into the context text placed ahead of the conversation.
// Output depends only on its inputs, so equal inputs give identical text.
type ContextFormatter struct {
	rowThreshold  int
	sampleRows    int
	maxFieldChars int
	maxChars      int
}

// NewContextFormatter creates a formatter. Tables with more than rowThreshold
// rows are summarized by count plus a few sample rows.
func NewContextFormatter(rowThreshold int) *ContextFormatter {
	if rowThreshold <= 0 {
		rowThreshold = 5
	}
	samples := 3
	if samples > rowThreshold {
		samples = rowThreshold
	}
	return &ContextFormatter{
		rowThreshold:  rowThreshold,
		sampleRows:    samples,
		maxFieldChars: 300,
		maxChars:      24000,
	}
}

// fields never shown to the model
var hiddenFields = map[string]bool{
	"id":       true,
	"owner_id": true,
	"ownerId":  true,
	"password": true,
}

// Format renders bundle and instructions. A nil bundle yields instructions only.
func (f *ContextFormatter) Format(bundle *models.UserContextBundle, instructions []models.Instruction) string {
	var b strings.Builder

	if len(instructions) > 0 {
		b.WriteString("## Global Instructions\n")
		n := 0
		for _, inst := range instructions {
			content := strings.TrimSpace(inst.Content)
			if content == "" {
				continue
			}
			n++
			fmt.Fprintf(&b, "%d. %s", n, content)
			if inst.SourceURL != "" {
				fmt.Fprintf(&b, " (source: %s)", inst.SourceURL)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	if bundle != nil {
		if line := f.formatRecord(bundle.Profile); line != "" {
			b.WriteString("## User Profile\n")
			for _, field := range sortedFields(bundle.Profile) {
				if v := f.formatValue(bundle.Profile[field]); v != "" {
					fmt.Fprintf(&b, "- %s: %s\n", field, v)
				}
			}
			b.WriteString("\n")
		}

		tables := make([]string, 0, len(bundle.TableSlices))
		for table := range bundle.TableSlices {
			tables = append(tables, table)
		}
		sort.Strings(tables)

		for _, table := range tables {
			f.formatTable(&b, table, bundle.TableSlices[table])
		}
	}

	return f.bound(strings.TrimRight(b.String(), "\n"))
}

func (f *ContextFormatter) formatTable(b *strings.Builder, table string, rows []models.Record) {
	if len(rows) == 0 {
		return
	}

	shown := rows
	if len(rows) > f.rowThreshold {
		fmt.Fprintf(b, "## %s (%d records, showing %d most recent)\n", table, len(rows), f.sampleRows)
		shown = rows[:f.sampleRows]
	} else {
		fmt.Fprintf(b, "## %s (%d records)\n", table, len(rows))
	}

	for _, row := range shown {
		if line := f.formatRecord(row); line != "" {
			fmt.Fprintf(b, "- %s\n", line)
		}
	}
	b.WriteString("\n")
}

// FormatRelevant renders vector search hits, or "" when there are none
func (f *ContextFormatter) FormatRelevant(historyHits, instructionHits []models.VectorSearchHit) string {
	var b strings.Builder

	if lines := hitLines(historyHits, f.maxFieldChars, true); len(lines) > 0 {
		b.WriteString("## Relevant Past Messages\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n\n")
	}
	if lines := hitLines(instructionHits, f.maxFieldChars, false); len(lines) > 0 {
		b.WriteString("## Relevant Instructions\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}
	return f.bound(strings.TrimRight(b.String(), "\n"))
}

func hitLines(hits []models.VectorSearchHit, maxChars int, withRole bool) []string {
	lines := make([]string, 0, len(hits))
	for _, hit := range hits {
		text := strings.TrimSpace(hit.Text())
		if text == "" {
			continue
		}
		text = truncateUTF8(text, maxChars)
		if role := hit.Role(); withRole && role != "" {
			lines = append(lines, fmt.Sprintf("- [%s] %s", role, text))
		} else {
			lines = append(lines, "- "+text)
		}
	}
	return lines
}

func (f *ContextFormatter) formatRecord(rec models.Record) string {
	parts := make([]string, 0, len(rec))
	for _, field := range sortedFields(rec) {
		if v := f.formatValue(rec[field]); v != "" {
			parts = append(parts, field+"="+v)
		}
	}
	return strings.Join(parts, ", ")
}

func (f *ContextFormatter) formatValue(v interface{}) string {
	var s string
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		s = val
	case bool, float64, float32, int, int32, int64:
		s = fmt.Sprint(val)
	default:
		// maps print with sorted keys, so this stays deterministic
		s = fmt.Sprintf("%v", val)
	}
	s = strings.Join(strings.Fields(s), " ")
	return truncateUTF8(s, f.maxFieldChars)
}

func (f *ContextFormatter) bound(s string) string {
	if len(s) <= f.maxChars {
		return s
	}
	return truncateUTF8(s, f.maxChars) + "\n[context truncated]"
}

func sortedFields(rec models.Record) []string {
	fields := make([]string, 0, len(rec))
	for field := range rec {
		if hiddenFields[field] {
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
