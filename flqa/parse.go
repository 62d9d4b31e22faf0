package flqa

import (
	"encoding/csv"
	"io"
	"strings"
)

// RawRecord is one CSV data row keyed by header name. Headers vary between
// source exports, so lookups go through the alias table (see normalize.go),
// never through column positions.
type RawRecord map[string]string

// ParseCSV turns raw delimited text into header-keyed records.
// Row 1 is the header row. Quoted fields may contain commas and doubled
// quotes (`""` becomes one literal `"`). Fields are trimmed. A data row
// shorter than the header row is padded with empty strings. Blank lines
// are dropped. Empty input yields an empty slice.
func ParseCSV(text string) []RawRecord {
	r := csv.NewReader(strings.NewReader(text))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return []RawRecord{}
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	out := []RawRecord{}
	for {
		cols, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed line: degrade by skipping it, never abort the import.
			continue
		}
		if isBlankLine(cols) {
			continue
		}
		row := make(RawRecord, len(header))
		for c, h := range header {
			if c < len(cols) {
				row[h] = strings.TrimSpace(cols[c])
			} else {
				row[h] = ""
			}
		}
		out = append(out, row)
	}
	return out
}

// isBlankLine reports whether the parsed record came from a line with no
// content at all. A row like ",," is NOT blank: it carries explicit empty
// fields and must still be classified downstream.
func isBlankLine(cols []string) bool {
	return len(cols) == 0 || (len(cols) == 1 && strings.TrimSpace(cols[0]) == "")
}
