package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Required input columns, matched by header name.
const (
	ColSerial = "S. No."
	ColLabel  = "Product Name"
	ColRefs   = "Input Image Urls"
)

// ItemSpec is one parsed input row: the work item specification the engine
// persists before reading the next row.
type ItemSpec struct {
	Seq        int
	Label      string
	SourceRefs []string
}

// RowError reports a malformed data row. The stream is strict: a RowError
// aborts the remainder of the parse.
type RowError struct {
	Line  int
	Field string
	Msg   string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: field %q: %s", e.Line, e.Field, e.Msg)
}

// CSV streams work item specifications out of a delimited input with a header
// row. The sequence is lazy, finite and non-restartable.
type CSV struct {
	r    *csv.Reader
	cols map[string]int
	line int
}

func NewCSV(r io.Reader) (*CSV, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty input: missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{ColSerial, ColLabel, ColRefs} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	return &CSV{r: cr, cols: cols, line: 1}, nil
}

// Next returns the next specification, io.EOF at end of input, or a *RowError
// on a malformed row. Blank rows are skipped.
func (p *CSV) Next() (ItemSpec, error) {
	for {
		record, err := p.r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ItemSpec{}, io.EOF
			}
			return ItemSpec{}, fmt.Errorf("read row: %w", err)
		}
		p.line++

		if isBlank(record) {
			continue
		}

		serialRaw := p.field(record, ColSerial)
		if serialRaw == "" {
			return ItemSpec{}, &RowError{Line: p.line, Field: ColSerial, Msg: "missing"}
		}
		seq, err := strconv.Atoi(serialRaw)
		if err != nil {
			return ItemSpec{}, &RowError{Line: p.line, Field: ColSerial, Msg: "not a number"}
		}

		label := p.field(record, ColLabel)
		if label == "" {
			return ItemSpec{}, &RowError{Line: p.line, Field: ColLabel, Msg: "missing"}
		}

		refs := SplitRefs(p.field(record, ColRefs))
		if len(refs) == 0 {
			return ItemSpec{}, &RowError{Line: p.line, Field: ColRefs, Msg: "missing"}
		}

		return ItemSpec{Seq: seq, Label: label, SourceRefs: refs}, nil
	}
}

func (p *CSV) field(record []string, col string) string {
	idx := p.cols[col]
	if idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// SplitRefs splits a comma-delimited reference list, trimming whitespace and
// dropping empty pieces. Duplicates are preserved.
func SplitRefs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
