package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"product-import-service/internal/models"
)

var (
	ErrMissingColumns = errors.New("missing required columns")
	ErrEmptyFile      = errors.New("file has no header row")
)

var requiredColumns = []string{"sku", "name"}

// ParsedRow is a data row that passed validation.
type ParsedRow struct {
	Line        int
	SKU         string
	Name        string
	Description *string
	Price       *float64
}

// RowError is a data row that failed validation. It is counted and skipped.
type RowError struct {
	Line   int
	Reason string
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Row is one item of the parsed stream: exactly one of Parsed or Err is set.
type Row struct {
	Parsed *ParsedRow
	Err    *RowError
}

// Parser yields rows from a CSV stream one at a time.
type Parser struct {
	reader  *csv.Reader
	columns map[string]int
}

func newCSVReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true
	return reader
}

// NewParser reads and validates the header row.
func NewParser(r io.Reader) (*Parser, error) {
	reader := newCSVReader(r)

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(headers))
	for i, h := range headers {
		name := normalizeHeader(h)
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := columns[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	return &Parser{reader: reader, columns: columns}, nil
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimSpace(strings.TrimSuffix(h, "*"))
}

// Next returns the next row, or io.EOF once the stream is exhausted. Any other
// error means the stream itself is unreadable.
func (p *Parser) Next() (Row, error) {
	record, err := p.reader.Read()
	if err != nil {
		if err == io.EOF {
			return Row{}, io.EOF
		}
		return Row{}, fmt.Errorf("failed to read CSV record: %w", err)
	}

	line, _ := p.reader.FieldPos(0)
	return p.parseRecord(line, record), nil
}

func (p *Parser) field(record []string, name string) (string, bool) {
	idx, ok := p.columns[name]
	if !ok || idx >= len(record) {
		return "", ok
	}
	return strings.TrimSpace(record[idx]), true
}

func (p *Parser) parseRecord(line int, record []string) Row {
	sku, _ := p.field(record, "sku")
	name, _ := p.field(record, "name")

	switch {
	case sku == "" && name == "":
		return Row{Err: &RowError{Line: line, Reason: "sku and name are required"}}
	case sku == "":
		return Row{Err: &RowError{Line: line, Reason: "sku is required"}}
	case name == "":
		return Row{Err: &RowError{Line: line, Reason: "name is required"}}
	}

	desc, _ := p.field(record, "description")
	if reason := checkText(sku, name, desc); reason != "" {
		return Row{Err: &RowError{Line: line, Reason: reason}}
	}

	row := &ParsedRow{Line: line, SKU: sku, Name: name}
	if desc != "" {
		row.Description = &desc
	}

	if raw, ok := p.field(record, "price"); ok && raw != "" {
		price, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(price) || math.IsInf(price, 0) {
			return Row{Err: &RowError{Line: line, Reason: fmt.Sprintf("invalid price %q", raw)}}
		}
		if price < 0 {
			return Row{Err: &RowError{Line: line, Reason: fmt.Sprintf("price cannot be negative: %s", raw)}}
		}
		row.Price = &price
	}

	return Row{Parsed: row}
}

// checkText rejects values the products table cannot store.
func checkText(sku, name, description string) string {
	for _, f := range []struct{ column, value string }{
		{"sku", sku}, {"name", name}, {"description", description},
	} {
		if !utf8.ValidString(f.value) {
			return f.column + " is not valid UTF-8"
		}
		if strings.ContainsRune(f.value, 0) {
			return f.column + " contains a NUL byte"
		}
	}
	if utf8.RuneCountInString(sku) > models.MaxSKULength || utf8.RuneCountInString(models.NormalizeSKU(sku)) > models.MaxSKULength {
		return fmt.Sprintf("sku exceeds %d characters", models.MaxSKULength)
	}
	if utf8.RuneCountInString(name) > models.MaxNameLength {
		return fmt.Sprintf("name exceeds %d characters", models.MaxNameLength)
	}
	return ""
}

// CountRows returns the number of data rows after the header, using the same
// tokenization as Parser so the two always agree.
func CountRows(r io.Reader) (int, error) {
	reader := newCSVReader(r)

	if _, err := reader.Read(); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}

	count := 0
	for {
		_, err := reader.Read()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to read CSV record: %w", err)
		}
		count++
	}
}
