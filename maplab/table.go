package maplab

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"html"
	"io"
	"log"
	"math/rand/v2"
	"path"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	lowerLetters = "abcdefghijklmnopqrstuvwxyz"
	upperLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars   = "0123456789"
)

// RandomString returns length random lowercase letters, optionally mixed with
// uppercase letters and digits. It is not suitable for secrets.
func RandomString(length int, upper, digits bool) string {
	letters := lowerLetters
	if upper {
		letters += upperLetters
	}
	if digits {
		letters += digitChars
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = letters[rand.IntN(len(letters))]
	}
	return string(b)
}

// Table is a small string-typed dataframe. Index names the column used as row
// labels, if any.
type Table struct {
	Columns []string
	Index   string
	Rows    [][]string
}

func NewTable(header []string, rows [][]string) *Table {
	t := &Table{Columns: append([]string{}, header...)}
	for _, r := range rows {
		row := make([]string, len(header))
		copy(row, r)
		t.Rows = append(t.Rows, row)
	}
	return t
}

func ParseCSVTable(data []byte) (*Table, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header row")
	}
	return NewTable(records[0], records[1:]), nil
}

// ParseSpreadsheet reads one sheet of an .xlsx workbook; an empty sheet name means
// the first sheet.
func ParseSpreadsheet(data []byte, sheet string) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", sheet)
	}
	return NewTable(rows[0], rows[1:]), nil
}

// ReadTable converts a CSV file or Excel workbook into a Table.
func ReadTable(ctx context.Context, logger *log.Logger, location string, sheet string) (*Table, error) {
	logger = orDiscard(logger)
	b, err := readSource(ctx, logger, location)
	if err != nil {
		return nil, err
	}
	var t *Table
	switch ext := strings.ToLower(path.Ext(strings.SplitN(location, "?", 2)[0])); ext {
	case ".csv", ".txt":
		t, err = ParseCSVTable(b)
	case ".xlsx", ".xlsm":
		t, err = ParseSpreadsheet(b, sheet)
	default:
		err = fmt.Errorf("unsupported spreadsheet format %q", ext)
	}
	if err != nil {
		return nil, dataSourceErr(location, err)
	}
	return t, nil
}

func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (t *Table) Column(name string) ([]string, error) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("no column %q", name)
	}
	out := make([]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[idx]
	}
	return out, nil
}

// SetIndex makes column the row label and moves it to the front.
func (t *Table) SetIndex(column string) error {
	idx := t.ColumnIndex(column)
	if idx < 0 {
		return fmt.Errorf("no column %q", column)
	}
	order := []int{idx}
	for i := range t.Columns {
		if i != idx {
			order = append(order, i)
		}
	}
	t.reorder(order)
	t.Index = column
	return nil
}

func (t *Table) ResetIndex() {
	t.Index = ""
}

func (t *Table) reorder(order []int) {
	cols := make([]string, len(order))
	for i, o := range order {
		cols[i] = t.Columns[o]
	}
	t.Columns = cols
	for r, row := range t.Rows {
		out := make([]string, len(order))
		for i, o := range order {
			out[i] = row[o]
		}
		t.Rows[r] = out
	}
}

// RenameColumns renames columns found in names and ignores the rest.
func (t *Table) RenameColumns(names map[string]string) error {
	renamed := make([]string, len(t.Columns))
	seen := map[string]bool{}
	for i, c := range t.Columns {
		n := c
		if to, ok := names[c]; ok {
			n = to
		}
		if seen[n] {
			return fmt.Errorf("duplicate column %q after rename", n)
		}
		seen[n] = true
		renamed[i] = n
	}
	if to, ok := names[t.Index]; ok && t.Index != "" {
		t.Index = to
	}
	t.Columns = renamed
	return nil
}

func (t *Table) DropColumns(columns ...string) error {
	drop := map[int]bool{}
	for _, c := range columns {
		idx := t.ColumnIndex(c)
		if idx < 0 {
			return fmt.Errorf("no column %q", c)
		}
		drop[idx] = true
		if c == t.Index {
			t.Index = ""
		}
	}
	var keep []int
	for i := range t.Columns {
		if !drop[i] {
			keep = append(keep, i)
		}
	}
	t.reorder(keep)
	return nil
}

// SelectColumns returns a new table with only the given columns, in that order.
func (t *Table) SelectColumns(columns ...string) (*Table, error) {
	order := make([]int, len(columns))
	for i, c := range columns {
		idx := t.ColumnIndex(c)
		if idx < 0 {
			return nil, fmt.Errorf("no column %q", c)
		}
		order[i] = idx
	}
	out := NewTable(t.Columns, t.Rows)
	out.reorder(order)
	if out.ColumnIndex(t.Index) >= 0 {
		out.Index = t.Index
	}
	return out, nil
}

type AggFunc string

const (
	AggSum   AggFunc = "sum"
	AggMean  AggFunc = "mean"
	AggCount AggFunc = "count"
	AggMin   AggFunc = "min"
	AggMax   AggFunc = "max"
)

func ParseAggFunc(s string) (AggFunc, error) {
	switch f := AggFunc(strings.ToLower(s)); f {
	case AggSum, AggMean, AggCount, AggMin, AggMax:
		return f, nil
	}
	return "", fmt.Errorf("unknown aggregation %q", s)
}

type Grouped struct {
	table *Table
	keys  []int
}

func (t *Table) GroupBy(keys ...string) (*Grouped, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("group by needs at least one column")
	}
	idx := make([]int, len(keys))
	for i, k := range keys {
		idx[i] = t.ColumnIndex(k)
		if idx[i] < 0 {
			return nil, fmt.Errorf("no column %q", k)
		}
	}
	return &Grouped{table: t, keys: idx}, nil
}

// Agg reduces column per group. Groups keep the order in which they first appear.
// Empty cells are skipped; count counts the non-empty cells.
func (g *Grouped) Agg(column string, fn AggFunc) (*Table, error) {
	col := g.table.ColumnIndex(column)
	if col < 0 {
		return nil, fmt.Errorf("no column %q", column)
	}
	type acc struct {
		key   []string
		sum   float64
		min   float64
		max   float64
		count int
	}
	var order []string
	groups := map[string]*acc{}
	for _, row := range g.table.Rows {
		key := make([]string, len(g.keys))
		for i, k := range g.keys {
			key[i] = row[k]
		}
		id := strings.Join(key, "\x00")
		a, ok := groups[id]
		if !ok {
			a = &acc{key: key}
			groups[id] = a
			order = append(order, id)
		}
		cell := strings.TrimSpace(row[col])
		if cell == "" {
			continue
		}
		if fn != AggCount {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("column %q value %q is not numeric", column, cell)
			}
			if a.count == 0 || v < a.min {
				a.min = v
			}
			if a.count == 0 || v > a.max {
				a.max = v
			}
			a.sum += v
		}
		a.count++
	}

	header := make([]string, 0, len(g.keys)+1)
	for _, k := range g.keys {
		header = append(header, g.table.Columns[k])
	}
	header = append(header, column)
	out := &Table{Columns: header}
	for _, id := range order {
		a := groups[id]
		var v float64
		switch fn {
		case AggSum:
			v = a.sum
		case AggMean:
			if a.count > 0 {
				v = a.sum / float64(a.count)
			}
		case AggCount:
			v = float64(a.count)
		case AggMin:
			v = a.min
		case AggMax:
			v = a.max
		default:
			return nil, fmt.Errorf("unknown aggregation %q", fn)
		}
		row := append(append([]string{}, a.key...), strconv.FormatFloat(v, 'f', -1, 64))
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// HTML renders the table as an HTML <table>.
func (t *Table) HTML() string {
	var b strings.Builder
	b.WriteString("<table>\n<thead><tr>")
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "<th>%s</th>", html.EscapeString(c))
	}
	b.WriteString("</tr></thead>\n<tbody>\n")
	for _, row := range t.Rows {
		b.WriteString("<tr>")
		for i, cell := range row {
			tag := "td"
			if t.Index != "" && t.Columns[i] == t.Index {
				tag = "th"
			}
			fmt.Fprintf(&b, "<%s>%s</%s>", tag, html.EscapeString(cell), tag)
		}
		b.WriteString("</tr>\n")
	}
	b.WriteString("</tbody>\n</table>\n")
	return b.String()
}
