package lcfit

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is a whitespace separated SNANA table: a VARNAMES header followed
// by SN: (or similar tagged) rows.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Column returns the index of name, ignoring case.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// ReadTable parses an SNANA text table from path.
func ReadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("lcfit: open %s: %w", path, err)
	}
	defer f.Close()
	tbl, err := ParseTable(f)
	if err != nil {
		return Table{}, fmt.Errorf("lcfit: %s: %w", path, err)
	}
	return tbl, nil
}

// ParseTable parses an SNANA text table. Rows before the header, blank
// lines and comments are skipped.
func ParseTable(r io.Reader) (Table, error) {
	var tbl Table
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		tag := fields[0]
		if tag == "VARNAMES:" {
			tbl.Columns = fields[1:]
			continue
		}
		if !strings.HasSuffix(tag, ":") || tbl.Columns == nil {
			continue
		}
		values := fields[1:]
		if len(values) != len(tbl.Columns) {
			return Table{}, fmt.Errorf("line %d: %d values for %d columns", line, len(values), len(tbl.Columns))
		}
		tbl.Rows = append(tbl.Rows, values)
	}
	if err := scanner.Err(); err != nil {
		return Table{}, err
	}
	if tbl.Columns == nil {
		return Table{}, fmt.Errorf("no VARNAMES header")
	}
	return tbl, nil
}
