// Package lineedit edits ordered key/value line documents such as SNANA
// input files and fortran namelists while keeping unrelated lines intact.
package lineedit

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Syntax controls how a set line is rendered.
type Syntax struct {
	// Assign separates key and value, e.g. ": " or " = ".
	Assign string
	// Indent prefixes every written line.
	Indent string
}

// Colon is the SNANA simulation input syntax.
var Colon = Syntax{Assign: ": "}

// Namelist is the fortran namelist syntax used by fit inputs.
var Namelist = Syntax{Assign: " = ", Indent: "  "}

// Document is an ordered sequence of lines.
type Document struct {
	lines  []string
	syntax Syntax
}

// New wraps a copy of lines.
func New(lines []string, syntax Syntax) *Document {
	return &Document{lines: append([]string(nil), lines...), syntax: syntax}
}

// MaxLineSize bounds a single line of a parsed document.
const MaxLineSize = 1024 * 1024

// Parse splits text into lines. A line longer than MaxLineSize is an error.
func Parse(text string, syntax Syntax) (*Document, error) {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("lineedit: line %d: %w", len(lines)+1, err)
	}
	return &Document{lines: lines, syntax: syntax}, nil
}

// Load reads the document at path.
func Load(path string, syntax Syntax) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lineedit: read %s: %w", path, err)
	}
	doc, err := Parse(string(data), syntax)
	if err != nil {
		return nil, fmt.Errorf("%w in %s", err, path)
	}
	return doc, nil
}

type edit struct {
	assign       string
	sectionStart string
	sectionEnd   string
}

// Option tweaks a single edit.
type Option func(*edit)

// Assign overrides the document's assignment token for one edit.
func Assign(token string) Option {
	return func(e *edit) { e.assign = token }
}

// InSection limits the edit to lines after start and inserts missing keys
// before end. Either may be empty.
func InSection(start, end string) Option {
	return func(e *edit) {
		e.sectionStart = start
		e.sectionEnd = end
	}
}

func (d *Document) options(opts []Option) edit {
	e := edit{assign: d.syntax.Assign}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (d *Document) render(key, value string, e edit) string {
	return d.syntax.Indent + key + e.assign + value
}

// SetUnique replaces the first line for key or inserts one. Missing keys go
// before the section end marker when one is present, otherwise at the end.
func (d *Document) SetUnique(key, value string, opts ...Option) {
	e := d.options(opts)
	line := d.render(key, value, e)
	reached := e.sectionStart == ""
	for i, existing := range d.lines {
		trimmed := strings.TrimSpace(existing)
		if !reached {
			if strings.HasPrefix(trimmed, e.sectionStart) {
				reached = true
			}
			continue
		}
		if matchesKey(trimmed, key) {
			d.lines[i] = line
			return
		}
		if e.sectionEnd != "" && strings.HasPrefix(trimmed, e.sectionEnd) {
			d.insert(i, line)
			return
		}
	}
	d.lines = append(d.lines, line)
}

// SetRepeatable adds key/value before the first line starting with
// beforeMarker unless an identical line is already present. Existing lines
// for key are kept.
func (d *Document) SetRepeatable(key, value, beforeMarker string, opts ...Option) {
	e := d.options(opts)
	line := d.render(key, value, e)
	want := strings.TrimSpace(line)
	for _, existing := range d.lines {
		if strings.TrimSpace(existing) == want {
			return
		}
	}
	if beforeMarker != "" {
		for i, existing := range d.lines {
			if strings.HasPrefix(strings.TrimSpace(existing), beforeMarker) {
				d.insert(i, line)
				return
			}
		}
	}
	d.lines = append(d.lines, line)
}

// Delete removes every line for key and reports how many were removed.
func (d *Document) Delete(key string) int {
	kept := d.lines[:0]
	removed := 0
	for _, existing := range d.lines {
		if matchesKey(strings.TrimSpace(existing), key) {
			removed++
			continue
		}
		kept = append(kept, existing)
	}
	d.lines = kept
	return removed
}

// Get returns the value of the first line for key.
func (d *Document) Get(key string) (string, bool) {
	for _, existing := range d.lines {
		trimmed := strings.TrimSpace(existing)
		if matchesKey(trimmed, key) {
			rest := strings.TrimSpace(trimmed[len(key):])
			rest = strings.TrimLeft(rest, ":=")
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// Values returns the values of every line for key in document order.
func (d *Document) Values(key string) []string {
	var out []string
	for _, existing := range d.lines {
		trimmed := strings.TrimSpace(existing)
		if matchesKey(trimmed, key) {
			rest := strings.TrimLeft(strings.TrimSpace(trimmed[len(key):]), ":=")
			out = append(out, strings.TrimSpace(rest))
		}
	}
	return out
}

// Lines returns a copy of the current lines.
func (d *Document) Lines() []string {
	return append([]string(nil), d.lines...)
}

// String joins the lines with a trailing newline.
func (d *Document) String() string {
	if len(d.lines) == 0 {
		return ""
	}
	return strings.Join(d.lines, "\n") + "\n"
}

func (d *Document) insert(i int, line string) {
	d.lines = append(d.lines, "")
	copy(d.lines[i+1:], d.lines[i:])
	d.lines[i] = line
}

// matchesKey reports whether trimmed starts with key, ignoring case, and the
// key is not merely a prefix of a longer identifier.
func matchesKey(trimmed, key string) bool {
	if key == "" || len(trimmed) < len(key) {
		return false
	}
	if !strings.EqualFold(trimmed[:len(key)], key) {
		return false
	}
	if len(trimmed) == len(key) {
		return true
	}
	next := trimmed[len(key)]
	return !(next == '_' || next == '(' || (next >= '0' && next <= '9') || (next >= 'A' && next <= 'Z') || (next >= 'a' && next <= 'z'))
}
