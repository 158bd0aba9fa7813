// Package definition decodes pipeline definition files. Sections and the
// entries inside them keep file order so construction is deterministic.
package definition

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// aliases maps long-form section names onto their canonical keys.
var aliases = map[string]string{
	"CLASSIFICATION": "CLASSIFY",
	"AGGREGATION":    "AGGREGATE",
}

// Definition is one parsed pipeline file.
type Definition struct {
	// Name is the pipeline name, the file name without extension.
	Name string
	Path string

	sections map[string]Section
	order    []string
}

// Section is a top-level key, e.g. SIM, holding named entries.
type Section struct {
	Key     string
	Entries []Entry
}

// Names lists entry names in file order.
func (s Section) Names() []string {
	names := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		names[i] = e.Name
	}
	return names
}

// Entry is one named task configuration inside a section.
type Entry struct {
	Section string
	Name    string
	node    *yaml.Node
}

// Decode unmarshals the entry body into v.
func (e Entry) Decode(v any) error {
	if e.node == nil {
		return nil
	}
	if err := e.node.Decode(v); err != nil {
		return fmt.Errorf("definition: %s.%s: %w", e.Section, e.Name, err)
	}
	return nil
}

// Fields returns the entry's mapping keys in file order.
func (e Entry) Fields() ([]Field, error) {
	return fieldsOf(e.node, e.Section+"."+e.Name)
}

// Field is one key of a mapping with its raw value.
type Field struct {
	Key  string
	Node *yaml.Node
}

// Fields returns the nested mapping's keys in file order.
func (f Field) Fields() ([]Field, error) {
	return fieldsOf(f.Node, f.Key)
}

// Strings returns a scalar as a single value or a sequence of scalars.
func (f Field) Strings() ([]string, error) {
	if f.Node == nil {
		return nil, nil
	}
	switch f.Node.Kind {
	case yaml.ScalarNode:
		return []string{f.Node.Value}, nil
	case yaml.SequenceNode:
		out := make([]string, 0, len(f.Node.Content))
		for _, item := range f.Node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("definition: %s: list items must be scalars", f.Key)
			}
			out = append(out, item.Value)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("definition: %s: expected scalar or list", f.Key)
	}
}

// Value returns a scalar field's text.
func (f Field) Value() (string, error) {
	if f.Node == nil || f.Node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("definition: %s: expected a scalar", f.Key)
	}
	return f.Node.Value, nil
}

func fieldsOf(node *yaml.Node, where string) ([]Field, error) {
	if node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("definition: %s: expected a mapping", where)
	}
	out := make([]Field, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, Field{Key: node.Content[i].Value, Node: node.Content[i+1]})
	}
	return out, nil
}

// Section returns the named section, empty when absent. Lookup is case
// insensitive and accepts long-form aliases.
func (d Definition) Section(key string) Section {
	canonical := canonicalKey(key)
	if s, ok := d.sections[canonical]; ok {
		return s
	}
	return Section{Key: canonical}
}

// Keys lists section keys in file order.
func (d Definition) Keys() []string {
	return append([]string(nil), d.order...)
}

func canonicalKey(key string) string {
	upper := strings.ToUpper(strings.TrimSpace(key))
	if alias, ok := aliases[upper]; ok {
		return alias
	}
	return upper
}

// Parse decodes a definition from YAML bytes.
func Parse(name string, data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("definition: %s: payload is empty", name)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Definition{}, fmt.Errorf("definition: decode %s: %w", name, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return Definition{}, fmt.Errorf("definition: %s: expected a document", name)
	}
	top, err := fieldsOf(root.Content[0], name)
	if err != nil {
		return Definition{}, err
	}

	def := Definition{Name: name, sections: map[string]Section{}}
	for _, field := range top {
		key := canonicalKey(field.Key)
		if _, dup := def.sections[key]; dup {
			return Definition{}, fmt.Errorf("definition: %s: duplicate section %s", name, key)
		}
		entries, err := fieldsOf(field.Node, key)
		if err != nil {
			return Definition{}, err
		}
		section := Section{Key: key}
		seen := map[string]struct{}{}
		for _, entry := range entries {
			if _, dup := seen[entry.Key]; dup {
				return Definition{}, fmt.Errorf("definition: %s: duplicate entry %s.%s", name, key, entry.Key)
			}
			seen[entry.Key] = struct{}{}
			section.Entries = append(section.Entries, Entry{Section: key, Name: entry.Key, node: entry.Node})
		}
		def.sections[key] = section
		def.order = append(def.order, key)
	}
	return def, nil
}

// LoadReader reads a definition from r.
func LoadReader(name string, r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("definition: read %s: %w", name, err)
	}
	return Parse(name, content)
}

// LoadFile loads the definition at path and names it after the file.
func LoadFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("definition: read %s: %w", path, err)
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	def, err := Parse(name, content)
	if err != nil {
		return Definition{}, err
	}
	def.Path = path
	return def, nil
}
