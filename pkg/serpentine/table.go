package serpentine

import (
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed presets/*.yaml
var presetFS embed.FS

// Table is an explicit acquisition -> stitching index table for layouts that
// are not a plain rectangle scanned one way.
type Table struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description,omitempty"`
	Columns     int     `yaml:"columns"`
	Rows        int     `yaml:"rows"`
	Entries     [][]int `yaml:"entries"`
}

func (t *Table) Describe() string {
	return fmt.Sprintf("table %s (%d entries)", t.Name, len(t.flat()))
}

func (t *Table) flat() Permutation {
	var p Permutation
	for _, line := range t.Entries {
		p = append(p, line...)
	}
	return p
}

// Permutation returns the table contents after checking it covers exactly n
// tiles and is a bijection.
func (t *Table) Permutation(n int) (Permutation, error) {
	p := t.flat()
	if len(p) != n {
		return nil, fmt.Errorf("table %s has %d entries but %d tiles were acquired", t.Name, len(p), n)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("table %s: %w", t.Name, err)
	}
	return p, nil
}

// ParseTable decodes a YAML table.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing serpentine table: %w", err)
	}
	if t.Columns > 0 && t.Rows > 0 && len(t.flat()) != t.Columns*t.Rows {
		return nil, fmt.Errorf("table %s declares %d x %d but lists %d entries",
			t.Name, t.Columns, t.Rows, len(t.flat()))
	}
	return &t, nil
}

// LoadTable reads a table from a YAML file, or returns the preset with that
// name when no such file exists.
func LoadTable(nameOrPath string) (*Table, error) {
	data, err := os.ReadFile(nameOrPath)
	if err == nil {
		return ParseTable(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading serpentine table: %w", err)
	}
	return Preset(nameOrPath)
}

// Preset returns a built-in table by name.
func Preset(name string) (*Table, error) {
	data, err := presetFS.ReadFile(path.Join("presets", name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("no serpentine table file or preset named %q (presets: %s)",
			name, strings.Join(Presets(), ", "))
	}
	return ParseTable(data)
}

// Presets lists the built-in table names.
func Presets() []string {
	entries, _ := presetFS.ReadDir("presets")
	var names []string
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// SaveTable writes p as a YAML table, 20 entries per line.
func SaveTable(file string, name string, columns, rows int, p Permutation) error {
	t := Table{Name: name, Columns: columns, Rows: rows}
	for i := 0; i < len(p); i += 20 {
		end := i + 20
		if end > len(p) {
			end = len(p)
		}
		t.Entries = append(t.Entries, append([]int(nil), p[i:end]...))
	}
	data, err := yaml.Marshal(&t)
	if err != nil {
		return fmt.Errorf("encoding serpentine table: %w", err)
	}
	return writeAtomic(file, data)
}
