// Package presets holds the read-only catalog of style presets.
package presets

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"cartoon/internal/domain"
)

//go:embed presets.yaml
var builtin []byte

// Catalog is an immutable, ordered set of presets.
type Catalog struct {
	items []domain.Preset
	byID  map[string]int
}

type document struct {
	Presets []domain.Preset `yaml:"presets"`
}

// Load parses the embedded catalog.
func Load() (*Catalog, error) {
	return Parse(builtin)
}

// MustLoad is Load for package initialisation in binaries.
func MustLoad() *Catalog {
	c, err := Load()
	if err != nil {
		panic(err)
	}
	return c
}

// Parse builds a catalog from a YAML document. Empty or duplicate ids are
// rejected. Presets without a name get one derived from the id.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("presets: decode: %w", err)
	}
	if len(doc.Presets) == 0 {
		return nil, errors.New("presets: catalog is empty")
	}

	title := cases.Title(language.Und)
	c := &Catalog{byID: make(map[string]int, len(doc.Presets))}
	for i, p := range doc.Presets {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("presets: entry %d has no id", i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("presets: duplicate id %q", p.ID)
		}
		if strings.TrimSpace(p.DefaultPrompt) == "" {
			return nil, fmt.Errorf("presets: %q has no prompt", p.ID)
		}
		if p.Name == "" {
			p.Name = title.String(strings.ReplaceAll(p.ID, "-", " "))
		}
		c.byID[p.ID] = len(c.items)
		c.items = append(c.items, p)
	}

	sort.SliceStable(c.items, func(i, j int) bool { return c.items[i].Sort < c.items[j].Sort })
	for i, p := range c.items {
		c.byID[p.ID] = i
	}
	return c, nil
}

// Lookup returns the preset with id.
func (c *Catalog) Lookup(id string) (domain.Preset, bool) {
	if c == nil {
		return domain.Preset{}, false
	}
	i, ok := c.byID[strings.TrimSpace(id)]
	if !ok {
		return domain.Preset{}, false
	}
	return c.items[i], true
}

// All returns a copy of the presets in display order.
func (c *Catalog) All() []domain.Preset {
	if c == nil {
		return nil
	}
	out := make([]domain.Preset, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}
