// Package catalog provides the immutable category → subcategory → expected
// attribute taxonomy the wizard validates selections against.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed categories.yaml
var defaultYAML []byte

// MaxNameBytes caps category and subcategory names so they fit in button callback data.
const MaxNameBytes = 48

var (
	ErrUnknownCategory    = errors.New("unknown category")
	ErrUnknownSubcategory = errors.New("unknown subcategory")
)

type fileFormat struct {
	Categories []categoryNode `yaml:"categories"`
}

type categoryNode struct {
	Name          string            `yaml:"name"`
	Subcategories []subcategoryNode `yaml:"subcategories"`
}

type subcategoryNode struct {
	Name       string   `yaml:"name"`
	Attributes []string `yaml:"attributes"`
}

type category struct {
	name   string
	subs   []string
	attrs  map[string][]string // keyed by exact subcategory name
	lookup map[string]string   // lower-case -> exact subcategory name
}

// Catalog is safe for concurrent use; it never changes after load.
type Catalog struct {
	names  []string
	cats   map[string]*category
	lookup map[string]string
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog from path, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML and validates it.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(f.Categories) == 0 {
		return nil, errors.New("catalog: no categories defined")
	}
	c := &Catalog{
		cats:   make(map[string]*category, len(f.Categories)),
		lookup: make(map[string]string, len(f.Categories)),
	}
	for _, node := range f.Categories {
		name, err := checkName(node.Name, "category")
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(name)
		if _, dup := c.lookup[key]; dup {
			return nil, fmt.Errorf("catalog: duplicate category %q", name)
		}
		if len(node.Subcategories) == 0 {
			return nil, fmt.Errorf("catalog: category %q has no subcategories", name)
		}
		cat := &category{
			name:   name,
			attrs:  make(map[string][]string, len(node.Subcategories)),
			lookup: make(map[string]string, len(node.Subcategories)),
		}
		for _, sn := range node.Subcategories {
			sub, err := checkName(sn.Name, "subcategory")
			if err != nil {
				return nil, err
			}
			skey := strings.ToLower(sub)
			if _, dup := cat.lookup[skey]; dup {
				return nil, fmt.Errorf("catalog: duplicate subcategory %q in %q", sub, name)
			}
			attrs := make([]string, 0, len(sn.Attributes))
			for _, a := range sn.Attributes {
				if a = strings.TrimSpace(a); a != "" {
					attrs = append(attrs, a)
				}
			}
			cat.subs = append(cat.subs, sub)
			cat.attrs[sub] = attrs
			cat.lookup[skey] = sub
		}
		c.names = append(c.names, name)
		c.cats[name] = cat
		c.lookup[key] = name
	}
	return c, nil
}

func checkName(raw, kind string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", fmt.Errorf("catalog: empty %s name", kind)
	}
	if len(name) > MaxNameBytes {
		return "", fmt.Errorf("catalog: %s %q exceeds %d bytes", kind, name, MaxNameBytes)
	}
	if strings.ContainsAny(name, "|\f\n") {
		return "", fmt.Errorf("catalog: %s %q contains a reserved character", kind, name)
	}
	return name, nil
}

// Categories lists category names in catalog order.
func (c *Catalog) Categories() []string {
	return append([]string(nil), c.names...)
}

// ResolveCategory maps a case-insensitive exact name to its canonical spelling.
func (c *Catalog) ResolveCategory(name string) (string, error) {
	if exact, ok := c.lookup[strings.ToLower(strings.TrimSpace(name))]; ok {
		return exact, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

// Subcategories lists the subcategories of category.
func (c *Catalog) Subcategories(category string) ([]string, error) {
	cat, err := c.category(category)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), cat.subs...), nil
}

// ResolveSubcategory maps a case-insensitive exact subcategory name within category.
func (c *Catalog) ResolveSubcategory(category, name string) (string, error) {
	cat, err := c.category(category)
	if err != nil {
		return "", err
	}
	if exact, ok := cat.lookup[strings.ToLower(strings.TrimSpace(name))]; ok {
		return exact, nil
	}
	return "", fmt.Errorf("%w: %q in %q", ErrUnknownSubcategory, name, cat.name)
}

// Attributes returns the expected attribute names for a (category, subcategory) pair.
func (c *Catalog) Attributes(category, subcategory string) ([]string, error) {
	cat, err := c.category(category)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownSubcategory, err)
	}
	sub, ok := cat.lookup[strings.ToLower(strings.TrimSpace(subcategory))]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %q", ErrUnknownSubcategory, subcategory, cat.name)
	}
	return append([]string(nil), cat.attrs[sub]...), nil
}

func (c *Catalog) category(name string) (*category, error) {
	exact, err := c.ResolveCategory(name)
	if err != nil {
		return nil, err
	}
	return c.cats[exact], nil
}
