// Package catalog loads the static shop list the bot serves.
//
// The file is read once at startup; an unreadable or malformed file is a
// fatal startup error. An explicitly empty shop list is valid: the bot
// starts and tells users no shops are available.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// Shop is one payment recipient. Immutable after load; sessions reference
// shops by ID, they never own them.
type Shop struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Card        string `yaml:"card"`
	Owner       string `yaml:"owner"`
	RecipientID int64  `yaml:"recipient_id"`
}

type Catalog struct {
	shops []Shop
	byID  map[string]int
}

type shopsFile struct {
	Shops []Shop `yaml:"shops"`
}

// Load reads and validates the shops file. Order is preserved as written.
func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes a shops document. Unknown fields are rejected so typos in
// the catalog file surface at startup instead of silently dropping data.
func Parse(b []byte) (*Catalog, error) {
	var f shopsFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}

	c := &Catalog{shops: f.Shops, byID: make(map[string]int, len(f.Shops))}
	for i, s := range f.Shops {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: shop #%d: id is required", i+1)
		}
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("catalog: shop %q: name is required", id)
		}
		if s.RecipientID == 0 {
			return nil, fmt.Errorf("catalog: shop %q: recipient_id is required", id)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate shop id %q", id)
		}
		c.byID[id] = i
	}
	return c, nil
}

// Shops returns the shop list in file order. The slice is a copy.
func (c *Catalog) Shops() []Shop {
	return append([]Shop(nil), c.shops...)
}

func (c *Catalog) Get(id string) (Shop, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Shop{}, false
	}
	return c.shops[i], true
}

func (c *Catalog) Len() int { return len(c.shops) }
