package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

const validShops = `
shops:
  - id: shopA
    name: Shop A
    card: "8600 0000 0000 0001"
    owner: Alice Example
    recipient_id: 111
  - id: shopB
    name: Shop B
    card: "8600 0000 0000 0002"
    owner: Bob Example
    recipient_id: 222
`

func TestParseValid(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte(validShops))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}

	// file order is preserved
	shops := c.Shops()
	if shops[0].ID != "shopA" || shops[1].ID != "shopB" {
		t.Fatalf("unexpected order: %v, %v", shops[0].ID, shops[1].ID)
	}

	s, ok := c.Get("shopB")
	if !ok {
		t.Fatal("expected shopB")
	}
	if s.Name != "Shop B" || s.RecipientID != 222 {
		t.Fatalf("unexpected shop: %+v", s)
	}

	if _, ok := c.Get("nope"); ok {
		t.Fatal("expected miss for unknown id")
	}
}

func TestParseRejectsBadShops(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "missing id", raw: "shops:\n  - name: X\n    recipient_id: 1\n"},
		{name: "missing name", raw: "shops:\n  - id: a\n    recipient_id: 1\n"},
		{name: "missing recipient", raw: "shops:\n  - id: a\n    name: X\n"},
		{name: "duplicate id", raw: "shops:\n  - id: a\n    name: X\n    recipient_id: 1\n  - id: a\n    name: Y\n    recipient_id: 2\n"},
		{name: "unknown field", raw: "shops:\n  - id: a\n    name: X\n    recipient_id: 1\n    extra: boom\n"},
		{name: "not yaml", raw: "{{{"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Parse([]byte(tt.raw)); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestParseEmptyCatalogIsValid(t *testing.T) {
	t.Parallel()
	c, err := Parse([]byte("shops: []\n"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "shops.yaml")
	if err := os.WriteFile(path, []byte(validShops), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}
