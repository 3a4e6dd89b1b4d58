package voice

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona binds a synthesis voice to a system instruction. A persona is fixed
// for the lifetime of a session; switching personas means closing the current
// session and opening a new one.
type Persona struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Voice       string `yaml:"voice"`
	Instruction string `yaml:"instruction"`
}

// Catalog is the set of personas the client can offer. The first entry is the
// default.
type Catalog struct {
	Personas []Persona `yaml:"personas"`
}

// DefaultCatalog returns the built-in personas used when no catalog file is
// configured.
func DefaultCatalog() *Catalog {
	return &Catalog{Personas: []Persona{
		{
			ID:          "assistant",
			Name:        "Assistant",
			Voice:       "Puck",
			Instruction: "You are a helpful, concise voice assistant. Keep spoken replies short.",
		},
		{
			ID:          "narrator",
			Name:        "Narrator",
			Voice:       "Charon",
			Instruction: "You narrate answers in a calm, measured storytelling register.",
		},
	}}
}

// LoadCatalog reads and validates a persona catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open persona catalog: %w", err)
	}
	defer f.Close()
	c, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("persona catalog %s: %w", path, err)
	}
	return c, nil
}

// ParseCatalog decodes and validates a persona catalog.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	if len(c.Personas) == 0 {
		return nil, fmt.Errorf("catalog defines no personas")
	}

	seen := make(map[string]struct{}, len(c.Personas))
	for i, p := range c.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona %d: missing id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("persona %q: duplicate id", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Voice == "" {
			return nil, fmt.Errorf("persona %q: missing voice", p.ID)
		}
	}
	return &c, nil
}

// Find returns the persona with the given id.
func (c *Catalog) Find(id string) (Persona, bool) {
	for _, p := range c.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Default returns the catalog's default persona (the first entry).
func (c *Catalog) Default() Persona {
	return c.Personas[0]
}
