// Package persona holds the closed set of behaviour modes a conversation can be
// in and the directive text sent to the generator for each.
package persona

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is a named behaviour mode. It is never stored; it is inferred from
// the conversation history on every invocation.
type Persona string

const (
	None   Persona = "None"
	Drunk  Persona = "Drunk"
	Debate Persona = "Debate"
	Poet   Persona = "Poet"
	Game   Persona = "Game"
)

// Known lists every persona the table must define, baseline first.
var Known = []Persona{None, Drunk, Debate, Poet, Game}

//go:embed personas.yaml
var defaultTable []byte

type tableFile struct {
	System   string      `yaml:"system"`
	Baseline string      `yaml:"baseline"`
	Personas []entryFile `yaml:"personas"`
}

type entryFile struct {
	Name      string `yaml:"name"`
	Sentinel  string `yaml:"sentinel"`
	Directive string `yaml:"directive"`
}

// Table maps personas to directives and sentinel texts to personas.
type Table struct {
	system     string
	directives map[Persona]string
	sentinels  map[string]Persona
}

// Default parses the embedded directive table.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// Parse decodes and validates a YAML directive table.
func Parse(raw []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("persona: decode table: %w", err)
	}
	t := &Table{
		system:     strings.TrimSpace(f.System),
		directives: map[Persona]string{None: strings.TrimSpace(f.Baseline)},
		sentinels:  make(map[string]Persona, len(f.Personas)),
	}
	if t.system == "" {
		return nil, errors.New("persona: system directive must not be empty")
	}
	for _, e := range f.Personas {
		p := Persona(strings.TrimSpace(e.Name))
		if p == "" || p == None {
			return nil, fmt.Errorf("persona: invalid persona name %q", e.Name)
		}
		if _, dup := t.directives[p]; dup {
			return nil, fmt.Errorf("persona: duplicate persona %q", p)
		}
		sentinel := strings.TrimSpace(e.Sentinel)
		if sentinel == "" {
			return nil, fmt.Errorf("persona: %s has no sentinel", p)
		}
		if _, dup := t.sentinels[sentinel]; dup {
			return nil, fmt.Errorf("persona: duplicate sentinel %q", sentinel)
		}
		t.directives[p] = strings.TrimSpace(e.Directive)
		t.sentinels[sentinel] = p
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) validate() error {
	seen := make(map[string]Persona, len(t.directives))
	for _, p := range Known {
		d, ok := t.directives[p]
		if !ok {
			return fmt.Errorf("persona: table is missing %s", p)
		}
		if d == "" {
			return fmt.Errorf("persona: %s has an empty directive", p)
		}
		if other, dup := seen[d]; dup {
			return fmt.Errorf("persona: %s and %s share a directive", other, p)
		}
		seen[d] = p
	}
	return nil
}

// System returns the tone directive that opens every prompt.
func (t *Table) System() string {
	return t.system
}

// Directive returns the instruction text for p, falling back to the baseline
// for personas the table does not know.
func (t *Table) Directive(p Persona) string {
	if d, ok := t.directives[p]; ok {
		return d
	}
	return t.directives[None]
}

// Lookup reports whether text is a persona sentinel. Matching is exact and
// case-sensitive.
func (t *Table) Lookup(text string) (Persona, bool) {
	p, ok := t.sentinels[text]
	return p, ok
}
