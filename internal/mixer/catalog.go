package mixer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrCatalog is returned (wrapped) for any catalog load or validation failure.
var ErrCatalog = errors.New("mixer: invalid catalog")

// CatalogError points at the operation that failed validation.
type CatalogError struct {
	Category  string
	Operation string
	Reason    string
}

func (e *CatalogError) Error() string {
	switch {
	case e.Operation != "":
		return fmt.Sprintf("catalog %s/%s: %s", e.Category, e.Operation, e.Reason)
	case e.Category != "":
		return fmt.Sprintf("catalog %s: %s", e.Category, e.Reason)
	default:
		return "catalog: " + e.Reason
	}
}

func (e *CatalogError) Unwrap() error { return ErrCatalog }

// Type selects value semantics and mute strategy of a parameter.
type Type int

const (
	TypeToggle Type = iota + 1
	TypeGain
	TypeTrim
	TypeMixVol
)

// String returns the spelling used in catalog files and by the web UI.
func (t Type) String() string {
	switch t {
	case TypeToggle:
		return "Toggle"
	case TypeGain:
		return "Gain"
	case TypeTrim:
		return "Trim"
	case TypeMixVol:
		return "mixvol"
	default:
		return "unknown"
	}
}

// ParseType is case-insensitive.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "toggle":
		return TypeToggle, nil
	case "gain":
		return TypeGain, nil
	case "trim":
		return TypeTrim, nil
	case "mixvol":
		return TypeMixVol, nil
	default:
		return 0, fmt.Errorf("unknown parameter type %q", s)
	}
}

func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Operation is the immutable definition of one controllable parameter.
type Operation struct {
	Command     string
	Name        string
	Type        Type
	ID          int
	Indices     []int
	Min         float64
	Max         float64 // +Inf when the catalog leaves it open
	OnValue     float64
	OffValue    float64
	MuteID      int
	MuteIndices []int

	// Default seeds currentValue and preMuteValue before any snapshot is applied.
	Default float64
}

// Stereo reports whether the operation spans more than one device index.
func (o *Operation) Stereo() bool { return len(o.Indices) > 1 }

// Clamp limits v to the operation's legal range.
func (o *Operation) Clamp(v float64) float64 {
	return math.Max(o.Min, math.Min(o.Max, v))
}

// Category is an ordered, named group of operations.
type Category struct {
	Command    string
	Name       string
	Operations []*Operation
}

// Catalog is the loaded-once command model. It is never mutated after load.
type Catalog struct {
	Categories []*Category
}

// Len returns the number of operations across all categories.
func (c *Catalog) Len() int {
	n := 0
	for _, cat := range c.Categories {
		n += len(cat.Operations)
	}
	return n
}

// Lookup finds an operation definition by its logical key.
func (c *Catalog) Lookup(k Key) (*Operation, bool) {
	for _, cat := range c.Categories {
		if cat.Command != k.Category {
			continue
		}
		for _, op := range cat.Operations {
			if op.Command == k.Operation {
				return op, true
			}
		}
	}
	return nil, false
}

// ============================================================================
// Loading
// ============================================================================

// rawCategory and rawOperation mirror the on-disk document. Numeric fields are
// loose because hand-edited catalogs carry "min": "-100" as often as -100.
type rawCategory struct {
	Command    string         `json:"command" yaml:"command"`
	Name       string         `json:"name" yaml:"name"`
	Operations []rawOperation `json:"operations" yaml:"operations"`
}

type rawOperation struct {
	Command     string     `json:"command" yaml:"command"`
	Name        string     `json:"name" yaml:"name"`
	Type        string     `json:"type" yaml:"type"`
	ID          looseFloat `json:"id" yaml:"id"`
	Indices     []int      `json:"indices" yaml:"indices"`
	Min         looseFloat `json:"min" yaml:"min"`
	Max         looseFloat `json:"max" yaml:"max"`
	OnValue     looseFloat `json:"onValue" yaml:"onValue"`
	OffValue    looseFloat `json:"offValue" yaml:"offValue"`
	MuteID      looseFloat `json:"muteId" yaml:"muteId"`
	MuteIndices []int      `json:"muteIndices" yaml:"muteIndices"`
}

// looseFloat accepts a number, a numeric string, or null. Anything else
// leaves it unset.
type looseFloat struct {
	v   float64
	set bool
}

func (f *looseFloat) parse(s string) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		f.v, f.set = v, true
	}
}

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.parse(s)
		return nil
	}
	f.parse(string(b))
	return nil
}

func (f *looseFloat) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode || n.Tag == "!!null" {
		return nil
	}
	f.parse(n.Value)
	return nil
}

func (f looseFloat) or(def float64) float64 {
	if f.set {
		return f.v
	}
	return def
}

// LoadCatalog reads a catalog document from disk. Files ending in .yaml or
// .yml are decoded as YAML; anything else as JSON.
func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrCatalog, path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseCatalogYAML(b)
	default:
		return ParseCatalog(b)
	}
}

// ParseCatalog decodes and validates a JSON catalog document.
func ParseCatalog(b []byte) (*Catalog, error) {
	var raw []rawCategory
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode json: %w", ErrCatalog, err)
	}
	return buildCatalog(raw)
}

// ParseCatalogYAML decodes and validates a YAML catalog document.
func ParseCatalogYAML(b []byte) (*Catalog, error) {
	var raw []rawCategory
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrCatalog, err)
	}
	return buildCatalog(raw)
}

func buildCatalog(raw []rawCategory) (*Catalog, error) {
	if len(raw) == 0 {
		return nil, &CatalogError{Reason: "no categories"}
	}

	cat := &Catalog{Categories: make([]*Category, 0, len(raw))}
	seenCat := make(map[string]bool, len(raw))

	for _, rc := range raw {
		if rc.Command == "" {
			return nil, &CatalogError{Category: rc.Name, Reason: "category command is empty"}
		}
		if seenCat[rc.Command] {
			return nil, &CatalogError{Category: rc.Command, Reason: "duplicate category"}
		}
		seenCat[rc.Command] = true

		c := &Category{Command: rc.Command, Name: rc.Name}
		seenOp := make(map[string]bool, len(rc.Operations))
		for _, ro := range rc.Operations {
			op, err := buildOperation(rc.Command, ro)
			if err != nil {
				return nil, err
			}
			if seenOp[op.Command] {
				return nil, &CatalogError{Category: rc.Command, Operation: op.Command, Reason: "duplicate operation"}
			}
			seenOp[op.Command] = true
			c.Operations = append(c.Operations, op)
		}
		cat.Categories = append(cat.Categories, c)
	}
	return cat, nil
}

func buildOperation(category string, ro rawOperation) (*Operation, error) {
	if ro.Command == "" {
		return nil, &CatalogError{Category: category, Operation: ro.Name, Reason: "operation command is empty"}
	}
	typ, err := ParseType(ro.Type)
	if err != nil {
		return nil, &CatalogError{Category: category, Operation: ro.Command, Reason: err.Error()}
	}
	if !ro.ID.set {
		return nil, &CatalogError{Category: category, Operation: ro.Command, Reason: "id is required"}
	}

	op := &Operation{
		Command:     ro.Command,
		Name:        ro.Name,
		Type:        typ,
		ID:          int(ro.ID.v),
		Indices:     append([]int(nil), ro.Indices...),
		Min:         ro.Min.or(0),
		Max:         ro.Max.or(math.Inf(1)),
		OnValue:     ro.OnValue.or(1),
		OffValue:    ro.OffValue.or(0),
		MuteID:      int(ro.MuteID.or(0)),
		MuteIndices: append([]int(nil), ro.MuteIndices...),
	}

	// The device fixes mix-bus faders at [-100, 12] dB.
	if typ == TypeMixVol {
		op.Min, op.Max = FloorDB, CeilDB
	}
	if op.Min > op.Max {
		return nil, &CatalogError{Category: category, Operation: ro.Command, Reason: "min is greater than max"}
	}
	if op.MuteID == 0 {
		op.MuteIndices = nil
	}

	op.Default = op.Min
	return op, nil
}
