package mixer

import (
	"encoding/json"
	"math"
	"strings"
)

// Key addresses a parameter logically, by category and operation command.
type Key struct {
	Category  string
	Operation string
}

func (k Key) String() string { return k.Category + "/" + k.Operation }

// ParseKey splits "category/operation". The operation part may not contain a
// slash; the category may not be empty.
func ParseKey(s string) (Key, bool) {
	cat, op, ok := strings.Cut(s, "/")
	if !ok || cat == "" || op == "" || strings.Contains(op, "/") {
		return Key{}, false
	}
	return Key{Category: cat, Operation: op}, true
}

// Address is a device protocol address.
type Address struct {
	ID    int
	Index int
}

// State is the mutable part of a parameter.
type State struct {
	CurrentValue float64 `json:"currentValue"`
	PreMuteValue float64 `json:"preMuteValue"`
	IsMuted      bool    `json:"isMuted"`
}

// Patch carries the fields an Update merges. Nil fields are left alone.
type Patch struct {
	CurrentValue *float64
	PreMuteValue *float64
	IsMuted      *bool
}

func (p Patch) apply(s *State) {
	if p.CurrentValue != nil {
		s.CurrentValue = *p.CurrentValue
	}
	if p.PreMuteValue != nil {
		s.PreMuteValue = *p.PreMuteValue
	}
	if p.IsMuted != nil {
		s.IsMuted = *p.IsMuted
	}
}

// Parameter is a copy of one parameter: its definition plus its live state at
// the time it was read.
type Parameter struct {
	Key Key
	Def *Operation
	State
}

// Muted derives the mute state. Mix-bus faders carry an explicit flag; every
// other type counts as muted while parked at its minimum.
func (p Parameter) Muted() bool {
	if p.Def.Type == TypeMixVol {
		return p.IsMuted
	}
	return p.CurrentValue == p.Def.Min
}

// parameterView is the JSON shape the web UI consumes.
type parameterView struct {
	Command      string   `json:"command"`
	Name         string   `json:"name,omitempty"`
	Type         Type     `json:"type"`
	ID           int      `json:"id"`
	Indices      []int    `json:"indices"`
	Min          float64  `json:"min"`
	Max          *float64 `json:"max,omitempty"`
	OnValue      *float64 `json:"onValue,omitempty"`
	OffValue     *float64 `json:"offValue,omitempty"`
	MuteID       int      `json:"muteId,omitempty"`
	MuteIndices  []int    `json:"muteIndices,omitempty"`
	Default      float64  `json:"default"`
	CurrentValue float64  `json:"currentValue"`
	PreMuteValue float64  `json:"preMuteValue"`
	IsMuted      bool     `json:"isMuted"`
}

func (p Parameter) MarshalJSON() ([]byte, error) {
	d := p.Def
	v := parameterView{
		Command:      d.Command,
		Name:         d.Name,
		Type:         d.Type,
		ID:           d.ID,
		Indices:      d.Indices,
		Min:          d.Min,
		MuteID:       d.MuteID,
		MuteIndices:  d.MuteIndices,
		Default:      d.Default,
		CurrentValue: p.CurrentValue,
		PreMuteValue: p.PreMuteValue,
		IsMuted:      p.IsMuted,
	}
	if v.Indices == nil {
		v.Indices = []int{}
	}
	if !math.IsInf(d.Max, 1) {
		hi := d.Max
		v.Max = &hi
	}
	if d.Type == TypeToggle {
		on, off := d.OnValue, d.OffValue
		v.OnValue, v.OffValue = &on, &off
	}
	return json.Marshal(v)
}

// CategoryView is a catalog category with live parameter state, in catalog
// order.
type CategoryView struct {
	Command    string      `json:"command"`
	Name       string      `json:"name,omitempty"`
	Operations []Parameter `json:"operations"`
}
