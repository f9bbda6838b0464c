package mixer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SavedState is one parameter's persisted state. Nil values mean the field was
// absent or unreadable in the stored document.
type SavedState struct {
	CurrentValue *float64
	PreMuteValue *float64
	IsMuted      bool
}

// Snapshot is the persisted form of the whole store.
//
// Commands is keyed by logical key. A key with an empty Category comes from
// the oldest state files, which were keyed by operation name only.
type Snapshot struct {
	ActiveOutputDevice OutputDevice
	Commands           map[Key]SavedState
}

type savedStateJSON struct {
	CurrentValue *float64 `json:"currentValue"`
	PreMuteValue *float64 `json:"preMuteValue"`
	IsMuted      bool     `json:"isMuted"`
}

type snapshotJSON struct {
	ActiveOutputDevice OutputDevice                         `json:"activeOutputDevice,omitempty"`
	Commands           map[string]map[string]savedStateJSON `json:"commands"`
}

// MarshalJSON writes {activeOutputDevice, commands: {category: {operation: state}}}.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := snapshotJSON{
		ActiveOutputDevice: s.ActiveOutputDevice,
		Commands:           make(map[string]map[string]savedStateJSON),
	}
	for k, st := range s.Commands {
		if k.Category == "" {
			continue
		}
		ops := out.Commands[k.Category]
		if ops == nil {
			ops = make(map[string]savedStateJSON)
			out.Commands[k.Category] = ops
		}
		ops[k.Operation] = savedStateJSON(st)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the nested layout written by MarshalJSON as well as the
// older flat layouts keyed by "category/operation" or by operation name.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return err
	}

	s.ActiveOutputDevice = ""
	s.Commands = make(map[Key]SavedState)

	if raw, ok := top["activeOutputDevice"]; ok {
		var dev string
		if err := json.Unmarshal(raw, &dev); err == nil {
			s.ActiveOutputDevice = OutputDevice(dev)
		}
	}

	entries := top
	if raw, ok := top["commands"]; ok {
		entries = nil
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("commands: %w", err)
		}
	}

	for name, raw := range entries {
		if name == "activeOutputDevice" {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			// Not an object; nothing we can restore from it.
			continue
		}

		if isSavedState(fields) {
			k, ok := ParseKey(name)
			if !ok {
				k = Key{Operation: name}
			}
			s.Commands[k] = decodeSavedState(fields)
			continue
		}

		for op, opRaw := range fields {
			var opFields map[string]json.RawMessage
			if err := json.Unmarshal(opRaw, &opFields); err != nil {
				continue
			}
			s.Commands[Key{Category: name, Operation: op}] = decodeSavedState(opFields)
		}
	}
	return nil
}

func isSavedState(fields map[string]json.RawMessage) bool {
	for _, f := range []string{"currentValue", "preMuteValue", "isMuted"} {
		if _, ok := fields[f]; ok {
			return true
		}
	}
	return false
}

func decodeSavedState(fields map[string]json.RawMessage) SavedState {
	var st SavedState
	var cur, pre looseFloat
	if raw, ok := fields["currentValue"]; ok && cur.UnmarshalJSON(raw) == nil && cur.set {
		v := cur.v
		st.CurrentValue = &v
	}
	if raw, ok := fields["preMuteValue"]; ok && pre.UnmarshalJSON(raw) == nil && pre.set {
		v := pre.v
		st.PreMuteValue = &v
	}
	if raw, ok := fields["isMuted"]; ok {
		st.IsMuted = bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
	}
	return st
}

// SnapshotStore is durable storage for snapshots.
type SnapshotStore interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// FileSnapshots stores the snapshot as indented JSON at Path.
type FileSnapshots struct {
	Path string
}

// Load returns an error wrapping os.ErrNotExist when no snapshot was saved yet.
func (f FileSnapshots) Load() (Snapshot, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read state file: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode state file: %w", err)
	}
	return s, nil
}

// Save replaces the file atomically: write to a temp file in the same
// directory, then rename over the old one.
func (f FileSnapshots) Save(s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, b, "", "  "); err != nil {
		return fmt.Errorf("indent state: %w", err)
	}
	buf.WriteByte('\n')

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
