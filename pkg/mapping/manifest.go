package mapping

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

const memSizeKey = "mem_size"

// Manifest is the content of a snapshot's mappings.json: the total memory size
// plus every unexpanded mapping keyed by its decimal virtual address
type Manifest struct {
	MemSize  uint64
	Mappings *Set
}

// MarshalJSON implements json.Marshaler
func (m Manifest) MarshalJSON() ([]byte, error) {
	raw := map[string]interface{}{
		memSizeKey: m.MemSize,
	}
	if m.Mappings != nil {
		for _, mm := range m.Mappings.All() {
			raw[strconv.FormatUint(mm.Vaddr, 10)] = mm
		}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	size, ok := raw[memSizeKey]
	if !ok {
		return fmt.Errorf("manifest has no %s", memSizeKey)
	}
	if err := json.Unmarshal(size, &m.MemSize); err != nil {
		return fmt.Errorf("invalid %s: %w", memSizeKey, err)
	}
	m.Mappings = &Set{}
	for key, value := range raw {
		if key == memSizeKey {
			continue
		}
		vaddr, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid mapping key %q: %w", key, err)
		}
		var mm MemoryMapping
		if err := json.Unmarshal(value, &mm); err != nil {
			return fmt.Errorf("invalid mapping %q: %w", key, err)
		}
		if mm.Vaddr != vaddr {
			return fmt.Errorf("mapping key %d does not match vaddr %d", vaddr, mm.Vaddr)
		}
		m.Mappings.Add(mm)
	}
	return nil
}

// WriteManifest writes the manifest to path as indented JSON
func WriteManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadManifest loads a manifest from path
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &m, nil
}
