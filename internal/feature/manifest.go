// ABOUTME: Manifest aggregates feature descriptors once at startup and is read-only afterwards.
// ABOUTME: Duplicate or empty feature names are configuration errors.

package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrDuplicateFeature indicates two features declared the same name.
var ErrDuplicateFeature = errors.New("duplicate feature name")

// ErrInvalidDescriptor indicates a descriptor without a name.
var ErrInvalidDescriptor = errors.New("invalid feature descriptor")

// Manifest maps feature names to descriptors. The zero value is an empty manifest.
// It has no mutators; accessors hand out copies.
type Manifest struct {
	byName map[string]Descriptor
}

// NewManifest builds a manifest from descriptors in declaration order.
func NewManifest(descs ...Descriptor) (Manifest, error) {
	byName := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return Manifest{}, fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
		}
		if _, exists := byName[d.Name]; exists {
			return Manifest{}, fmt.Errorf("%w: %q", ErrDuplicateFeature, d.Name)
		}
		d.Capabilities = slices.Clone(d.Capabilities)
		byName[d.Name] = d
	}
	return Manifest{byName: byName}, nil
}

// Get returns the descriptor registered under name.
func (m Manifest) Get(name string) (Descriptor, bool) {
	d, ok := m.byName[name]
	if ok {
		d.Capabilities = slices.Clone(d.Capabilities)
	}
	return d, ok
}

// Names returns the feature names in sorted order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns every descriptor sorted by name.
func (m Manifest) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(m.byName))
	for _, name := range m.Names() {
		d, _ := m.Get(name)
		out = append(out, d)
	}
	return out
}

// Len returns the number of features.
func (m Manifest) Len() int {
	return len(m.byName)
}

// MarshalJSON encodes the manifest as an object keyed by feature name.
func (m Manifest) MarshalJSON() ([]byte, error) {
	if m.byName == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.byName)
}

// UnmarshalJSON decodes an object keyed by feature name, applying the same
// validation as NewManifest.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var byName map[string]Descriptor
	if err := json.Unmarshal(data, &byName); err != nil {
		return err
	}
	descs := make([]Descriptor, 0, len(byName))
	for name, d := range byName {
		if d.Name == "" {
			d.Name = name
		}
		if d.Name != name {
			return fmt.Errorf("%w: key %q holds descriptor %q", ErrInvalidDescriptor, name, d.Name)
		}
		descs = append(descs, d)
	}
	built, err := NewManifest(descs...)
	if err != nil {
		return err
	}
	*m = built
	return nil
}
