package migrations

import (
	"fmt"
	"sort"
)

const (
	// CurrentSchemaVersion is the descriptor format written by this package.
	CurrentSchemaVersion = 2
	legacySchemaVersion  = 1
	legacyStoreSuffix    = "store"
)

// Descriptor is the serialized schema version stored alongside snapshot records.
type Descriptor struct {
	SchemaVersion int            `json:"schemaVersion"`
	Sequences     map[string]int `json:"sequences,omitempty"`
	RecordTypes   []string       `json:"recordTypes,omitempty"`

	// Legacy (schemaVersion 1) fields.
	StoreVersion   *int                           `json:"storeVersion,omitempty"`
	RecordVersions map[string]LegacyRecordVersion `json:"recordVersions,omitempty"`
}

// LegacyRecordVersion is the per-type version entry of a schemaVersion 1 descriptor.
type LegacyRecordVersion struct {
	Version int `json:"version"`
}

// Clone returns a deep copy.
func (d Descriptor) Clone() Descriptor {
	cloned := Descriptor{SchemaVersion: d.SchemaVersion}
	if d.Sequences != nil {
		cloned.Sequences = make(map[string]int, len(d.Sequences))
		for sequence, version := range d.Sequences {
			cloned.Sequences[sequence] = version
		}
	}
	if d.RecordTypes != nil {
		cloned.RecordTypes = append([]string(nil), d.RecordTypes...)
	}
	if d.StoreVersion != nil {
		version := *d.StoreVersion
		cloned.StoreVersion = &version
	}
	if d.RecordVersions != nil {
		cloned.RecordVersions = make(map[string]LegacyRecordVersion, len(d.RecordVersions))
		for typeName, version := range d.RecordVersions {
			cloned.RecordVersions[typeName] = version
		}
	}
	return cloned
}

// upgradeLegacy rewrites a schemaVersion 1 descriptor into sequence form. Legacy versions
// map to the sequences "<prefix>.store" and "<prefix>.<typeName>".
func upgradeLegacy(descriptor Descriptor, prefix string) Descriptor {
	upgraded := Descriptor{
		SchemaVersion: CurrentSchemaVersion,
		Sequences:     map[string]int{},
	}
	if descriptor.StoreVersion != nil {
		upgraded.Sequences[prefix+"."+legacyStoreSuffix] = *descriptor.StoreVersion
	}
	typeNames := make([]string, 0, len(descriptor.RecordVersions))
	for typeName, version := range descriptor.RecordVersions {
		upgraded.Sequences[prefix+"."+typeName] = version.Version
		typeNames = append(typeNames, typeName)
	}
	sort.Strings(typeNames)
	upgraded.RecordTypes = typeNames
	return upgraded
}

func normalize(descriptor Descriptor, prefix string) (Descriptor, error) {
	switch {
	case descriptor.SchemaVersion == legacySchemaVersion:
		return upgradeLegacy(descriptor, prefix), nil
	case descriptor.SchemaVersion == CurrentSchemaVersion:
		return descriptor, nil
	case descriptor.SchemaVersion > CurrentSchemaVersion:
		return Descriptor{}, fmt.Errorf("%w: schema version %d", ErrTargetVersionTooOld, descriptor.SchemaVersion)
	default:
		return Descriptor{}, fmt.Errorf("%w: schema version %d", ErrIncompatibleSchema, descriptor.SchemaVersion)
	}
}
