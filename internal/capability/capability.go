// Package capability answers whether a remote server version supports a
// given feature. It is a pure function of (feature, version): no I/O, no
// error path. Unknown features are unsupported at every version so that a
// misspelled or retired feature name can never enable a remote call.
package capability

import "sort"

// Feature describes a named server capability and the minimum server
// version that provides it.
type Feature struct {
	Name        string
	Min         Version
	Description string
}

var (
	// TrackerImport gates the consolidated tracker import endpoint used
	// for creates and updates of tracked entities.
	TrackerImport = Feature{
		Name:        "tracker_import",
		Min:         Version{2, 36, 0},
		Description: "Consolidated tracker importer for tracked entity writes",
	}

	// TrackerExport gates paged tracked-entity export with lastUpdated filtering.
	TrackerExport = Feature{
		Name:        "tracker_export",
		Min:         Version{2, 36, 0},
		Description: "Paged tracked entity export with lastUpdated filters",
	}

	// TrackedEntityDelete gates server-side deletion of tracked entities.
	TrackedEntityDelete = Feature{
		Name:        "tracked_entity_delete",
		Min:         Version{2, 35, 0},
		Description: "Remote deletion of tracked entities",
	}

	// WorkingLists gates saved tracked-entity filters.
	WorkingLists = Feature{
		Name:        "working_lists",
		Min:         Version{2, 38, 0},
		Description: "Server-side tracked entity working lists",
	}

	// ChangeLogs gates per-entity change log retrieval.
	ChangeLogs = Feature{
		Name:        "change_logs",
		Min:         Version{2, 39, 0},
		Description: "Per-entity audit change logs",
	}
)

var allFeatures = []Feature{
	ChangeLogs,
	TrackedEntityDelete,
	TrackerExport,
	TrackerImport,
	WorkingLists,
}

var minVersions = buildMinVersionMap()

func buildMinVersionMap() map[string]Version {
	m := make(map[string]Version, len(allFeatures))
	for _, f := range allFeatures {
		m[f.Name] = f.Min
	}
	return m
}

// Supports reports whether the given server version provides the named
// feature. Unknown feature names are unsupported for all versions.
func Supports(feature string, v Version) bool {
	min, ok := minVersions[feature]
	if !ok {
		return false
	}
	return v.AtLeast(min)
}

// IsKnownFeature returns true when the feature exists in the registry.
func IsKnownFeature(name string) bool {
	_, ok := minVersions[name]
	return ok
}

// ListAll returns all known features sorted by name.
func ListAll() []Feature {
	items := make([]Feature, len(allFeatures))
	copy(items, allFeatures)
	sort.Slice(items, func(i, j int) bool {
		return items[i].Name < items[j].Name
	})
	return items
}
