package policy

import (
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Preset is a named, reusable bundle of policy fields: checkbox-style flags
// plus scalar input values.
type Preset struct {
	Description string            `toml:"description"`
	Options     []string          `toml:"options"`
	Inputs      map[string]string `toml:"inputs"`
}

// Store maps preset names to presets.
type Store map[string]Preset

// Builtin returns the presets shipped with the tool.
func Builtin() Store {
	return Store{
		"AVIF-80-inf": {
			Description: "AVIF quality 80, infinite watch mode",
			Options:     []string{"infinite", "clipboard"},
			Inputs: map[string]string{
				"format":   "avif",
				"quality":  "80",
				"interval": "600",
			},
		},
		"AVIF-skip-jxl": {
			Description: "AVIF quality 80, skip JXL and WebP only",
			Options:     []string{"clipboard"},
			Inputs: map[string]string{
				"format":    "avif",
				"quality":   "80",
				"skip":      ".jxl,.webp",
				"blacklist": "02COS",
			},
		},
		"JXL-lossless": {
			Description: "JXL lossless via cjxl",
			Options:     []string{"clipboard", "lossless"},
			Inputs: map[string]string{
				"format":  "jxl",
				"quality": "100",
			},
		},
		"JXL-80": {
			Description: "JXL quality 80",
			Options:     []string{"clipboard"},
			Inputs: map[string]string{
				"format":  "jxl",
				"quality": "80",
			},
		},
		"AVIF-80-1800": {
			Description: "AVIF quality 80, 1800px width filter",
			Options:     []string{"clipboard"},
			Inputs: map[string]string{
				"format":    "avif",
				"quality":   "70",
				"min_width": "1800",
			},
		},
	}
}

type presetFile struct {
	Presets map[string]Preset `toml:"presets"`
}

// LoadFile reads user presets from a TOML file.
func LoadFile(path string) (Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read preset file: %w", err)
	}
	var file presetFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse preset file %s: %w", path, err)
	}
	return Store(file.Presets), nil
}

// Merge overlays other onto s, other winning on name collisions.
func (s Store) Merge(other Store) Store {
	merged := make(Store, len(s)+len(other))
	for name, preset := range s {
		merged[name] = preset
	}
	for name, preset := range other {
		merged[name] = preset
	}
	return merged
}

// Names returns preset names in sorted order.
func (s Store) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
