// Package options validates and merges conversion options. The effective
// options of a job come from a merge lattice (caller override > key default
// > tenant default > system default) overlaid with the selected profile's
// export list. Inputs are never mutated.
package options

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// ErrInvalid wraps every validation failure.
type ErrInvalid struct{ Reason string }

func (e *ErrInvalid) Error() string { return "options: " + e.Reason }

func invalid(format string, args ...any) error {
	return &ErrInvalid{Reason: fmt.Sprintf(format, args...)}
}

// DefaultExports is used when no exports are requested anywhere.
var DefaultExports = []string{"markdown", "text", "doctags"}

// exportKinds are the requestable artifact kinds. The canonical docling_json
// artifact is always produced and cannot be requested.
var exportKinds = map[string]bool{
	"markdown":    true,
	"text":        true,
	"doctags":     true,
	"chunks_json": true,
	"figures_zip": true,
}

// Parse decodes a JSON object string into an options map. Empty input means
// an empty map.
func Parse(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, invalid("options must be a JSON object: %v", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Encode renders an options map as compact JSON with stable output.
func Encode(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Validate checks the options schema. Unknown keys are passed through
// untouched for the engine; known keys must have the right shape.
func Validate(m map[string]any) error {
	if len(m) == 0 {
		return nil
	}
	for key, value := range m {
		switch key {
		case "max_num_pages", "max_file_size":
			if !isNonNegativeInt(value) {
				return invalid("%s must be a non-negative integer", key)
			}
		case "exports":
			list, ok := stringList(value)
			if !ok {
				return invalid("exports must be a list of strings")
			}
			for _, kind := range list {
				if !exportKinds[kind] {
					return invalid("unknown export kind %q", kind)
				}
			}
		case "ocr":
			if _, ok := value.(bool); !ok {
				return invalid("ocr must be a boolean")
			}
		case "ocr_languages":
			if _, ok := stringList(value); !ok {
				return invalid("ocr_languages must be a list of strings")
			}
		}
	}
	return nil
}

// Merge folds maps left to right, later maps overriding earlier keys
// (shallow). The canonical order is system, tenant, key, caller. Inputs are
// not mutated.
func Merge(maps ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// ApplyProfile overlays the profile's export list onto a copy of m. Profile
// exports replace caller-supplied exports; everything else is retained.
// An empty or unknown profile returns m unchanged.
func ApplyProfile(m map[string]any, profile string) map[string]any {
	def, ok := profiles[profile]
	if !ok {
		return m
	}
	out := Merge(m)
	out["exports"] = append([]string(nil), def.Exports...)
	return out
}

// ValidProfile reports whether name is a known profile (empty is valid: no
// profile selected).
func ValidProfile(name string) bool {
	if name == "" {
		return true
	}
	_, ok := profiles[name]
	return ok
}

// ProfileNames returns the known profile names, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PipelineOptions returns the profile's engine pipeline options, or nil.
func PipelineOptions(profile string) map[string]any {
	def, ok := profiles[profile]
	if !ok {
		return nil
	}
	return Merge(def.PipelineOptions)
}

// Exports returns the effective export kinds from m, falling back to
// DefaultExports when none are requested.
func Exports(m map[string]any) []string {
	list, ok := stringList(m["exports"])
	if !ok || len(list) == 0 {
		return append([]string(nil), DefaultExports...)
	}
	return list
}

// MaxNumPages returns the page cap from m or fallback.
func MaxNumPages(m map[string]any, fallback int) int {
	if v, ok := asInt(m["max_num_pages"]); ok && v > 0 {
		return int(v)
	}
	return fallback
}

// MaxFileSize returns the byte cap from m or fallback.
func MaxFileSize(m map[string]any, fallback int64) int64 {
	if v, ok := asInt(m["max_file_size"]); ok && v > 0 {
		return v
	}
	return fallback
}

type profileDef struct {
	PipelineOptions map[string]any
	Exports         []string
}

var profiles = map[string]profileDef{
	"fast_text": {
		PipelineOptions: map[string]any{
			"do_ocr":                     false,
			"do_table_structure":         false,
			"do_picture_description":     false,
			"do_picture_classification":  false,
		},
		Exports: []string{"text", "markdown", "doctags"},
	},
	"ocr_only": {
		PipelineOptions: map[string]any{
			"do_ocr":                    true,
			"do_table_structure":        false,
			"do_picture_description":    false,
			"do_picture_classification": false,
			"ocr_options": map[string]any{
				"kind": "auto", "lang": []any{}, "force_full_page_ocr": true,
			},
		},
		Exports: []string{"text", "markdown", "doctags"},
	},
	"structured": {
		PipelineOptions: map[string]any{
			"do_ocr":               true,
			"do_table_structure":   true,
			"generate_parsed_pages": true,
		},
		Exports: []string{"text", "markdown", "doctags", "chunks_json"},
	},
	"full_vlm": {
		PipelineOptions: map[string]any{
			"do_ocr":                    true,
			"do_table_structure":        true,
			"do_picture_description":    false,
			"do_picture_classification": false,
			"generate_picture_images":   true,
			"images_scale":              2.0,
		},
		Exports: []string{"text", "markdown", "doctags", "chunks_json", "figures_zip"},
	},
}

func isNonNegativeInt(v any) bool {
	n, ok := asInt(v)
	return ok && n >= 0
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func stringList(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
