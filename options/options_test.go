package options

import (
	"errors"
	"reflect"
	"testing"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		json    string
		wantErr bool
	}{
		{"empty", "", false},
		{"empty object", "{}", false},
		{"good", `{"max_num_pages": 12, "exports": ["text"], "ocr": true, "ocr_languages": ["fr"]}`, false},
		{"unknown keys pass through", `{"images_scale": 2.0}`, false},
		{"negative pages", `{"max_num_pages": -1}`, true},
		{"fractional pages", `{"max_num_pages": 1.5}`, true},
		{"string size", `{"max_file_size": "big"}`, true},
		{"exports not list", `{"exports": "text"}`, true},
		{"unknown export kind", `{"exports": ["docling_json"]}`, true},
		{"ocr not bool", `{"ocr": "yes"}`, true},
		{"languages not strings", `{"ocr_languages": [1]}`, true},
	}
	for _, tc := range cases {
		m, err := Parse(tc.json)
		if err == nil {
			err = Validate(m)
		}
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr = %v", tc.name, err, tc.wantErr)
		}
		if err != nil {
			var inv *ErrInvalid
			if !errors.As(err, &inv) {
				t.Errorf("%s: error is not ErrInvalid: %v", tc.name, err)
			}
		}
	}
}

func TestMergeLattice(t *testing.T) {
	system := map[string]any{"max_num_pages": 500, "ocr": false}
	tenant := map[string]any{"ocr": true}
	key := map[string]any{"max_file_size": 1000}
	caller := map[string]any{"max_num_pages": 12}

	got := Merge(system, tenant, key, caller)
	if got["max_num_pages"] != 12 {
		t.Errorf("caller should win: %v", got["max_num_pages"])
	}
	if got["ocr"] != true {
		t.Errorf("tenant should beat system: %v", got["ocr"])
	}
	if got["max_file_size"] != 1000 {
		t.Errorf("key default lost: %v", got["max_file_size"])
	}
	// Inputs stay untouched.
	if system["max_num_pages"] != 500 {
		t.Error("merge mutated an input")
	}
}

func TestApplyProfileOverridesExports(t *testing.T) {
	caller := map[string]any{"max_num_pages": 12, "exports": []any{"text"}}
	got := ApplyProfile(caller, "fast_text")

	want := []string{"text", "markdown", "doctags"}
	if !reflect.DeepEqual(got["exports"], want) {
		t.Errorf("exports = %v, want %v", got["exports"], want)
	}
	if got["max_num_pages"] != 12 {
		t.Error("non-export options must be retained")
	}
	// Caller map untouched.
	if !reflect.DeepEqual(caller["exports"], []any{"text"}) {
		t.Error("ApplyProfile mutated the caller map")
	}

	// Unknown profile: unchanged.
	same := ApplyProfile(caller, "nope")
	if !reflect.DeepEqual(same, caller) {
		t.Errorf("unknown profile changed options: %v", same)
	}
}

func TestProfiles(t *testing.T) {
	for _, name := range []string{"fast_text", "ocr_only", "structured", "full_vlm"} {
		if !ValidProfile(name) {
			t.Errorf("profile %q should be valid", name)
		}
		if PipelineOptions(name) == nil {
			t.Errorf("profile %q has no pipeline options", name)
		}
	}
	if !ValidProfile("") {
		t.Error("empty profile means none selected and is valid")
	}
	if ValidProfile("super_fast") {
		t.Error("unknown profile should be invalid")
	}
}

func TestExportsFallback(t *testing.T) {
	got := Exports(map[string]any{})
	if !reflect.DeepEqual(got, DefaultExports) {
		t.Errorf("fallback exports = %v", got)
	}
	got = Exports(map[string]any{"exports": []any{"figures_zip"}})
	if !reflect.DeepEqual(got, []string{"figures_zip"}) {
		t.Errorf("exports = %v", got)
	}
}

func TestCaps(t *testing.T) {
	m, _ := Parse(`{"max_num_pages": 12, "max_file_size": 1024}`)
	if got := MaxNumPages(m, 500); got != 12 {
		t.Errorf("MaxNumPages = %d", got)
	}
	if got := MaxFileSize(m, 1<<20); got != 1024 {
		t.Errorf("MaxFileSize = %d", got)
	}
	if got := MaxNumPages(map[string]any{}, 500); got != 500 {
		t.Errorf("fallback MaxNumPages = %d", got)
	}
}
