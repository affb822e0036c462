package graph

import "testing"

func TestQuoteLabel(t *testing.T) {
	cases := []struct {
		label   string
		wantErr bool
	}{
		{"Patient", false},
		{"fhir:ref:subject.reference", false},
		{"fhir:ref:item[0].value", false},
		{"", true},
		{"bad`label", true},
		{"bad label", true},
	}
	for _, tc := range cases {
		got, err := quoteLabel(tc.label)
		if tc.wantErr {
			if err == nil {
				t.Errorf("quoteLabel(%q): expected error, got %q", tc.label, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("quoteLabel(%q): unexpected error: %v", tc.label, err)
		}
		want := "`" + tc.label + "`"
		if got != want {
			t.Errorf("quoteLabel(%q) = %q, want %q", tc.label, got, want)
		}
	}
}

func TestUnwrapSingleton(t *testing.T) {
	if got := unwrapSingleton([]interface{}{"a"}); got != "a" {
		t.Errorf("expected singleton unwrapped, got %v", got)
	}
	list := []interface{}{"a", "b"}
	got, ok := unwrapSingleton(list).([]interface{})
	if !ok || len(got) != 2 {
		t.Errorf("expected multi-valued list preserved, got %v", got)
	}
	if got := unwrapSingleton("scalar"); got != "scalar" {
		t.Errorf("expected scalar unchanged, got %v", got)
	}
}

func TestCloneProps(t *testing.T) {
	in := map[string]interface{}{"a": 1}
	out := cloneProps(in)
	out["a"] = 2
	if in["a"] != 1 {
		t.Errorf("cloneProps should not alias the source map")
	}
}

func TestConfigForOp(t *testing.T) {
	if c := configForOp("read"); c.Timeout <= 0 {
		t.Errorf("expected positive timeout for known op")
	}
	if c := configForOp("unknown-op"); c.Timeout <= 0 {
		t.Errorf("expected a fallback timeout for unknown op")
	}
}
