package redact

import (
	"testing"

	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/config"
)

func testFrame(t *testing.T) *frame.Frame {
	t.Helper()
	f, err := frame.New(
		[]string{"subject_id", "first_name", "phone", "heart_rate"},
		[][]any{
			{101, "Ada", "555-0100", 72},
			{102, nil, nil, 68},
		},
	)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	return f
}

func TestFrameMasksPHIColumns(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 100})
	got := r.Frame(testFrame(t))

	if got.Rows[0][1] != Placeholder {
		t.Errorf("first_name = %v, want %q", got.Rows[0][1], Placeholder)
	}
	if got.Rows[0][2] != Placeholder {
		t.Errorf("phone = %v, want %q", got.Rows[0][2], Placeholder)
	}
	if got.Rows[0][3].(int64) != 72 {
		t.Errorf("heart_rate should survive: %v", got.Rows[0][3])
	}
}

func TestFramePreservesNulls(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 100})
	got := r.Frame(testFrame(t))
	if got.Rows[1][1] != nil || got.Rows[1][2] != nil {
		t.Errorf("nil cells should stay nil: %v %v", got.Rows[1][1], got.Rows[1][2])
	}
}

func TestFrameDoesNotMutateInput(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 100})
	in := testFrame(t)
	_ = r.Frame(in)
	if in.Rows[0][1] != "Ada" {
		t.Errorf("input mutated: %v", in.Rows[0][1])
	}
}

func TestHashIDs(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 100, HashIDs: true})
	got := r.Frame(testFrame(t))

	h, ok := got.Rows[0][0].(string)
	if !ok || len(h) != 12 {
		t.Fatalf("subject_id = %v, want 12-hex hash", got.Rows[0][0])
	}
	if h != HashID(int64(101)) {
		t.Errorf("hash not stable: %q vs %q", h, HashID(int64(101)))
	}
	// Without hash_ids the id column passes through.
	plain := New(config.RedactionConfig{MaxRows: 100}).Frame(testFrame(t))
	if plain.Rows[0][0].(int64) != 101 {
		t.Errorf("subject_id should pass through when hashing off: %v", plain.Rows[0][0])
	}
}

func TestDisabledPassthrough(t *testing.T) {
	r := New(config.RedactionConfig{Disabled: true, MaxRows: 1})
	in := testFrame(t)
	if got := r.Frame(in); got != in {
		t.Error("disabled redactor should return input unchanged")
	}
	if _, truncated := r.EnforceRowLimit(in); truncated {
		t.Error("disabled redactor should not truncate")
	}
}

func TestEnforceRowLimit(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 1})
	got, truncated := r.EnforceRowLimit(testFrame(t))
	if !truncated {
		t.Fatal("expected truncation")
	}
	if got.NumRows() != 1 {
		t.Errorf("rows = %d, want 1", got.NumRows())
	}

	small, truncated := r.EnforceRowLimit(got)
	if truncated || small.NumRows() != 1 {
		t.Error("under-limit frame should pass through")
	}
}

func TestCustomPatterns(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 100, Patterns: []string{`(?i)heart`}})
	got := r.Frame(testFrame(t))
	if got.Rows[0][3] != Placeholder {
		t.Errorf("custom pattern should mask heart_rate: %v", got.Rows[0][3])
	}
	if got.Rows[0][1] != "Ada" {
		t.Errorf("default patterns should be replaced: %v", got.Rows[0][1])
	}
}

func TestInvalidPatternFallsBack(t *testing.T) {
	r := New(config.RedactionConfig{MaxRows: 100, Patterns: []string{"("}})
	got := r.Frame(testFrame(t))
	if got.Rows[0][1] != Placeholder {
		t.Error("all-invalid custom patterns should fall back to defaults")
	}
}
