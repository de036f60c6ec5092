package card

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewCardDefaults(t *testing.T) {
	c := New(TypeTable)
	if len(c.ID) != 12 {
		t.Errorf("id length = %d, want 12", len(c.ID))
	}
	if c.Dismissed || c.Deleted {
		t.Error("new card should not be dismissed or deleted")
	}
	if c.Annotations == nil {
		t.Error("annotations should be initialized empty, not nil")
	}
	if c.CreatedAt == "" || c.UpdatedAt == "" {
		t.Error("timestamps should be set")
	}
}

func TestCardRoundTrip(t *testing.T) {
	c := New(TypeDecision)
	c.Title = "Approve exclusions?"
	c.Study = "cohort-v2"
	c.Preview = map[string]any{"fields": []any{}}
	c.Prompt = "Pick one"
	c.Actions = []string{"confirm", "skip"}
	c.ResponseRequested = true
	c.ResponseTimeout = 300

	b, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Card
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != c.ID || got.Type != c.Type || got.Title != c.Title {
		t.Errorf("identity fields changed: got %+v", got)
	}
	if got.Dismissed || got.Deleted {
		t.Error("flags should default false")
	}
	if got.Annotations == nil || len(got.Annotations) != 0 {
		t.Errorf("annotations = %v, want empty list", got.Annotations)
	}
	if !got.ResponseRequested || got.ResponseTimeout != 300 {
		t.Errorf("interaction state lost: requested=%v timeout=%v", got.ResponseRequested, got.ResponseTimeout)
	}
}

func TestLegacyFormTypeDeserializesAsDecision(t *testing.T) {
	var c Card
	if err := json.Unmarshal([]byte(`{"card_id":"abc123def456","card_type":"form","created_at":"2025-01-01T00:00:00.000000Z","annotations":[]}`), &c); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.Type != TypeDecision {
		t.Errorf("type = %q, want %q", c.Type, TypeDecision)
	}
}

func TestMatchesID(t *testing.T) {
	c := &Card{ID: "abc123def456"}
	cases := []struct {
		query string
		want  bool
	}{
		{"abc123def456", true},
		{"abc123def456-my-table", true},
		{"abc123-anything", true},
		{"abc999", false},
		{"", false},
		{"-slug-only", false},
	}
	for _, tc := range cases {
		if got := c.MatchesID(tc.query); got != tc.want {
			t.Errorf("MatchesID(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestResolveClearsPending(t *testing.T) {
	c := New(TypeDecision)
	c.ResponseRequested = true
	c.Resolve("confirm", "looks good", "", "", map[string]any{"approve": true})
	if c.ResponseRequested {
		t.Error("response_requested should clear once resolved")
	}
	if !c.Responded || c.ResponseAction != "confirm" {
		t.Errorf("responded=%v action=%q", c.Responded, c.ResponseAction)
	}
	if c.RespondedAt == "" {
		t.Error("responded_at should be set")
	}
}

func TestParseISO(t *testing.T) {
	for _, s := range []string{
		"2025-06-01T10:20:30.123456Z",
		"2025-06-01T10:20:30Z",
		"2025-06-01T10:20:30",
	} {
		if ParseISO(s).IsZero() {
			t.Errorf("ParseISO(%q) returned zero time", s)
		}
	}
	if !ParseISO("not a time").IsZero() {
		t.Error("garbage should parse to zero time")
	}
}

func TestNowISOSortable(t *testing.T) {
	a := NowISO()
	b := NowISO()
	if strings.Compare(a, b) > 0 {
		t.Errorf("timestamps should sort lexicographically: %q > %q", a, b)
	}
}

func TestFormValidation(t *testing.T) {
	if _, err := NewForm(Question{Name: "", Prompt: "x"}); err == nil {
		t.Error("empty name should fail")
	}
	if _, err := NewForm(
		Question{Name: "a", Prompt: "first"},
		Question{Name: "a", Prompt: "second"},
	); err == nil {
		t.Error("duplicate names should fail")
	}
	f, err := NewForm(Question{Name: "approve", Prompt: "Approve?", Options: Options("yes", "no")})
	if err != nil {
		t.Fatalf("valid form rejected: %v", err)
	}
	spec := f.Spec()
	fields, ok := spec["fields"].([]map[string]any)
	if !ok || len(fields) != 1 {
		t.Fatalf("spec fields = %v", spec["fields"])
	}
	if fields[0]["name"] != "approve" {
		t.Errorf("field name = %v, want approve", fields[0]["name"])
	}
}

func TestOptionUnmarshalBothForms(t *testing.T) {
	var q Question
	data := `{"name":"pick","question":"Pick","options":["plain",{"label":"rich","description":"with detail"}]}`
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(q.Options) != 2 {
		t.Fatalf("options = %d, want 2", len(q.Options))
	}
	if q.Options[0].Label != "plain" || q.Options[1].Description != "with detail" {
		t.Errorf("options parsed wrong: %+v", q.Options)
	}
}

func TestChartTitle(t *testing.T) {
	cases := []struct {
		layout map[string]any
		want   string
	}{
		{map[string]any{"title": "Plain"}, "Plain"},
		{map[string]any{"title": map[string]any{"text": "Nested"}}, "Nested"},
		{map[string]any{}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		ch := &Chart{Layout: tc.layout}
		if got := ch.Title(); got != tc.want {
			t.Errorf("Title() = %q, want %q", got, tc.want)
		}
	}
}
