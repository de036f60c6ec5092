package study

import (
	"testing"

	"github.com/ehrlich-b/vitrine/card"
)

func TestBuildContext(t *testing.T) {
	m, _ := openTestManager(t)
	addCard(t, m, "ctx", "table one", card.TypeTable)
	addCard(t, m, "ctx", "heading", card.TypeSection)

	pending := addCard(t, m, "ctx", "decide", card.TypeDecision)
	s, _ := m.GetStudy("ctx")
	if _, err := s.UpdateCard(pending.ID, map[string]any{
		"response_requested": true,
		"prompt":             "Proceed?",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	decided := addCard(t, m, "ctx", "picked", card.TypeDecision)
	if _, err := s.UpdateCard(decided.ID, map[string]any{
		"preview": map[string]any{
			"fields": []any{
				map[string]any{
					"name": "approach",
					"options": []any{
						map[string]any{"label": "cox", "description": "Cox proportional hazards"},
						map[string]any{"label": "km", "description": "Kaplan-Meier"},
					},
				},
			},
		},
		"response_action": "confirm",
		"response_values": map[string]any{"approach": "cox"},
	}); err != nil {
		t.Fatalf("update decided: %v", err)
	}

	deleted := addCard(t, m, "ctx", "erased", card.TypeMarkdown)
	if _, err := s.UpdateCard(deleted.ID, map[string]any{"deleted": true}); err != nil {
		t.Fatalf("delete: %v", err)
	}

	ctx, err := m.BuildContext("ctx")
	if err != nil {
		t.Fatalf("build context: %v", err)
	}
	if ctx["study"] != "ctx" {
		t.Errorf("study = %v", ctx["study"])
	}
	// Sections and deleted cards don't count.
	if ctx["card_count"] != 3 {
		t.Errorf("card_count = %v, want 3", ctx["card_count"])
	}
	cards := ctx["cards"].([]map[string]any)
	for _, summary := range cards {
		if summary["title"] == "erased" {
			t.Error("deleted card in context summaries")
		}
	}

	pendingList := ctx["pending_responses"].([]map[string]any)
	if len(pendingList) != 1 || pendingList[0]["card_id"] != pending.ID {
		t.Errorf("pending_responses = %v", pendingList)
	}

	decisions := ctx["decisions"].([]map[string]any)
	if len(decisions) != 1 {
		t.Fatalf("decisions = %v, want 1", decisions)
	}
	values := decisions[0]["values"].(map[string]any)
	entry := values["approach"].(map[string]any)
	if entry["value"] != "cox" {
		t.Errorf("decision value = %v, want cox", entry["value"])
	}
	if entry["description"] != "Cox proportional hazards" {
		t.Errorf("option description not resolved: %v", entry["description"])
	}
}

func TestBuildContextUnknownStudy(t *testing.T) {
	m, _ := openTestManager(t)
	if _, err := m.BuildContext("nope"); err == nil {
		t.Error("expected error for unknown study")
	}
}
