package study

import (
	"fmt"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/store"
)

// BuildContext assembles the agent re-orientation summary for a study. The
// current_selections placeholder is filled by the server, which owns the live
// selection state.
func (m *Manager) BuildContext(label string) (map[string]any, error) {
	m.mu.RLock()
	dirName, ok := m.labelToDir[label]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("study %s: %w", label, store.ErrNotFound)
	}
	s := m.stores[dirName]
	m.mu.RUnlock()

	var (
		summaries []map[string]any
		pending   []map[string]any
		decisions []map[string]any
		count     int
	)
	for _, c := range s.ListCards() {
		if c.Deleted {
			continue
		}
		if c.Type != card.TypeSection {
			count++
		}
		summary := map[string]any{
			"card_id":    c.ID,
			"card_type":  string(c.Type),
			"title":      c.Title,
			"created_at": c.CreatedAt,
		}
		if c.ResponseRequested {
			summary["response_requested"] = true
		}
		if len(c.Annotations) > 0 {
			notes := make([]map[string]any, len(c.Annotations))
			for i, a := range c.Annotations {
				notes[i] = map[string]any{"text": a.Text, "created_at": a.CreatedAt}
			}
			summary["annotations"] = notes
		}
		summaries = append(summaries, summary)

		if c.ResponseRequested {
			pending = append(pending, map[string]any{
				"card_id": c.ID,
				"title":   c.Title,
				"prompt":  c.Prompt,
			})
		}
		if c.ResponseAction != "" {
			d := map[string]any{
				"card_id":      c.ID,
				"title":        c.Title,
				"action":       c.ResponseAction,
				"responded_at": c.RespondedAt,
			}
			if c.ResponseMessage != "" {
				d["message"] = c.ResponseMessage
			}
			if len(c.ResponseValues) > 0 {
				d["values"] = resolveOptionDescriptions(c.Preview, c.ResponseValues)
			}
			decisions = append(decisions, d)
		}
	}

	return map[string]any{
		"study":              label,
		"card_count":         count,
		"cards":              summaries,
		"pending_responses":  pending,
		"decisions":          decisions,
		"current_selections": map[string]any{},
	}, nil
}

// resolveOptionDescriptions enriches submitted form values with the
// description text of the option the researcher picked, cross-referenced from
// the decision card's field specs.
func resolveOptionDescriptions(preview map[string]any, values map[string]any) map[string]any {
	descs := fieldOptionDescriptions(preview)
	out := make(map[string]any, len(values))
	for name, v := range values {
		entry := map[string]any{"value": v}
		if byLabel, ok := descs[name]; ok {
			switch val := v.(type) {
			case string:
				if d := byLabel[val]; d != "" {
					entry["description"] = d
				}
			case []any:
				var ds []string
				for _, item := range val {
					if s, ok := item.(string); ok {
						if d := byLabel[s]; d != "" {
							ds = append(ds, d)
						}
					}
				}
				if len(ds) > 0 {
					entry["descriptions"] = ds
				}
			}
		}
		out[name] = entry
	}
	return out
}

// fieldOptionDescriptions maps field name → option label → description from a
// decision card preview.
func fieldOptionDescriptions(preview map[string]any) map[string]map[string]string {
	out := make(map[string]map[string]string)
	fields, ok := preview["fields"].([]any)
	if !ok {
		// Specs built in-process arrive as []map[string]any.
		if typed, ok2 := preview["fields"].([]map[string]any); ok2 {
			for _, f := range typed {
				fields = append(fields, any(f))
			}
		} else {
			return out
		}
	}
	for _, f := range fields {
		field, ok := f.(map[string]any)
		if !ok {
			continue
		}
		name, _ := field["name"].(string)
		if name == "" {
			continue
		}
		byLabel := make(map[string]string)
		switch opts := field["options"].(type) {
		case []any:
			for _, o := range opts {
				if om, ok := o.(map[string]any); ok {
					label, _ := om["label"].(string)
					desc, _ := om["description"].(string)
					if label != "" {
						byLabel[label] = desc
					}
				}
			}
		case []map[string]any:
			for _, om := range opts {
				label, _ := om["label"].(string)
				desc, _ := om["description"].(string)
				if label != "" {
					byLabel[label] = desc
				}
			}
		}
		if len(byLabel) > 0 {
			out[name] = byLabel
		}
	}
	return out
}
