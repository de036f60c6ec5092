package card

// Chart is a plotly-style figure specification: a list of traces plus layout
// and config mappings. It renders to a plotly card with a JSON artifact.
type Chart struct {
	Data   []map[string]any `json:"data"`
	Layout map[string]any   `json:"layout,omitempty"`
	Config map[string]any   `json:"config,omitempty"`
}

// Title extracts the chart title from the layout, handling both the bare
// string form and the {text: ...} object form.
func (c *Chart) Title() string {
	if c == nil || c.Layout == nil {
		return ""
	}
	switch t := c.Layout["title"].(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
	}
	return ""
}

// SVG is a static figure, rendered to an image card after sanitization.
type SVG []byte
