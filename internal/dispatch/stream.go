package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Usage accumulates token and cost counters reported by the agent stream.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}

// StreamEvent is one parsed line of the agent's stream-of-records output.
type StreamEvent struct {
	Kind     string // "text", "tool_use", or "result"
	Text     string // rendered display text (or final result text)
	Usage    *Usage // set when the line carried usage counters
	IsResult bool
}

type streamLine struct {
	Type         string          `json:"type"`
	Message      *messageBody    `json:"message,omitempty"`
	Result       string          `json:"result,omitempty"`
	ModelUsage   json.RawMessage `json:"modelUsage,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
}

type messageBody struct {
	Content []contentBlock `json:"content"`
	Usage   *usageBody     `json:"usage,omitempty"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type usageBody struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type modelUsageEntry struct {
	InputTokens              int     `json:"inputTokens"`
	OutputTokens             int     `json:"outputTokens"`
	CacheReadInputTokens     int     `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int     `json:"cacheCreationInputTokens"`
	CostUSD                  float64 `json:"costUSD"`
}

// ParseStreamLine parses one stdout line from the agent child. Lines that are
// empty, unparseable, or of an unknown type report ok=false and are skipped.
func ParseStreamLine(line string) (StreamEvent, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return StreamEvent{}, false
	}
	var ev streamLine
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return StreamEvent{}, false
	}
	switch ev.Type {
	case "assistant":
		return parseAssistant(&ev)
	case "result":
		return parseResult(&ev), true
	default:
		return StreamEvent{}, false
	}
}

func parseAssistant(ev *streamLine) (StreamEvent, bool) {
	if ev.Message == nil {
		return StreamEvent{}, false
	}
	var parts []string
	kind := "text"
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "tool_use":
			kind = "tool_use"
			parts = append(parts, toolHint(block))
		}
	}
	out := StreamEvent{Kind: kind, Text: strings.Join(parts, "\n")}
	if u := ev.Message.Usage; u != nil {
		out.Usage = &Usage{
			InputTokens:         u.InputTokens,
			OutputTokens:        u.OutputTokens,
			CacheReadTokens:     u.CacheReadInputTokens,
			CacheCreationTokens: u.CacheCreationInputTokens,
		}
	}
	if out.Text == "" && out.Usage == nil {
		return StreamEvent{}, false
	}
	return out, true
}

// toolHint renders a tool_use block as an inline activity note.
func toolHint(block contentBlock) string {
	get := func(key string) string {
		if block.Input == nil {
			return ""
		}
		s, _ := block.Input[key].(string)
		return s
	}
	switch block.Name {
	case "Read":
		if f := get("file_path"); f != "" {
			return fmt.Sprintf("*Reading %s…*", f)
		}
	case "Grep", "Glob":
		if p := get("pattern"); p != "" {
			return fmt.Sprintf("*Searching for %s…*", p)
		}
	case "Bash":
		if cmd := get("command"); cmd != "" {
			if len(cmd) > 80 {
				cmd = cmd[:80]
			}
			return fmt.Sprintf("*Running %s…*", cmd)
		}
	}
	return fmt.Sprintf("*Using %s…*", block.Name)
}

func parseResult(ev *streamLine) StreamEvent {
	out := StreamEvent{Kind: "result", Text: ev.Result, IsResult: true}
	u := &Usage{}
	if len(ev.ModelUsage) > 0 {
		var byModel map[string]modelUsageEntry
		if err := json.Unmarshal(ev.ModelUsage, &byModel); err == nil {
			for _, entry := range byModel {
				u.InputTokens += entry.InputTokens
				u.OutputTokens += entry.OutputTokens
				u.CacheReadTokens += entry.CacheReadInputTokens
				u.CacheCreationTokens += entry.CacheCreationInputTokens
				u.CostUSD += entry.CostUSD
			}
		}
	}
	if u.CostUSD == 0 {
		u.CostUSD = ev.TotalCostUSD
	}
	out.Usage = u
	return out
}

// Merge folds another usage report into the accumulator. Token counters are
// additive; cost takes the latest non-zero figure.
func (u *Usage) Merge(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	if other.CostUSD > 0 {
		u.CostUSD = other.CostUSD
	}
}

// Map returns the usage as a preview mapping.
func (u *Usage) Map() map[string]any {
	return map[string]any{
		"input_tokens":          u.InputTokens,
		"output_tokens":         u.OutputTokens,
		"cache_read_tokens":     u.CacheReadTokens,
		"cache_creation_tokens": u.CacheCreationTokens,
		"cost_usd":              u.CostUSD,
	}
}
