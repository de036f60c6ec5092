package render

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/redact"
)

func testRenderer(t *testing.T) *Renderer {
	t.Helper()
	return New(redact.New(config.RedactionConfig{MaxRows: 10000}))
}

func TestRenderTable(t *testing.T) {
	r := testRenderer(t)
	f, _ := frame.New([]string{"val"}, [][]any{{1}, {2}, {3}})

	c, art, err := r.Render(f, Options{Title: "Cohort", Study: "s1", Source: "query.py"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if c.Type != card.TypeTable {
		t.Errorf("type = %q, want table", c.Type)
	}
	if c.Title != "Cohort" || c.Study != "s1" {
		t.Errorf("title/study not applied: %q %q", c.Title, c.Study)
	}
	if c.ArtifactID != c.ID || c.ArtifactKind != card.ArtifactColumnar {
		t.Errorf("artifact ref = %q/%q, want card id + columnar", c.ArtifactID, c.ArtifactKind)
	}
	if art == nil || art.Frame == nil || art.Frame.NumRows() != 3 {
		t.Fatal("columnar artifact missing")
	}
	if c.Provenance == nil || c.Provenance.Source != "query.py" {
		t.Errorf("provenance = %+v", c.Provenance)
	}
	shape, ok := c.Preview["shape"].([]int)
	if !ok || shape[0] != 3 || shape[1] != 1 {
		t.Errorf("shape = %v", c.Preview["shape"])
	}
}

func TestRenderTableRedacts(t *testing.T) {
	r := testRenderer(t)
	f, _ := frame.New([]string{"first_name", "v"}, [][]any{{"Ada", 1}})

	c, art, err := r.Render(f, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	rows := c.Preview["preview_rows"].([]map[string]any)
	if rows[0]["first_name"] != redact.Placeholder {
		t.Errorf("preview not redacted: %v", rows[0])
	}
	if art.Frame.Rows[0][0] != redact.Placeholder {
		t.Errorf("artifact not redacted: %v", art.Frame.Rows[0][0])
	}
	if f.Rows[0][0] != "Ada" {
		t.Error("input frame mutated")
	}
}

func TestRenderTablePreviewCap(t *testing.T) {
	r := testRenderer(t)
	rows := make([][]any, 50)
	for i := range rows {
		rows[i] = []any{i}
	}
	f, _ := frame.New([]string{"i"}, rows)
	c, _, err := r.Render(f, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	preview := c.Preview["preview_rows"].([]map[string]any)
	if len(preview) != 20 {
		t.Errorf("preview rows = %d, want 20", len(preview))
	}
}

func TestRenderChart(t *testing.T) {
	r := testRenderer(t)
	ch := &card.Chart{
		Data:   []map[string]any{{"x": []any{1, 2}, "y": []any{3, 4}, "type": "scatter"}},
		Layout: map[string]any{"title": map[string]any{"text": "Trend"}},
	}
	c, art, err := r.Render(ch, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if c.Type != card.TypePlotly || c.ArtifactKind != card.ArtifactJSON {
		t.Errorf("type/kind = %q/%q", c.Type, c.ArtifactKind)
	}
	if c.Title != "Trend" {
		t.Errorf("title from layout = %q, want Trend", c.Title)
	}
	if art.JSON == nil {
		t.Fatal("json artifact missing")
	}
}

func TestTruncateTraces(t *testing.T) {
	big := make([]any, maxPlotlyDataPoints+5)
	for i := range big {
		big[i] = i
	}
	out := truncateTraces([]map[string]any{{"x": big, "name": "t"}})
	if got := len(out[0]["x"].([]any)); got != maxPlotlyDataPoints {
		t.Errorf("truncated len = %d, want %d", got, maxPlotlyDataPoints)
	}
	if out[0]["name"] != "t" {
		t.Error("scalar trace fields should pass through")
	}
}

func TestRenderSVG(t *testing.T) {
	r := testRenderer(t)
	svg := card.SVG(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script><rect onclick="evil()" href="javascript:boom"/></svg>`)
	c, art, err := r.Render(svg, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if c.Type != card.TypeImage || c.ArtifactKind != card.ArtifactSVG {
		t.Errorf("type/kind = %q/%q", c.Type, c.ArtifactKind)
	}
	body := string(art.Bytes)
	for _, bad := range []string{"<script", "onclick", "javascript:"} {
		if strings.Contains(body, bad) {
			t.Errorf("sanitized svg still contains %q: %s", bad, body)
		}
	}
	if c.Preview["format"] != "svg" {
		t.Errorf("format = %v", c.Preview["format"])
	}
}

func TestSanitizeSVGSizeCeiling(t *testing.T) {
	big := bytes.Repeat([]byte("a"), MaxSVGBytes+1)
	if _, err := SanitizeSVG(big); err == nil {
		t.Fatal("oversized svg should error")
	}
}

func TestRenderImagePNG(t *testing.T) {
	r := testRenderer(t)
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})

	c, art, err := r.Render(img, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if c.ArtifactKind != card.ArtifactPNG {
		t.Errorf("kind = %q, want png", c.ArtifactKind)
	}
	if len(art.Bytes) == 0 || !bytes.HasPrefix(art.Bytes, []byte("\x89PNG")) {
		t.Error("png artifact missing magic bytes")
	}
}

func TestRenderMarkdownAndKeyValue(t *testing.T) {
	r := testRenderer(t)

	c, art, err := r.Render("# Heading", Options{})
	if err != nil || art != nil {
		t.Fatalf("markdown: err=%v art=%v", err, art)
	}
	if c.Type != card.TypeMarkdown || c.Preview["text"] != "# Heading" {
		t.Errorf("markdown card = %+v", c)
	}

	c, _, err = r.Render(map[string]any{"n": 42, "ok": true}, Options{})
	if err != nil {
		t.Fatalf("keyvalue: %v", err)
	}
	items := c.Preview["items"].(map[string]any)
	if items["n"] != "42" || items["ok"] != "true" {
		t.Errorf("items = %v, want stringified", items)
	}
}

func TestRenderFormAndQuestion(t *testing.T) {
	r := testRenderer(t)
	q := card.Question{Name: "approve", Prompt: "Approve?", Options: card.Options("yes", "no")}

	c, _, err := r.Render(q, Options{})
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if c.Type != card.TypeDecision {
		t.Errorf("type = %q, want decision", c.Type)
	}
	fields := c.Preview["fields"].([]map[string]any)
	if len(fields) != 1 || fields[0]["name"] != "approve" {
		t.Errorf("fields = %v", fields)
	}

	if _, _, err := r.Render(card.Question{Name: ""}, Options{}); err == nil {
		t.Error("invalid question should error")
	}
}

func TestRenderFallbackRepr(t *testing.T) {
	r := testRenderer(t)
	type odd struct{ X int }
	c, _, err := r.Render(odd{X: 7}, Options{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := c.Preview["text"].(string)
	if !strings.HasPrefix(text, "```") || !strings.Contains(text, "X:7") {
		t.Errorf("fallback preview = %q", text)
	}
}
