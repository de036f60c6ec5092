// Package render converts arbitrary agent values into display cards plus
// their artifact payloads. Rendering is pure: callers persist the returned
// artifact and push the card.
package render

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/redact"
)

const (
	previewRows         = 20
	maxPlotlySpecBytes  = 5_000_000
	maxPlotlyDataPoints = 10_000
)

// Artifact is the large payload referenced by a rendered card. Exactly one
// of Frame, JSON, or Bytes is set, matching Kind.
type Artifact struct {
	Kind  string
	Frame *frame.Frame
	JSON  any
	Bytes []byte
}

// Options carry presentation metadata applied to the rendered card.
type Options struct {
	Title       string
	Description string
	Study       string
	Source      string
	SessionID   string
}

// Renderer dispatches on the value's type and applies redaction policy to
// tabular data.
type Renderer struct {
	redactor *redact.Redactor
}

func New(r *redact.Redactor) *Renderer {
	return &Renderer{redactor: r}
}

// Render builds a card (and optional artifact) for obj.
func (r *Renderer) Render(obj any, opts Options) (*card.Card, *Artifact, error) {
	var (
		c   *card.Card
		art *Artifact
		err error
	)
	switch v := obj.(type) {
	case *frame.Frame:
		c, art, err = r.renderTable(v)
	case frame.Frame:
		c, art, err = r.renderTable(&v)
	case *card.Chart:
		c, art = renderChart(v, &opts)
	case card.Chart:
		c, art = renderChart(&v, &opts)
	case card.SVG:
		c, art, err = renderSVG(v)
	case image.Image:
		c, art, err = renderImage(v)
	case *card.Form:
		c, err = renderForm(v)
	case card.Question:
		var f *card.Form
		if f, err = card.NewForm(v); err == nil {
			c, err = renderForm(f)
		}
	case string:
		c = card.New(card.TypeMarkdown)
		c.Preview = map[string]any{"text": v}
	case map[string]any:
		c = renderKeyValue(v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		c = renderKeyValue(m)
	default:
		c = card.New(card.TypeMarkdown)
		c.Preview = map[string]any{"text": fmt.Sprintf("```\n%#v\n```", obj)}
	}
	if err != nil {
		return nil, nil, err
	}

	if opts.Title != "" {
		c.Title = opts.Title
	}
	if opts.Description != "" {
		c.Description = opts.Description
	}
	if opts.Study != "" {
		c.Study = opts.Study
	}
	if opts.Source != "" || opts.SessionID != "" {
		c.Provenance = &card.Provenance{
			Source:    opts.Source,
			SessionID: opts.SessionID,
			CreatedAt: c.CreatedAt,
		}
	}
	if art != nil {
		c.ArtifactID = c.ID
		c.ArtifactKind = art.Kind
	}
	return c, art, nil
}

func (r *Renderer) renderTable(f *frame.Frame) (*card.Card, *Artifact, error) {
	if f == nil {
		return nil, nil, fmt.Errorf("nil frame")
	}
	redacted := r.redactor.Frame(f)
	redacted, truncated := r.redactor.EnforceRowLimit(redacted)

	rows, cols := redacted.Shape()
	c := card.New(card.TypeTable)
	c.Preview = map[string]any{
		"columns":      redacted.Columns,
		"dtypes":       redacted.Dtypes(),
		"shape":        []int{rows, cols},
		"preview_rows": redacted.Head(previewRows).Records(),
	}
	if truncated {
		c.Preview["truncated"] = true
	}
	return c, &Artifact{Kind: card.ArtifactColumnar, Frame: redacted}, nil
}

func renderChart(ch *card.Chart, opts *Options) (*card.Card, *Artifact) {
	spec := map[string]any{"data": ch.Data}
	if ch.Layout != nil {
		spec["layout"] = ch.Layout
	}
	if ch.Config != nil {
		spec["config"] = ch.Config
	}
	if b, err := json.Marshal(spec); err == nil && len(b) > maxPlotlySpecBytes {
		spec["data"] = truncateTraces(ch.Data)
		logger.Warn("plotly spec over size cap, trace arrays truncated",
			"bytes", len(b), "cap", maxPlotlySpecBytes)
	}

	c := card.New(card.TypePlotly)
	c.Preview = spec
	if opts.Title == "" {
		opts.Title = ch.Title()
	}
	return c, &Artifact{Kind: card.ArtifactJSON, JSON: spec}
}

// truncateTraces caps every array-valued trace entry at maxPlotlyDataPoints.
func truncateTraces(data []map[string]any) []map[string]any {
	out := make([]map[string]any, len(data))
	for i, trace := range data {
		t := make(map[string]any, len(trace))
		for k, v := range trace {
			if arr, ok := v.([]any); ok && len(arr) > maxPlotlyDataPoints {
				t[k] = arr[:maxPlotlyDataPoints]
			} else {
				t[k] = v
			}
		}
		out[i] = t
	}
	return out
}

func renderSVG(svg card.SVG) (*card.Card, *Artifact, error) {
	clean, err := SanitizeSVG([]byte(svg))
	if err != nil {
		return nil, nil, err
	}
	c := card.New(card.TypeImage)
	c.Preview = map[string]any{
		"data":       base64.StdEncoding.EncodeToString(clean),
		"format":     "svg",
		"size_bytes": len(clean),
	}
	return c, &Artifact{Kind: card.ArtifactSVG, Bytes: clean}, nil
}

func renderImage(img image.Image) (*card.Card, *Artifact, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, nil, fmt.Errorf("encode png: %w", err)
	}
	c := card.New(card.TypeImage)
	c.Preview = map[string]any{
		"data":       base64.StdEncoding.EncodeToString(buf.Bytes()),
		"format":     "png",
		"size_bytes": buf.Len(),
	}
	return c, &Artifact{Kind: card.ArtifactPNG, Bytes: buf.Bytes()}, nil
}

func renderForm(f *card.Form) (*card.Card, error) {
	for _, q := range f.Fields {
		if err := q.Validate(); err != nil {
			return nil, err
		}
	}
	c := card.New(card.TypeDecision)
	c.Preview = f.Spec()
	return c, nil
}

func renderKeyValue(m map[string]any) *card.Card {
	items := make(map[string]any, len(m))
	for k, v := range m {
		items[k] = fmt.Sprintf("%v", v)
	}
	c := card.New(card.TypeKeyValue)
	c.Preview = map[string]any{"items": items}
	return c
}
