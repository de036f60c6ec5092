// Package export produces self-contained study exports: a single HTML
// document for reading, and a zip archive for programmatic re-use.
package export

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/store"
	"github.com/ehrlich-b/vitrine/internal/study"
)

const (
	exportTableRows  = 10000
	csvPreviewRows   = 100
	textPreviewBytes = 256 * 1024
)

var typeBadges = map[card.Type]string{
	card.TypeTable:    "T",
	card.TypeMarkdown: "M",
	card.TypePlotly:   "P",
	card.TypeImage:    "I",
	card.TypeKeyValue: "K",
	card.TypeSection:  "S",
	card.TypeDecision: "!",
	card.TypeAgent:    "A",
}

type htmlCard struct {
	Kind         string
	Badge        string
	Title        string
	Description  string
	CreatedAt    string
	Responded    bool
	ResponseLine string
	Markdown     string
	Items        [][2]string
	Table        *htmlTable
	ImageURI     template.URL
	PlotlyJSON   string
	AgentOutput  string
	Annotations  []card.Annotation
}

type htmlTable struct {
	Columns   []string
	Rows      [][]string
	TotalRows int
	Shown     int
}

type htmlFile struct {
	Name     string
	Kind     string // image, text, table, other
	ImageURI template.URL
	Text     string
	Table    *htmlTable
	Size     int64
}

type htmlStudy struct {
	Label string
	Cards []htmlCard
	Files []htmlFile
}

type htmlDoc struct {
	Title      string
	ExportedAt string
	Studies    []htmlStudy
}

// HTML renders one study (or, with an empty label, every study) as a single
// self-contained document.
func HTML(m *study.Manager, label string) (string, error) {
	studies, err := selectStudies(m, label)
	if err != nil {
		return "", err
	}

	doc := htmlDoc{Title: "vitrine export", ExportedAt: card.NowISO()}
	if label != "" {
		doc.Title = label + " — vitrine export"
	}
	for _, info := range studies {
		st, ok := m.GetStudy(info.Label)
		if !ok {
			continue
		}
		view := htmlStudy{Label: info.Label}
		for _, c := range st.ListCards() {
			if c.Deleted {
				continue
			}
			view.Cards = append(view.Cards, buildHTMLCard(st, c))
		}
		view.Files = buildHTMLFiles(m, info.Label)
		doc.Studies = append(doc.Studies, view)
	}

	var b strings.Builder
	if err := exportTmpl.Execute(&b, doc); err != nil {
		return "", fmt.Errorf("render export: %w", err)
	}
	return b.String(), nil
}

// selectStudies resolves the export scope, newest first.
func selectStudies(m *study.Manager, label string) ([]study.Info, error) {
	all := m.ListStudies()
	if label == "" {
		return all, nil
	}
	for _, info := range all {
		if info.Label == label {
			return []study.Info{info}, nil
		}
	}
	return nil, fmt.Errorf("study %q: %w", label, store.ErrNotFound)
}

func buildHTMLCard(st *store.Store, c *card.Card) htmlCard {
	out := htmlCard{
		Kind:        string(c.Type),
		Badge:       typeBadges[c.Type],
		Title:       c.Title,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
		Responded:   c.Responded,
		Annotations: c.Annotations,
	}
	if out.Title == "" {
		out.Title = c.ID
	}
	if c.Responded {
		out.ResponseLine = c.ResponseAction
		if c.ResponseMessage != "" {
			out.ResponseLine += " — " + c.ResponseMessage
		}
	}

	switch c.Type {
	case card.TypeTable:
		out.Table = exportTable(st, c)
	case card.TypeMarkdown:
		out.Markdown, _ = c.Preview["text"].(string)
	case card.TypeKeyValue:
		if items, ok := c.Preview["items"].(map[string]any); ok {
			keys := make([]string, 0, len(items))
			for k := range items {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				out.Items = append(out.Items, [2]string{k, fmt.Sprintf("%v", items[k])})
			}
		}
	case card.TypeImage:
		if data, ok := c.Preview["data"].(string); ok {
			format, _ := c.Preview["format"].(string)
			mime := "image/png"
			if format == "svg" {
				mime = "image/svg+xml"
			}
			out.ImageURI = template.URL("data:" + mime + ";base64," + data)
		}
	case card.TypePlotly:
		if data, err := json.MarshalIndent(c.Preview, "", "  "); err == nil {
			out.PlotlyJSON = string(data)
		}
	case card.TypeAgent:
		out.AgentOutput, _ = c.Preview["output"].(string)
	}
	return out
}

// exportTable re-reads the columnar artifact, falling back to the card's
// preview rows when the artifact is gone.
func exportTable(st *store.Store, c *card.Card) *htmlTable {
	id := c.ArtifactID
	if id == "" {
		id = c.ID
	}
	page, err := st.ReadTablePage(id, store.PageOptions{Limit: exportTableRows})
	if err == nil {
		t := &htmlTable{Columns: page.Columns, TotalRows: page.TotalRows, Shown: len(page.Rows)}
		for _, row := range page.Rows {
			cells := make([]string, len(page.Columns))
			for i, col := range page.Columns {
				cells[i] = formatCell(row[col])
			}
			t.Rows = append(t.Rows, cells)
		}
		return t
	}

	cols, ok := previewColumns(c.Preview)
	if !ok {
		return nil
	}
	records := previewRecords(c.Preview["preview_rows"])
	t := &htmlTable{Columns: cols, TotalRows: len(records), Shown: len(records)}
	for _, rec := range records {
		cells := make([]string, len(cols))
		for i, col := range cols {
			cells[i] = formatCell(rec[col])
		}
		t.Rows = append(t.Rows, cells)
	}
	return t
}

// previewRecords accepts both the in-memory and the JSON-round-tripped shape
// of a table card's preview rows.
func previewRecords(v any) []map[string]any {
	switch rows := v.(type) {
	case []map[string]any:
		return rows
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			if rec, ok := r.(map[string]any); ok {
				out = append(out, rec)
			}
		}
		return out
	}
	return nil
}

func previewColumns(preview map[string]any) ([]string, bool) {
	switch raw := preview["columns"].(type) {
	case []string:
		return raw, len(raw) > 0
	case []any:
		cols := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, false
			}
			cols = append(cols, s)
		}
		return cols, len(cols) > 0
	}
	return nil, false
}

// formatCell renders one table value: ints bare, floats compact, nil blank.
func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return fmt.Sprintf("%.4g", x)
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	default:
		return fmt.Sprintf("%v", x)
	}
}

// buildHTMLFiles inlines the study's output directory: images as data URIs,
// text in <pre>, csv as a first-rows table.
func buildHTMLFiles(m *study.Manager, label string) []htmlFile {
	files, err := m.ListOutputFiles(label)
	if err != nil {
		return nil
	}
	root, ok := m.OutputDir(label)
	if !ok {
		return nil
	}
	var out []htmlFile
	for _, f := range files {
		if f.IsDir {
			continue
		}
		// OutputFile.Path is relative to the output dir.
		src := filepath.Join(root, filepath.FromSlash(f.Path))
		hf := htmlFile{Name: f.Name, Kind: "other", Size: f.Size}
		ext := strings.ToLower(filepath.Ext(f.Name))
		switch {
		case study.ImageMIMETypes[ext] != "":
			if data, err := os.ReadFile(src); err == nil {
				hf.Kind = "image"
				hf.ImageURI = template.URL("data:" + study.ImageMIMETypes[ext] + ";base64," +
					base64.StdEncoding.EncodeToString(data))
			}
		case ext == ".csv":
			if t := csvPreview(src); t != nil {
				hf.Kind = "table"
				hf.Table = t
			}
		case study.TextExtensions[ext]:
			if data, err := os.ReadFile(src); err == nil {
				hf.Kind = "text"
				if len(data) > textPreviewBytes {
					data = data[:textPreviewBytes]
				}
				hf.Text = string(data)
			}
		}
		out = append(out, hf)
	}
	return out
}

func csvPreview(path string) *htmlTable {
	fd, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer fd.Close()
	r := csv.NewReader(fd)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil
	}
	t := &htmlTable{Columns: header}
	for len(t.Rows) < csvPreviewRows {
		rec, err := r.Read()
		if err != nil {
			break
		}
		t.Rows = append(t.Rows, rec)
	}
	t.Shown = len(t.Rows)
	t.TotalRows = len(t.Rows)
	return t
}

var exportTmpl = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font: 14px/1.5 -apple-system, "Segoe UI", sans-serif; color: #1b1f27; max-width: 920px; margin: 0 auto; padding: 24px; }
h1 { font-size: 20px; } h2 { font-size: 17px; border-bottom: 1px solid #d8dbe2; padding-bottom: 4px; margin-top: 36px; }
.card { border: 1px solid #d8dbe2; border-radius: 8px; padding: 12px 16px; margin: 14px 0; }
.badge { display: inline-block; min-width: 18px; text-align: center; font-size: 11px; font-weight: 700; border-radius: 4px; padding: 1px 5px; background: #5b8def; color: #fff; margin-right: 6px; }
.meta { color: #7a8094; font-size: 12px; }
.responded { color: #2e8b57; font-size: 13px; }
table { border-collapse: collapse; font-size: 12px; margin: 8px 0; }
th, td { border: 1px solid #d8dbe2; padding: 3px 8px; text-align: left; }
pre { background: #f4f5f8; border: 1px solid #d8dbe2; border-radius: 6px; padding: 8px; overflow-x: auto; white-space: pre-wrap; font-size: 12px; }
.annotation { color: #555b6e; font-size: 12px; border-left: 2px solid #5b8def; padding-left: 8px; margin-top: 6px; }
img { max-width: 100%; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p class="meta">exported {{.ExportedAt}}</p>
{{range .Studies}}
<h2>{{.Label}}</h2>
{{range .Cards}}
{{if eq .Kind "section"}}<h3>{{.Title}}</h3>{{else}}
<div class="card">
<div><span class="badge">{{.Badge}}</span><strong>{{.Title}}</strong>{{if .Responded}} <span class="responded">✓ {{.ResponseLine}}</span>{{end}} <span class="meta">{{.CreatedAt}}</span></div>
{{if .Description}}<p>{{.Description}}</p>{{end}}
{{if .Markdown}}<pre>{{.Markdown}}</pre>{{end}}
{{if .AgentOutput}}<pre>{{.AgentOutput}}</pre>{{end}}
{{if .Items}}<table>{{range .Items}}<tr><th>{{index . 0}}</th><td>{{index . 1}}</td></tr>{{end}}</table>{{end}}
{{if .ImageURI}}<img src="{{.ImageURI}}" alt="{{.Title}}">{{end}}
{{if .PlotlyJSON}}<pre>{{.PlotlyJSON}}</pre>{{end}}
{{with .Table}}
<table><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}</table>
<p class="meta">{{.Shown}} of {{.TotalRows}} rows</p>
{{end}}
{{range .Annotations}}<div class="annotation">{{.Text}}</div>{{end}}
</div>
{{end}}
{{end}}
{{if .Files}}
<h3>Output files</h3>
{{range .Files}}
<div class="card">
<div><strong>{{.Name}}</strong> <span class="meta">{{.Size}} bytes</span></div>
{{if .ImageURI}}<img src="{{.ImageURI}}" alt="{{.Name}}">{{end}}
{{if .Text}}<pre>{{.Text}}</pre>{{end}}
{{with .Table}}<table><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}</table>{{end}}
</div>
{{end}}
{{end}}
{{end}}
</body>
</html>
`))
