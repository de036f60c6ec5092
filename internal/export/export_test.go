package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/study"
)

func newTestStudy(t *testing.T) (*study.Manager, string) {
	t.Helper()
	m, err := study.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	label, st, err := m.GetOrCreateStudy("mortality")
	if err != nil {
		t.Fatal(err)
	}

	table := card.New(card.TypeTable)
	table.Title = "cohort"
	table.ArtifactID = table.ID
	table.ArtifactKind = card.ArtifactColumnar
	table.Annotations = append(table.Annotations, card.Annotation{
		ID: "a1", Text: "verify exclusions", CreatedAt: card.NowISO(),
	})
	f, err := frame.New([]string{"id", "age"}, [][]any{
		{int64(1), int64(63)},
		{int64(2), int64(71)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.StoreFrame(table.ID, f); err != nil {
		t.Fatal(err)
	}
	if err := st.AppendCard(table); err != nil {
		t.Fatal(err)
	}
	m.RegisterCard(table.ID, label)

	md := card.New(card.TypeMarkdown)
	md.Title = "protocol note"
	md.Preview = map[string]any{"text": "exclusion: age < 18"}
	md.Resolve("confirm", "approved", "", "", nil)
	if err := st.AppendCard(md); err != nil {
		t.Fatal(err)
	}
	m.RegisterCard(md.ID, label)

	ghost := card.New(card.TypeMarkdown)
	ghost.Title = "deleted card"
	ghost.Deleted = true
	if err := st.AppendCard(ghost); err != nil {
		t.Fatal(err)
	}
	m.RegisterCard(ghost.ID, label)

	return m, label
}

func TestHTMLExport(t *testing.T) {
	m, label := newTestStudy(t)
	doc, err := HTML(m, label)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"mortality",
		"cohort",
		"protocol note",
		"verify exclusions",
		"exclusion: age &lt; 18",
		"✓ confirm — approved",
		"<td>63</td>",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q", want)
		}
	}
	if strings.Contains(doc, "deleted card") {
		t.Error("deleted card exported")
	}
}

func TestHTMLExportInlinesNestedOutputFiles(t *testing.T) {
	m, label := newTestStudy(t)
	dir, err := m.RegisterOutputDir(label, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "scripts"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "scripts", "fit.py"), []byte("auc = roc_auc_score(y, p)"), 0644); err != nil {
		t.Fatal(err)
	}

	doc, err := HTML(m, label)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc, "roc_auc_score") {
		t.Error("nested text file not inlined")
	}
}

func TestHTMLExportUnknownStudy(t *testing.T) {
	m, _ := newTestStudy(t)
	if _, err := HTML(m, "nope"); err == nil {
		t.Error("expected error for unknown study")
	}
}

func TestJSONArchive(t *testing.T) {
	m, label := newTestStudy(t)

	dir, err := m.RegisterOutputDir(label, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "run.py"), []byte("print(1)"), 0644); err != nil {
		t.Fatal(err)
	}

	data, err := JSONArchive(m, label)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}

	names := make(map[string]*zip.File)
	for _, f := range zr.File {
		names[f.Name] = f
	}

	metaFile, ok := names["meta.json"]
	if !ok {
		t.Fatal("meta.json missing")
	}
	var meta map[string]any
	readZipJSON(t, metaFile, &meta)
	if meta["format_version"] != "1.0" {
		t.Errorf("format_version = %v", meta["format_version"])
	}
	if meta["study"] != label {
		t.Errorf("study = %v", meta["study"])
	}
	if meta["card_count"].(float64) != 2 {
		t.Errorf("card_count = %v", meta["card_count"])
	}

	cardsFile, ok := names["cards.json"]
	if !ok {
		t.Fatal("cards.json missing")
	}
	var cards []*card.Card
	readZipJSON(t, cardsFile, &cards)
	if len(cards) != 2 {
		t.Errorf("cards = %d, want 2 (deleted excluded)", len(cards))
	}

	var sawArtifact, sawOutput bool
	for name := range names {
		if strings.HasPrefix(name, "artifacts/") && strings.HasSuffix(name, ".db") {
			sawArtifact = true
		}
		if name == "output/run.py" {
			sawOutput = true
		}
	}
	if !sawArtifact {
		t.Error("columnar artifact missing from archive")
	}
	if !sawOutput {
		t.Error("output file missing from archive")
	}
}

func TestWriteOutputArchive(t *testing.T) {
	m, label := newTestStudy(t)
	dir, err := m.RegisterOutputDir(label, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "plots"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plots", "roc.png"), []byte{0x89, 'P', 'N', 'G'}, 0644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteOutputArchive(&buf, m, label); err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range zr.File {
		if f.Name == "plots/roc.png" {
			found = true
		}
	}
	if !found {
		t.Error("nested output file missing from archive")
	}
}

func TestFormatCell(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{int64(42), "42"},
		{float64(3), "3"},
		{3.14159, "3.142"},
		{true, "true"},
		{"text", "text"},
	}
	for _, tc := range cases {
		if got := formatCell(tc.in); got != tc.want {
			t.Errorf("formatCell(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func readZipJSON(t *testing.T, f *zip.File, v any) {
	t.Helper()
	rc, err := f.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatal(err)
	}
}
