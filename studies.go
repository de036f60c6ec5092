package vitrine

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/export"
	"github.com/ehrlich-b/vitrine/internal/store"
	"github.com/ehrlich-b/vitrine/internal/study"
)

// GetCard fetches one card by id.
func (c *Client) GetCard(cardID string) (*card.Card, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	if srv := c.inproc(); srv != nil {
		st, ok := srv.Manager().StoreForCard(cardID)
		if !ok {
			return nil, fmt.Errorf("card %s: %w", cardID, store.ErrNotFound)
		}
		return st.GetCard(cardID)
	}
	var out card.Card
	if err := c.apiDo("GET", "/api/card/"+url.PathEscape(cardID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSelection returns the rows the researcher has selected on a table card.
// No selection yields an empty frame.
func (c *Client) GetSelection(cardID string) (*frame.Frame, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	if srv := c.inproc(); srv != nil {
		f, _, err := srv.SelectionFrame(cardID)
		return f, err
	}
	var out struct {
		Columns []string `json:"columns"`
		Rows    [][]any  `json:"rows"`
	}
	if err := c.apiDo("GET", "/api/table/"+url.PathEscape(cardID)+"/selection", nil, &out); err != nil {
		return nil, err
	}
	return frame.New(out.Columns, out.Rows)
}

// AnnotationEntry is one researcher note with its owning card, as returned by
// ListAnnotations.
type AnnotationEntry struct {
	CardID    string `json:"card_id"`
	CardTitle string `json:"card_title,omitempty"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// ListAnnotations flattens every annotation in a study (or all studies when
// the label is empty), newest first.
func (c *Client) ListAnnotations(studyLabel string) ([]AnnotationEntry, error) {
	cards, err := c.listCards(studyLabel)
	if err != nil {
		return nil, err
	}
	var out []AnnotationEntry
	for _, cd := range cards {
		if cd.Deleted {
			continue
		}
		for _, a := range cd.Annotations {
			out = append(out, AnnotationEntry{
				CardID:    cd.ID,
				CardTitle: cd.Title,
				Text:      a.Text,
				CreatedAt: a.CreatedAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (c *Client) listCards(studyLabel string) ([]*card.Card, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	if srv := c.inproc(); srv != nil {
		return srv.Manager().ListAllCards(studyLabel)
	}
	path := "/api/cards"
	if studyLabel != "" {
		path += "?study=" + url.QueryEscape(studyLabel)
	}
	var out struct {
		Cards []*card.Card `json:"cards"`
	}
	if err := c.apiDo("GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out.Cards, nil
}

// StudyContext returns the study's accumulated context document, including
// live selections and pending responses when the server supplies them.
func (c *Client) StudyContext(studyLabel string) (map[string]any, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	if srv := c.inproc(); srv != nil {
		return srv.StudyContext(studyLabel)
	}
	var out map[string]any
	err := c.apiDo("GET", "/api/studies/"+url.PathEscape(studyLabel)+"/context", nil, &out)
	return out, err
}

// ListStudies lists every study, newest first.
func (c *Client) ListStudies() ([]study.Info, error) {
	if err := c.ensure(); err != nil {
		return nil, err
	}
	if srv := c.inproc(); srv != nil {
		return srv.Manager().ListStudies(), nil
	}
	var out struct {
		Studies []study.Info `json:"studies"`
	}
	if err := c.apiDo("GET", "/api/studies", nil, &out); err != nil {
		return nil, err
	}
	return out.Studies, nil
}

// DeleteStudy removes a study and its artifacts.
func (c *Client) DeleteStudy(studyLabel string) error {
	if err := c.ensure(); err != nil {
		return err
	}
	if srv := c.inproc(); srv != nil {
		return srv.DeleteStudy(studyLabel)
	}
	return c.apiDo("DELETE", "/api/studies/"+url.PathEscape(studyLabel), nil, nil)
}

// CleanStudies deletes studies older than an age spec like "7d" or "12h" and
// returns how many were removed. This operates on the data directory
// directly; run it while no other writer is active.
func (c *Client) CleanStudies(olderThan string) (int, error) {
	m, err := c.manager()
	if err != nil {
		return 0, err
	}
	return m.CleanStudies(olderThan)
}

// Export writes a study export to path. Formats: "html" (default) or "json"
// (a zip archive). An empty study label exports everything.
func (c *Client) Export(path, format, studyLabel string) error {
	if format == "" {
		format = "html"
	}

	// A detached server can render a single-study export for us; everything
	// else reads the data directory directly.
	if srv := c.inproc(); srv == nil && studyLabel != "" && c.currentRecord() != nil {
		data, err := c.apiGetRaw(
			"/api/studies/"+url.PathEscape(studyLabel)+"/export?format="+url.QueryEscape(format),
			60*time.Second)
		if err == nil {
			return os.WriteFile(path, data, 0644)
		}
	}

	m, err := c.manager()
	if err != nil {
		return err
	}
	switch format {
	case "html":
		doc, err := export.HTML(m, studyLabel)
		if err != nil {
			return err
		}
		return os.WriteFile(path, []byte(doc), 0644)
	case "json":
		data, err := export.JSONArchive(m, studyLabel)
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}

// RegisterOutputDir binds an output directory to a study so its files appear
// in the display and in exports. An empty path uses the study's default
// output/ directory.
func (c *Client) RegisterOutputDir(studyLabel, path string) (string, error) {
	if err := c.ensure(); err != nil {
		return "", err
	}
	if srv := c.inproc(); srv != nil {
		dir, err := srv.Manager().RegisterOutputDir(studyLabel, path)
		if err != nil {
			return "", err
		}
		srv.WatchOutputDir(studyLabel, dir)
		return dir, nil
	}
	var out struct {
		OutputDir string `json:"output_dir"`
	}
	err := c.apiDo("POST", "/api/studies/"+url.PathEscape(studyLabel)+"/output-dir",
		map[string]string{"path": path}, &out)
	return out.OutputDir, err
}
