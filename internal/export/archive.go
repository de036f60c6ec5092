package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/ehrlich-b/vitrine/card"
	"github.com/ehrlich-b/vitrine/internal/logger"
	"github.com/ehrlich-b/vitrine/internal/study"
)

const (
	archiveFormatVersion = "1.0"
	maxArchiveFileBytes  = 50 * 1024 * 1024
)

// JSONArchive builds a zip holding the study's metadata, cards, artifacts,
// and output files. An empty label archives every study, with output files
// namespaced under output/<label>/.
func JSONArchive(m *study.Manager, label string) ([]byte, error) {
	studies, err := selectStudies(m, label)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	var allCards []*card.Card
	seenArtifacts := make(map[string]bool)
	for _, info := range studies {
		st, ok := m.GetStudy(info.Label)
		if !ok {
			continue
		}
		for _, c := range st.ListCards() {
			if c.Deleted {
				continue
			}
			allCards = append(allCards, c)
			for _, id := range cardArtifactIDs(c) {
				artPath, kind, err := st.FindArtifact(id)
				if err != nil || seenArtifacts[id] {
					continue
				}
				seenArtifacts[id] = true
				name := "artifacts/" + id + artifactExt(kind)
				if err := addFile(zw, name, artPath, maxArchiveFileBytes); err != nil {
					logger.Warn("archive artifact skipped", "artifact", id, "error", err)
				}
			}
		}
	}

	meta := map[string]any{
		"exported_at":    card.NowISO(),
		"format_version": archiveFormatVersion,
		"card_count":     len(allCards),
	}
	if label != "" {
		meta["study"] = label
	} else {
		labels := make([]string, 0, len(studies))
		for _, info := range studies {
			labels = append(labels, info.Label)
		}
		meta["studies"] = labels
	}
	if err := addJSON(zw, "meta.json", meta); err != nil {
		return nil, err
	}
	if err := addJSON(zw, "cards.json", allCards); err != nil {
		return nil, err
	}

	for _, info := range studies {
		prefix := "output/"
		if label == "" {
			prefix = "output/" + info.Label + "/"
		}
		addOutputFiles(zw, m, info.Label, prefix)
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteOutputArchive streams a zip of one study's output directory. Entry
// names keep the output-relative path so nested files do not collide.
func WriteOutputArchive(w io.Writer, m *study.Manager, label string) error {
	files, err := m.ListOutputFiles(label)
	if err != nil {
		return err
	}
	root, ok := m.OutputDir(label)
	if !ok {
		return fmt.Errorf("study %s has no output dir", label)
	}
	zw := zip.NewWriter(w)
	for _, f := range files {
		if f.IsDir {
			continue
		}
		src := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := addFile(zw, f.Path, src, maxArchiveFileBytes); err != nil {
			logger.Warn("archive file skipped", "file", f.Path, "error", err)
		}
	}
	return zw.Close()
}

// cardArtifactIDs lists the artifacts a card references, including any
// resp-<id> selection capture.
func cardArtifactIDs(c *card.Card) []string {
	var ids []string
	if c.ArtifactID != "" {
		ids = append(ids, c.ArtifactID)
	} else if c.ArtifactKind != "" {
		ids = append(ids, c.ID)
	}
	if c.ResponseArtifactID != "" {
		ids = append(ids, c.ResponseArtifactID)
	}
	return ids
}

func artifactExt(kind string) string {
	switch kind {
	case card.ArtifactColumnar:
		return ".db"
	case card.ArtifactJSON:
		return ".json"
	case card.ArtifactSVG:
		return ".svg"
	case card.ArtifactPNG:
		return ".png"
	}
	return ""
}

func addOutputFiles(zw *zip.Writer, m *study.Manager, label, prefix string) {
	files, err := m.ListOutputFiles(label)
	if err != nil {
		return
	}
	root, ok := m.OutputDir(label)
	if !ok {
		return
	}
	for _, f := range files {
		if f.IsDir {
			continue
		}
		if f.Size > maxArchiveFileBytes {
			logger.Warn("archive file over size cap, skipped", "file", f.Path, "bytes", f.Size)
			continue
		}
		name := path.Join(prefix, f.Path)
		src := filepath.Join(root, filepath.FromSlash(f.Path))
		if err := addFile(zw, name, src, maxArchiveFileBytes); err != nil {
			logger.Warn("archive file skipped", "file", f.Path, "error", err)
		}
	}
}

func addFile(zw *zip.Writer, name, srcPath string, maxBytes int64) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if info.Size() > maxBytes {
		return fmt.Errorf("file exceeds %d bytes", maxBytes)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func addJSON(zw *zip.Writer, name string, v any) error {
	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(dst)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
