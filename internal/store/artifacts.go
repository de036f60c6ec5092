package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/vitrine/card"
)

// artifactExts maps artifact kinds to file extensions, in probe order.
var artifactExts = []struct {
	Kind string
	Ext  string
}{
	{card.ArtifactColumnar, ".db"},
	{card.ArtifactJSON, ".json"},
	{card.ArtifactSVG, ".svg"},
	{card.ArtifactPNG, ".png"},
}

// ArtifactPath returns where an artifact of the given kind lives. The file
// may not exist yet.
func (s *Store) ArtifactPath(id, kind string) string {
	ext := ".bin"
	for _, e := range artifactExts {
		if e.Kind == kind {
			ext = e.Ext
			break
		}
	}
	return filepath.Join(s.artifactsDir(), id+ext)
}

// FindArtifact probes the known kinds for id and returns the existing file.
func (s *Store) FindArtifact(id string) (path, kind string, err error) {
	for _, e := range artifactExts {
		p := filepath.Join(s.artifactsDir(), id+e.Ext)
		if _, statErr := os.Stat(p); statErr == nil {
			return p, e.Kind, nil
		}
	}
	return "", "", fmt.Errorf("artifact %s: %w", id, ErrNotFound)
}

// StoreJSONArtifact writes a JSON artifact for id.
func (s *Store) StoreJSONArtifact(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.WriteFile(s.ArtifactPath(id, card.ArtifactJSON), data, 0644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// StoreBytesArtifact writes an svg or png artifact for id.
func (s *Store) StoreBytesArtifact(id, kind string, data []byte) error {
	if kind != card.ArtifactSVG && kind != card.ArtifactPNG {
		return fmt.Errorf("unsupported artifact kind %q", kind)
	}
	if err := os.WriteFile(s.ArtifactPath(id, kind), data, 0644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}

// ReadJSONArtifact loads a JSON artifact into v.
func (s *Store) ReadJSONArtifact(id string, v any) error {
	data, err := os.ReadFile(s.ArtifactPath(id, card.ArtifactJSON))
	if err != nil {
		return fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse artifact %s: %w", id, err)
	}
	return nil
}
