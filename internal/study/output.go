package study

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehrlich-b/vitrine/internal/store"
)

// fileTypes classifies output files by extension for browser display.
var fileTypes = map[string]string{
	".py":      "python",
	".r":       "r",
	".sql":     "sql",
	".sh":      "shell",
	".bash":    "shell",
	".csv":     "csv",
	".tsv":     "csv",
	".parquet": "parquet",
	".db":      "database",
	".md":      "markdown",
	".txt":     "text",
	".log":     "text",
	".json":    "json",
	".yaml":    "yaml",
	".yml":     "yaml",
	".toml":    "toml",
	".cfg":     "config",
	".ini":     "config",
	".env":     "config",
	".png":     "image",
	".jpg":     "image",
	".jpeg":    "image",
	".gif":     "image",
	".svg":     "image",
	".pdf":     "pdf",
	".html":    "html",
	".zip":     "archive",
}

// TextExtensions are previewable inline as plain text.
var TextExtensions = map[string]bool{
	".py": true, ".sql": true, ".r": true, ".json": true, ".yaml": true,
	".yml": true, ".toml": true, ".txt": true, ".cfg": true, ".log": true,
	".sh": true, ".bash": true, ".ini": true, ".env": true, ".md": true,
	".csv": true, ".tsv": true,
}

// ImageMIMETypes maps image extensions to their content type for previews.
var ImageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
}

// FileType infers a display type from a file name.
func FileType(name string) string {
	if t, ok := fileTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return "file"
}

// OutputFile describes one entry under a study's registered output dir.
type OutputFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Modified string `json:"modified"`
	Type     string `json:"type"`
	IsDir    bool   `json:"is_dir"`
}

// RegisterOutputDir binds an output directory to a study. With no path the
// self-contained <study-dir>/output is created and meta stores the literal
// "output"; an explicit path is resolved absolute and stored as-is.
// Registering the same target twice is a no-op returning the same path.
func (m *Manager) RegisterOutputDir(label, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dirName, ok := m.labelToDir[label]
	if !ok {
		return "", fmt.Errorf("study %s: %w", label, store.ErrNotFound)
	}
	s := m.stores[dirName]

	var stored string
	if path == "" {
		stored = "output"
	} else {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("resolve output dir: %w", err)
		}
		stored = abs
	}

	resolved := m.resolveOutputDir(s, stored)
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	meta, err := s.ReadMeta()
	if err != nil {
		return "", err
	}
	if meta.OutputDir != stored {
		meta.OutputDir = stored
		if err := s.WriteMeta(meta); err != nil {
			return "", err
		}
	}
	return resolved, nil
}

// resolveOutputDir maps the stored output-dir string to an absolute path.
func (m *Manager) resolveOutputDir(s *store.Store, stored string) string {
	if filepath.IsAbs(stored) {
		return stored
	}
	return filepath.Join(s.Dir(), stored)
}

// OutputDir returns a study's resolved output directory, if registered.
func (m *Manager) OutputDir(label string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dirName, ok := m.labelToDir[label]
	if !ok {
		return "", false
	}
	s := m.stores[dirName]
	meta, err := s.ReadMeta()
	if err != nil || meta.OutputDir == "" {
		return "", false
	}
	return m.resolveOutputDir(s, meta.OutputDir), true
}

// ListOutputFiles walks a study's output dir recursively, skipping
// dot-prefixed names, and classifies each entry.
func (m *Manager) ListOutputFiles(label string) ([]OutputFile, error) {
	root, ok := m.OutputDir(label)
	if !ok {
		return nil, fmt.Errorf("study %s has no output dir: %w", label, store.ErrNotFound)
	}
	var files []OutputFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		f := OutputFile{
			Name:     d.Name(),
			Path:     filepath.ToSlash(rel),
			Modified: info.ModTime().UTC().Format(time.RFC3339),
			IsDir:    d.IsDir(),
		}
		if d.IsDir() {
			f.Type = "directory"
		} else {
			f.Size = info.Size()
			f.Type = FileType(d.Name())
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk output dir: %w", err)
	}
	return files, nil
}

// OutputFilePath resolves a relative path inside a study's output dir. Any
// path escaping the output dir, and any missing file, is ErrNotFound.
func (m *Manager) OutputFilePath(label, relPath string) (string, error) {
	root, ok := m.OutputDir(label)
	if !ok {
		return "", fmt.Errorf("study %s has no output dir: %w", label, store.ErrNotFound)
	}
	resolved := filepath.Join(root, filepath.FromSlash(relPath))
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s escapes output dir: %w", relPath, store.ErrNotFound)
	}
	if _, err := os.Stat(resolved); err != nil {
		return "", fmt.Errorf("output file %s: %w", relPath, store.ErrNotFound)
	}
	return resolved, nil
}
