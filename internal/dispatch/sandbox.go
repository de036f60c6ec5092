package dispatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// paperItems are the only entries copied into a paper workspace; everything
// the agent creates there afterwards is preserved on cleanup.
var paperItems = []string{"scripts", "data", "plots", "PROTOCOL.md", "RESULTS.md", "REPORT.md"}

// makeSandbox copies the study output dir to a sibling <name>_reproduce
// directory, replacing any prior sandbox.
func makeSandbox(outputDir string) (string, error) {
	sandbox := outputDir + "_reproduce"
	if err := os.RemoveAll(sandbox); err != nil {
		return "", fmt.Errorf("clear prior sandbox: %w", err)
	}
	if err := copyTree(outputDir, sandbox); err != nil {
		os.RemoveAll(sandbox)
		return "", fmt.Errorf("copy sandbox: %w", err)
	}
	return sandbox, nil
}

// makePaperWorkspace copies the named study items into output/paper/, never
// overwriting an existing destination. Returns the workspace path and the
// relative names actually copied, so cleanup removes only those.
func makePaperWorkspace(outputDir string) (workspace string, copied []string, err error) {
	workspace = filepath.Join(outputDir, "paper")
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return "", nil, fmt.Errorf("create paper workspace: %w", err)
	}
	for _, item := range paperItems {
		src := filepath.Join(outputDir, item)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(workspace, item)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyTree(src, dst); err != nil {
			return "", nil, fmt.Errorf("copy %s into paper workspace: %w", item, err)
		}
		copied = append(copied, item)
	}
	return workspace, copied, nil
}

// cleanupPaperWorkspace removes only the items originally copied in.
func cleanupPaperWorkspace(workspace string, copied []string) {
	for _, item := range copied {
		os.RemoveAll(filepath.Join(workspace, item))
	}
}

// copyTree recursively copies a file or directory.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode().Perm()|0700); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
