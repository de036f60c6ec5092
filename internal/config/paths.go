package config

import (
	"os"
	"path/filepath"
)

// ResolveDataDir finds the vitrine directory for the current process:
// explicit env override, else the nearest ancestor already containing a
// .vitrine directory, else .vitrine under the working directory.
func ResolveDataDir() string {
	if v := Env("DATA_DIR"); v != "" {
		return v
	}

	wd, err := os.Getwd()
	if err != nil {
		return ".vitrine"
	}

	dir := wd
	for {
		candidate := filepath.Join(dir, ".vitrine")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.Join(wd, ".vitrine")
}

// Path helpers under the vitrine directory.

func StudiesDir(dataDir string) string {
	return filepath.Join(dataDir, "studies")
}

func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, ".server.json")
}

func LockFilePath(dataDir string) string {
	return filepath.Join(dataDir, ".server.lock")
}

func SelectionsPath(dataDir string) string {
	return filepath.Join(dataDir, "selections.json")
}

func SkillsDir(dataDir string) string {
	return filepath.Join(dataDir, "skills")
}
