package dispatch

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/vitrine/internal/config"
)

//go:embed skills
var defaultSkills embed.FS

// Skill is a markdown prompt template with YAML frontmatter.
type Skill struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	AllowedTools string `yaml:"allowed-tools"`
	Body         string `yaml:"-"`
}

// Tools splits the allowed-tools list.
func (s *Skill) Tools() []string {
	if s.AllowedTools == "" {
		return nil
	}
	parts := strings.Split(s.AllowedTools, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Task binds a browser-facing task name to its skill template.
type Task struct {
	Name      string
	SkillFile string
	Title     string
}

// Registered dispatch tasks.
var tasks = map[string]Task{
	"reproduce": {Name: "reproduce", SkillFile: "reproduce-study.md", Title: "Reproducibility Audit"},
	"report":    {Name: "report", SkillFile: "export-report.md", Title: "Study Report"},
	"paper":     {Name: "paper", SkillFile: "draft-paper.md", Title: "Paper Draft"},
}

// LookupTask resolves a task name.
func LookupTask(name string) (Task, bool) {
	t, ok := tasks[name]
	return t, ok
}

// LoadSkill reads a task's template, preferring a user override under
// <vitrine-dir>/skills/ and falling back to the embedded default.
func LoadSkill(dataDir string, task Task) (*Skill, error) {
	userPath := filepath.Join(config.SkillsDir(dataDir), task.SkillFile)
	if data, err := os.ReadFile(userPath); err == nil {
		return ParseSkill(string(data))
	}
	data, err := defaultSkills.ReadFile("skills/" + task.SkillFile)
	if err != nil {
		return nil, fmt.Errorf("skill template %s: %w", task.SkillFile, err)
	}
	return ParseSkill(string(data))
}

// ParseSkill splits frontmatter from body and decodes the YAML header.
func ParseSkill(content string) (*Skill, error) {
	front, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}
	var s Skill
	if err := yaml.Unmarshal([]byte(front), &s); err != nil {
		return nil, fmt.Errorf("parse skill frontmatter: %w", err)
	}
	s.Body = strings.TrimSpace(body)
	return &s, nil
}

func splitFrontmatter(content string) (front, body string, err error) {
	const fence = "---"
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, fence) {
		return "", "", fmt.Errorf("skill file must start with ---")
	}
	rest := trimmed[len(fence):]
	idx := strings.Index(rest, "\n"+fence)
	if idx < 0 {
		return "", "", fmt.Errorf("no closing --- in skill frontmatter")
	}
	front = strings.TrimSpace(rest[:idx])
	afterClose := rest[idx+1+len(fence):]
	if nl := strings.IndexByte(afterClose, '\n'); nl >= 0 {
		body = afterClose[nl+1:]
	}
	return front, body, nil
}
