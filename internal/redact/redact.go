// Package redact masks PHI-bearing columns in tabular frames before they
// reach previews, artifacts, or exports.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/ehrlich-b/vitrine/frame"
	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/logger"
)

const Placeholder = "[REDACTED]"

// Column-name patterns treated as PHI by default.
var defaultPatterns = []string{
	`(?i)(first|last|middle)_?name`,
	`(?i)address|street|city|zip|postal`,
	`(?i)phone|fax|email|ssn|mrn`,
	`(?i)date_of_birth|dob`,
}

var idColumnRe = regexp.MustCompile(`(?i)(subject|patient|hadm|stay|icustay)_?id`)

// Redactor applies column masking and row caps. All frame operations copy;
// inputs are never mutated.
type Redactor struct {
	enabled  bool
	maxRows  int
	hashIDs  bool
	patterns []*regexp.Regexp
}

// New builds a redactor from config. Invalid custom patterns are logged and
// skipped; if every custom pattern is invalid the defaults apply.
func New(cfg config.RedactionConfig) *Redactor {
	r := &Redactor{
		enabled: !cfg.Disabled,
		maxRows: cfg.MaxRows,
		hashIDs: cfg.HashIDs,
	}
	if r.maxRows <= 0 {
		r.maxRows = 10000
	}
	src := cfg.Patterns
	if len(src) == 0 {
		src = defaultPatterns
	}
	for _, p := range src {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("invalid redaction pattern skipped", "pattern", p, "error", err)
			continue
		}
		r.patterns = append(r.patterns, re)
	}
	if len(r.patterns) == 0 {
		for _, p := range defaultPatterns {
			r.patterns = append(r.patterns, regexp.MustCompile(p))
		}
	}
	return r
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	return r.enabled
}

// Frame returns a copy with PHI columns masked and, when configured,
// identifier columns hashed. Disabled redactors return the input unchanged.
func (r *Redactor) Frame(f *frame.Frame) *frame.Frame {
	if !r.enabled || f == nil {
		return f
	}
	out := f.Copy()
	for j, col := range out.Columns {
		switch {
		case r.matches(col):
			for _, row := range out.Rows {
				if row[j] != nil {
					row[j] = Placeholder
				}
			}
		case r.hashIDs && idColumnRe.MatchString(col):
			for _, row := range out.Rows {
				if row[j] != nil {
					row[j] = HashID(row[j])
				}
			}
		}
	}
	return out
}

func (r *Redactor) matches(column string) bool {
	for _, re := range r.patterns {
		if re.MatchString(column) {
			return true
		}
	}
	return false
}

// EnforceRowLimit truncates to the configured cap, reporting whether rows
// were dropped. Disabled redactors pass frames through untouched.
func (r *Redactor) EnforceRowLimit(f *frame.Frame) (*frame.Frame, bool) {
	if !r.enabled || f == nil || f.NumRows() <= r.maxRows {
		return f, false
	}
	return f.Head(r.maxRows), true
}

// HashID maps an identifier to a stable 12-character hex digest.
func HashID(v any) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%v", v)))
	return hex.EncodeToString(sum[:])[:12]
}
