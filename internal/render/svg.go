package render

import (
	"fmt"
	"regexp"
)

// MaxSVGBytes is the post-sanitization ceiling for SVG artifacts.
const MaxSVGBytes = 2 * 1024 * 1024

var (
	scriptTagRe    = regexp.MustCompile(`(?is)<script[\s>].*?</script>`)
	jsHrefRe       = regexp.MustCompile(`(?i)(xlink:)?href\s*=\s*["']javascript:[^"']*["']`)
	onAttrDoubleRe = regexp.MustCompile(`(?i)\s+on\w+\s*=\s*"[^"]*"`)
	onAttrSingleRe = regexp.MustCompile(`(?i)\s+on\w+\s*=\s*'[^']*'`)
)

// SanitizeSVG strips script tags, javascript: URIs, and inline event handler
// attributes, then enforces the size ceiling.
func SanitizeSVG(data []byte) ([]byte, error) {
	out := scriptTagRe.ReplaceAll(data, nil)
	out = jsHrefRe.ReplaceAll(out, nil)
	out = onAttrDoubleRe.ReplaceAll(out, nil)
	out = onAttrSingleRe.ReplaceAll(out, nil)
	if len(out) > MaxSVGBytes {
		return nil, fmt.Errorf("svg is %d bytes after sanitization, limit %d", len(out), MaxSVGBytes)
	}
	return out, nil
}
