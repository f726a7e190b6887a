package archive

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultSkipPatterns match metadata that archive tools add to zips.
//
//   - __MACOSX/** is the resource-fork directory written by macOS Finder
//   - ._* are AppleDouble sidecar files
var DefaultSkipPatterns = []string{"__MACOSX/**", "._*"}

// Filter decides which archive entries are skipped.
//
// Patterns containing a '/' are matched against the full slash-separated
// entry path; patterns without one are matched against the base name.
type Filter struct {
	patterns []string
}

// NewFilter compiles skip patterns. An empty list skips nothing.
func NewFilter(patterns []string) (*Filter, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid skip pattern %q", p)
		}
		out = append(out, p)
	}
	return &Filter{patterns: out}, nil
}

// Skip reports whether the entry name matches any skip pattern.
func (f *Filter) Skip(name string) bool {
	if f == nil {
		return false
	}
	name = strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
	trimmed := strings.TrimSuffix(name, "/")
	base := path.Base(trimmed)

	for _, p := range f.patterns {
		target := base
		if strings.Contains(p, "/") {
			target = trimmed
		}
		if ok, _ := doublestar.Match(p, target); ok {
			return true
		}
		// "dir/**" also covers the bare directory entry "dir/".
		if strings.HasSuffix(p, "/**") && strings.TrimSuffix(p, "/**") == trimmed {
			return true
		}
	}
	return false
}
