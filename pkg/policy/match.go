package policy

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Pattern is a compiled resource pattern. Semantics: '/' separates
// segments, `*` matches within a segment, `**` spans segments, and a
// `{name}` segment matches one segment and captures it. Matching is
// case-sensitive.
type Pattern struct {
	raw      string
	g        glob.Glob
	segments []string
	hasVars  bool
}

// CompilePattern parses and compiles a resource pattern.
func CompilePattern(raw string) (*Pattern, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("policy: empty resource pattern")
	}
	segments := strings.Split(raw, "/")

	lowered := make([]string, len(segments))
	hasVars := false
	for i, seg := range segments {
		if isVarSegment(seg) {
			lowered[i] = "*"
			hasVars = true
			continue
		}
		lowered[i] = seg
	}

	g, err := glob.Compile(strings.Join(lowered, "/"), '/')
	if err != nil {
		return nil, fmt.Errorf("policy: invalid resource pattern %q: %w", raw, err)
	}
	return &Pattern{raw: raw, g: g, segments: segments, hasVars: hasVars}, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match reports whether path matches the pattern.
func (p *Pattern) Match(path string) bool {
	return p.g.Match(path)
}

// Capture matches path and extracts `{name}` segment values. The bool is
// false when the path does not match.
func (p *Pattern) Capture(path string) (map[string]string, bool) {
	if !p.g.Match(path) {
		return nil, false
	}
	if !p.hasVars {
		return nil, true
	}
	vars := map[string]string{}
	if captureWalk(p.segments, strings.Split(path, "/"), vars) {
		return vars, true
	}
	// The glob matched but segment alignment failed; report the match
	// without captures rather than inventing bindings.
	return nil, true
}

func isVarSegment(seg string) bool {
	return len(seg) > 2 && strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}

func varName(seg string) string {
	return seg[1 : len(seg)-1]
}

// captureWalk aligns pattern segments to path segments, backtracking over
// `**` spans, and records `{name}` bindings.
func captureWalk(pat, path []string, vars map[string]string) bool {
	if len(pat) == 0 {
		return len(path) == 0
	}
	seg := pat[0]

	if seg == "**" {
		for skip := 0; skip <= len(path); skip++ {
			scratch := map[string]string{}
			if captureWalk(pat[1:], path[skip:], scratch) {
				for k, v := range scratch {
					vars[k] = v
				}
				return true
			}
		}
		return false
	}

	if len(path) == 0 {
		return false
	}

	if isVarSegment(seg) {
		scratch := map[string]string{}
		if !captureWalk(pat[1:], path[1:], scratch) {
			return false
		}
		for k, v := range scratch {
			vars[k] = v
		}
		vars[varName(seg)] = path[0]
		return true
	}

	segGlob, err := glob.Compile(seg)
	if err != nil || !segGlob.Match(path[0]) {
		return false
	}
	return captureWalk(pat[1:], path[1:], vars)
}
