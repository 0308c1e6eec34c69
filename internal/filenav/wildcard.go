package filenav

import (
	"path"
	"strings"

	"github.com/Azure/BatchExplorer-sub004/internal/logging"
)

// Wildcards is a parsed comma-separated list of glob patterns such as
// "*.txt, stdout*". An empty list matches everything.
type Wildcards []string

// ParseWildcards splits s on commas and trims each pattern.
func ParseWildcards(s string) Wildcards {
	var out Wildcards
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Match reports whether the file name (last path segment) matches any
// pattern. Malformed patterns never match.
func (w Wildcards) Match(name string) bool {
	if len(w) == 0 {
		return true
	}
	base := BaseName(NormalizePath(name))
	for _, pattern := range w {
		ok, err := path.Match(pattern, base)
		if err != nil {
			logging.Warn("invalid file wildcard", logging.String("pattern", pattern), logging.Err(err))
			continue
		}
		if ok {
			return true
		}
	}
	return false
}
