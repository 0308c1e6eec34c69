package filenav

import (
	"path"
	"strings"
)

// NormalizePath converts p to the tree's canonical form: forward slashes,
// no leading or trailing slash, no empty or dot segments. The root is "".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// ParentPath returns the normalized parent of a normalized path.
func ParentPath(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

// BaseName returns the last segment of a normalized path.
func BaseName(p string) string {
	return p[strings.LastIndex(p, "/")+1:]
}

// JoinPath builds a child path from parent + name.
func JoinPath(parent, name string) string {
	switch {
	case parent == "":
		return NormalizePath(name)
	case name == "":
		return parent
	default:
		return NormalizePath(parent + "/" + name)
	}
}

// relativeTo strips base from p. It reports false when p is outside base.
func relativeTo(base, p string) (string, bool) {
	if base == "" {
		return p, true
	}
	if p == base {
		return "", true
	}
	if strings.HasPrefix(p, base+"/") {
		return p[len(base)+1:], true
	}
	return "", false
}
