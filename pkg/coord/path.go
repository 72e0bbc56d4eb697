package coord

import (
	"fmt"
	"path"
	"strings"
)

// Root is the path of the always-present root node.
const Root = "/"

// NormalizePath cleans p into the canonical form used as a store key:
// absolute, no duplicate or trailing slashes, no "." or ".." segments.
func NormalizePath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q contains a relative segment", ErrInvalidPath, p)
		}
	}
	return path.Clean(p), nil
}

// Parent returns the parent of a normalized path. The root is its own parent.
func Parent(p string) string {
	if p == Root {
		return Root
	}
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Join appends a child name to a normalized path.
func Join(parent, name string) string {
	if parent == Root {
		return Root + name
	}
	return parent + "/" + name
}

// depth is the number of segments in a normalized path; the root has none.
func depth(p string) int {
	if p == Root {
		return 0
	}
	return strings.Count(p, "/")
}

// relativeTo returns p's suffix below ancestor, or false when p is not a
// strict descendant of ancestor.
func relativeTo(p, ancestor string) (string, bool) {
	prefix := ancestor + "/"
	if ancestor == Root {
		prefix = Root
	}
	if p == ancestor || !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}
