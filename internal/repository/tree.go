package repository

import (
	"path"
	"sort"
	"strings"
)

// tree is a snapshot of the versioned file system: a set of directories and
// file contents keyed by absolute slash-separated path. The root "/" is
// implicit.
type tree struct {
	dirs  map[string]struct{}
	files map[string][]byte
}

func newTree() *tree {
	return &tree{dirs: make(map[string]struct{}), files: make(map[string][]byte)}
}

// clone copies the maps; file contents are immutable and shared.
func (t *tree) clone() *tree {
	out := newTree()
	for d := range t.dirs {
		out.dirs[d] = struct{}{}
	}
	for p, b := range t.files {
		out.files[p] = b
	}
	return out
}

func (t *tree) isDir(p string) bool {
	if p == "/" {
		return true
	}
	_, ok := t.dirs[p]
	return ok
}

func (t *tree) isFile(p string) bool {
	_, ok := t.files[p]
	return ok
}

func (t *tree) exists(p string) bool { return t.isDir(p) || t.isFile(p) }

// subtree lists p and every path below it, directories first.
func (t *tree) subtree(p string) (dirs, files []string) {
	prefix := p + "/"
	if p == "/" {
		prefix = "/"
	}
	if t.isFile(p) {
		files = append(files, p)
	}
	if _, ok := t.dirs[p]; ok {
		dirs = append(dirs, p)
	}
	for d := range t.dirs {
		if strings.HasPrefix(d, prefix) {
			dirs = append(dirs, d)
		}
	}
	for f := range t.files {
		if strings.HasPrefix(f, prefix) {
			files = append(files, f)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return dirs, files
}

func (t *tree) sortedDirs() []string {
	out := make([]string, 0, len(t.dirs))
	for d := range t.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// cleanPath normalizes p to an absolute slash path without a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

func parentOf(p string) string {
	return path.Dir(p)
}

// overlaps reports whether a and b are equal or one contains the other.
func overlaps(a, b string) bool {
	if a == b || a == "/" || b == "/" {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}
