package repository

import (
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"schemahub/pkg/domain"
)

// Tx mutates the working tree inside Transact. It is only valid for the
// duration of the callback.
type Tx struct {
	r   *Repository
	sig domain.SignatureDate
}

// Signature is the SignatureDate the commit will carry if it succeeds.
func (tx *Tx) Signature() domain.SignatureDate { return tx.sig }

// Exists reports whether path exists in the working tree.
func (tx *Tx) Exists(path string) bool {
	return tx.r.work.exists(cleanPath(path))
}

// Read returns the working contents of path.
func (tx *Tx) Read(path string) ([]byte, error) {
	path = cleanPath(path)
	data, ok := tx.r.work.files[path]
	if !ok {
		return nil, domain.NotFound("read", path)
	}
	return append([]byte(nil), data...), nil
}

func (tx *Tx) requireParent(op, path string) error {
	parent := parentOf(path)
	if !tx.r.work.isDir(parent) {
		return domain.NotFound(op, parent)
	}
	return nil
}

// Mkdir creates a directory whose parent exists.
func (tx *Tx) Mkdir(path string) error {
	path = cleanPath(path)
	if path == "/" || tx.r.work.exists(path) {
		return domain.PathConflict("mkdir", path)
	}
	if err := tx.requireParent("mkdir", path); err != nil {
		return err
	}
	tx.r.work.dirs[path] = struct{}{}
	return nil
}

// MkdirAll creates path and any missing parents.
func (tx *Tx) MkdirAll(path string) error {
	path = cleanPath(path)
	if tx.r.work.isDir(path) {
		return nil
	}
	if tx.r.work.isFile(path) {
		return domain.PathConflict("mkdir", path)
	}
	if err := tx.MkdirAll(parentOf(path)); err != nil {
		return err
	}
	tx.r.work.dirs[path] = struct{}{}
	return nil
}

// Add creates a new file.
func (tx *Tx) Add(path string, data []byte) error {
	path = cleanPath(path)
	if path == "/" || tx.r.work.exists(path) {
		return domain.PathConflict("add", path)
	}
	if err := tx.requireParent("add", path); err != nil {
		return err
	}
	tx.r.work.files[path] = append([]byte(nil), data...)
	return nil
}

// Put replaces the contents of an existing file.
func (tx *Tx) Put(path string, data []byte) error {
	path = cleanPath(path)
	if !tx.r.work.isFile(path) {
		return domain.NotFound("put", path)
	}
	tx.r.work.files[path] = append([]byte(nil), data...)
	return nil
}

// Move renames a file or a directory subtree.
func (tx *Tx) Move(from, to string) error {
	from, to = cleanPath(from), cleanPath(to)
	w := tx.r.work
	if from == "/" || !w.exists(from) {
		return domain.NotFound("move", from)
	}
	if w.exists(to) {
		return domain.PathConflict("move", to)
	}
	if strings.HasPrefix(to, from+"/") {
		return domain.ValidationFailed("move", to, "cannot move %s into itself", from)
	}
	if err := tx.requireParent("move", to); err != nil {
		return err
	}
	dirs, files := w.subtree(from)
	for _, d := range dirs {
		delete(w.dirs, d)
		w.dirs[to+strings.TrimPrefix(d, from)] = struct{}{}
	}
	for _, f := range files {
		data := w.files[f]
		delete(w.files, f)
		w.files[to+strings.TrimPrefix(f, from)] = data
	}
	return nil
}

// Delete removes a file or a directory subtree.
func (tx *Tx) Delete(path string) error {
	path = cleanPath(path)
	w := tx.r.work
	if path == "/" || !w.exists(path) {
		return domain.NotFound("delete", path)
	}
	dirs, files := w.subtree(path)
	for _, d := range dirs {
		delete(w.dirs, d)
	}
	for _, f := range files {
		delete(w.files, f)
	}
	return nil
}

// diffTrees summarizes file changes from a to b with line counts.
func diffTrees(a, b *tree) []domain.FileChange {
	var out []domain.FileChange
	for p, after := range b.files {
		before, ok := a.files[p]
		switch {
		case !ok:
			out = append(out, domain.FileChange{Path: p, Action: domain.ActionCreate, Insertions: countLines(string(after))})
		case string(before) != string(after):
			ins, del := lineDelta(string(before), string(after))
			out = append(out, domain.FileChange{Path: p, Action: domain.ActionUpdate, Insertions: ins, Deletions: del})
		}
	}
	for p, before := range a.files {
		if _, ok := b.files[p]; !ok {
			out = append(out, domain.FileChange{Path: p, Action: domain.ActionDelete, Deletions: countLines(string(before))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func lineDelta(before, after string) (insertions, deletions int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			insertions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}
	return insertions, deletions
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
