// Package testutil provides import guards that keep the schemahub layering
// intact: shared domain types at the bottom, storage drivers reachable only
// through their wrappers, and the host wiring on top.
package testutil

import (
	"go/parser"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// ModulePath is the import path prefix of this module.
const ModulePath = "schemahub"

// Boundary forbids the non-test files of one package directory from importing
// any path matched by Forbidden.
type Boundary struct {
	// Dir is relative to the module root, e.g. "internal/repository".
	Dir       string
	Forbidden func(importPath string) bool
	Reason    string
}

// AssertBoundaries checks every boundary against the module rooted at root.
func AssertBoundaries(t testing.TB, root string, boundaries []Boundary) {
	t.Helper()
	for _, b := range boundaries {
		viols, err := directImportViolations(filepath.Join(root, filepath.FromSlash(b.Dir)), b.Forbidden)
		if err != nil {
			t.Fatalf("scan %s: %v", b.Dir, err)
		}
		failIfDirectViolations(t, b.Dir+": "+b.Reason, viols)
	}
}

// AssertNoTransitiveDependency runs `go list -deps` on pattern and fails if any
// dependency satisfies forbidden.
func AssertNoTransitiveDependency(t testing.TB, pattern string, forbidden func(path string) bool, reason string) {
	t.Helper()
	viols, out, err := transitiveDependencyViolations(pattern, forbidden)
	if err != nil {
		t.Fatalf("go list failed: %v\n%s", err, string(out))
	}
	failIfTransitiveViolations(t, reason, viols)
}

// AssertNoDirectImports scans the non-test .go files in dir. Build tags are
// ignored.
func AssertNoDirectImports(t testing.TB, dir string, forbidden func(importPath string) bool, reason string) {
	t.Helper()
	viols, err := directImportViolations(dir, forbidden)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	failIfDirectViolations(t, reason, viols)
}

// ModuleImport matches imports of the named module packages and their
// subpackages, e.g. ModuleImport("internal/infra").
func ModuleImport(rels ...string) func(string) bool {
	return func(path string) bool {
		for _, rel := range rels {
			prefix := ModulePath + "/" + rel
			if path == prefix || strings.HasPrefix(path, prefix+"/") {
				return true
			}
		}
		return false
	}
}

// InternalImportForbidden matches any import of an internal package.
func InternalImportForbidden(path string) bool {
	return strings.HasPrefix(path, ModulePath+"/internal/") || strings.Contains(path, "/internal/")
}

// InfraImportForbidden matches the concrete storage drivers.
func InfraImportForbidden(path string) bool {
	return ModuleImport("internal/infra")(path)
}

var goListDeps = func(pattern string) ([]byte, error) {
	cmd := exec.Command("go", "list", "-deps", pattern)
	return cmd.CombinedOutput()
}

func transitiveDependencyViolations(pattern string, forbidden func(path string) bool) ([]string, []byte, error) {
	out, err := goListDeps(pattern)
	if err != nil {
		return nil, out, err
	}
	var viols []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" && forbidden(line) {
			viols = append(viols, line)
		}
	}
	return viols, out, nil
}

func directImportViolations(dir string, forbidden func(importPath string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	fset := token.NewFileSet()
	var viols []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, filepath.Join(dir, name), nil, parser.ImportsOnly)
		if err != nil {
			return nil, err
		}
		for _, imp := range f.Imports {
			ip := strings.Trim(imp.Path.Value, "\"")
			if forbidden(ip) {
				viols = append(viols, ip+" (in "+name+")")
			}
		}
	}
	sort.Strings(viols)
	return viols, nil
}

type fatalLogger interface {
	Fatalf(format string, args ...any)
}

func failIfTransitiveViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden transitive dependency detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}

func failIfDirectViolations(t fatalLogger, reason string, viols []string) {
	if len(viols) > 0 {
		t.Fatalf("forbidden direct imports detected (%s):\n%s", reason, strings.Join(viols, "\n"))
	}
}
