package domain

import (
	"testing"

	"schemahub/testutil"
)

// TestDomainDoesNotImportInternal keeps the shared types free of any
// implementation package.
func TestDomainDoesNotImportInternal(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden, "pkg/domain must not import internal packages")
}
