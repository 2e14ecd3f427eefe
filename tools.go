//go:build tools

// Package tools declares tool dependencies for this module so that
// `go generate` (mockgen) resolves from go.mod on a fresh checkout.
package coderelay

import (
	_ "go.uber.org/mock/mockgen"
)
