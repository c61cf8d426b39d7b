package api

import (
	"context"
	"testing"
)

// testContext stands in for t.Context (Go 1.24) on older toolchains: the
// returned context is cancelled when the test finishes.
func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
