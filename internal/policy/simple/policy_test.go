// Package simple includes tests for the permissive policy implementation.
package simple

import (
	"context"
	"testing"
)

// TestPolicyAllowsEverything ensures the permissive policy admits any URL.
func TestPolicyAllowsEverything(t *testing.T) {
	t.Parallel()

	p := New()
	for _, u := range []string{"https://example.com/private", "not a url", ""} {
		if !p.Allowed(context.Background(), u) {
			t.Fatalf("expected %q to be allowed", u)
		}
	}
}
