package snapshot

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Diff labels used in every unified diff.
const (
	FromLabel = "prev"
	ToLabel   = "new"
)

// UnifiedDiff renders a unified diff from before to after. Identical inputs yield "".
func UnifiedDiff(before, after string, contextLines int) (string, error) {
	if before == after {
		return "", nil
	}
	if contextLines < 0 {
		contextLines = DefaultContextLines
	}
	out, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(before),
		B:        splitLines(after),
		FromFile: FromLabel,
		ToFile:   ToLabel,
		Context:  contextLines,
	})
	if err != nil {
		return "", fmt.Errorf("render diff: %w", err)
	}
	return out, nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return difflib.SplitLines(s)
}
