package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

const maxSanitizedLen = 120

func containsLower(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// SanitizeName converts a source name into a single safe path segment.
// Names that are already safe are returned as is. Any other name gets a
// digest suffix, so "a b" and "a/b" never share the segment of "a_b".
func SanitizeName(name string) string {
	cleaned := strings.Trim(invalidFilenameChars.ReplaceAllString(strings.TrimSpace(name), "_"), "._")
	switch {
	case cleaned == "":
		return "source_" + shortDigest(name)
	case len(cleaned) > maxSanitizedLen:
		return cleaned[:maxSanitizedLen] + "_" + shortDigest(name)
	case cleaned != name:
		return cleaned + "_" + shortDigest(name)
	}
	return cleaned
}

func shortDigest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
