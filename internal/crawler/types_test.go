package crawler

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordFilterMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		filter KeywordFilter
		text   string
		want   bool
	}{
		{name: "empty filter keeps everything", text: "anything", want: true},
		{name: "any matches case-insensitively", filter: KeywordFilter{Any: []string{"Budget"}}, text: "the BUDGET passed", want: true},
		{name: "any misses", filter: KeywordFilter{Any: []string{"zoning", "parks"}}, text: "budget vote", want: false},
		{name: "all requires every term", filter: KeywordFilter{All: []string{"budget", "vote"}}, text: "budget hearing", want: false},
		{name: "any and all together", filter: KeywordFilter{Any: []string{"budget"}, All: []string{"vote"}}, text: "Budget vote tonight", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.filter.Match(tt.text))
		})
	}
}

func TestTargetKindValid(t *testing.T) {
	t.Parallel()

	for _, kind := range []TargetKind{KindFeed, KindPage, KindLocal} {
		assert.True(t, kind.Valid(), kind)
	}
	assert.False(t, TargetKind("video").Valid())
	assert.False(t, TargetKind("").Valid())
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	fe := &FetchError{Kind: FailureHTTP, URL: "https://example.com", Status: 404}
	assert.Equal(t, FailureHTTP, KindOf(fmt.Errorf("fetch: %w", fe)))
	assert.Equal(t, FailureDisallowed, KindOf(fmt.Errorf("gate: %w", ErrDisallowed)))
	assert.Equal(t, FailureSizeExceeded, KindOf(ErrSizeExceeded))
	assert.Equal(t, FailureUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, FailureKind(""), KindOf(nil))
}

func TestNewTargetFailure(t *testing.T) {
	t.Parallel()

	target := FetchTarget{Name: "notices", URI: "https://example.com/notices", Kind: KindPage}
	err := &FetchError{Kind: FailureRateLimited, URL: target.URI, Status: 429, Attempts: 4, Err: errors.New("retry budget exhausted")}

	failure := NewTargetFailure(target, err, 1)
	assert.Equal(t, "notices", failure.Target)
	assert.Equal(t, FailureRateLimited, failure.Kind)
	assert.Equal(t, 429, failure.Status)
	assert.Equal(t, 4, failure.Attempts)
	assert.Equal(t, "rate-limited-exhausted: https://example.com/notices (status 429): retry budget exhausted", failure.Error)
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://Example.COM:443/a?b=2&a=1#frag")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a?a=1&b=2", got)

	got, err = NormalizeURL("http://example.com:80/")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/", got)

	_, err = NormalizeURL("http://[::1")
	assert.Error(t, err)
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	domain, err := DomainOf("https://City.Example.gov:8443/notices")
	require.NoError(t, err)
	assert.Equal(t, "city.example.gov:8443", domain)

	_, err = DomainOf("/relative/path")
	assert.Error(t, err)
	_, err = DomainOf("ftp://example.com/file")
	assert.Error(t, err)
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "notices", SanitizeName("notices"))
	assert.Equal(t, "City_Hall-2024.v1", SanitizeName("City_Hall-2024.v1"))
	assert.Regexp(t, `^council_https_example\.com_a_[0-9a-f]{12}$`, SanitizeName("council::https://example.com/a"))
	assert.True(t, strings.HasPrefix(SanitizeName("::"), "source_"))
	long := SanitizeName(strings.Repeat("a", 200))
	assert.Len(t, long, maxSanitizedLen+1+12)
	assert.NotEqual(t, SanitizeName(strings.Repeat("a", 200)), SanitizeName(strings.Repeat("a", 201)))
}

func TestSanitizeNameKeepsDistinctNamesApart(t *testing.T) {
	t.Parallel()

	names := []string{"a_b", "a b", "a/b", "a::b", " a_b", "a_b."}
	seen := make(map[string]string, len(names))
	for _, name := range names {
		segment := SanitizeName(name)
		assert.Regexp(t, `^[a-zA-Z0-9._-]+$`, segment)
		if prev, ok := seen[segment]; ok {
			t.Errorf("%q and %q both sanitize to %q", prev, name, segment)
		}
		seen[segment] = name
	}
	assert.Equal(t, SanitizeName("a b"), SanitizeName("a b"))
}

func TestChangeEventAttributes(t *testing.T) {
	t.Parallel()

	attrs := ChangeEvent{RunID: "run-1", Name: "notices", Type: KindPage}.Attributes()
	assert.Equal(t, map[string]string{"run_id": "run-1", "name": "notices", "type": "page"}, attrs)
}
