package ids

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMatchesCanonicalForm(t *testing.T) {
	id := New(PrefixSandbox)
	require.Regexp(t, regexp.MustCompile(`^sb_[0-9A-Za-z]{22}$`), id)
}

func TestParseRoundTrip(t *testing.T) {
	id := New(PrefixExec)
	prefix, _, err := Parse(id)
	require.NoError(t, err)
	require.Equal(t, PrefixExec, prefix)
}

func TestParseRejectsUnknownPrefix(t *testing.T) {
	_, _, err := Parse("bogus_0000000000000000000000")
	require.Error(t, err)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, _, err := Parse("sb_tooshort")
	require.Error(t, err)
}

func TestHasPrefix(t *testing.T) {
	id := New(PrefixNode)
	require.True(t, HasPrefix(id, PrefixNode))
	require.False(t, HasPrefix(id, PrefixSandbox))
}
