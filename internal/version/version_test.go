package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	v, err := Parse("v1.5.0")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Major)
	assert.Equal(t, 5, v.Minor)
	assert.Equal(t, 0, v.Patch)
	assert.Equal(t, "1.5.0", v.String())
}

func TestParse_Prerelease(t *testing.T) {
	v, err := Parse("2.0.0-rc.1+build.5")
	require.NoError(t, err)
	assert.Equal(t, "rc.1", v.Prerelease)
	assert.Equal(t, "build.5", v.Build)
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "1.2", "abc", "1.2.x"} {
		_, err := Parse(s)
		assert.Error(t, err, "input %q", s)
	}
}

func TestIsNewerThan(t *testing.T) {
	cases := []struct {
		release string
		current string
		newer   bool
	}{
		{"v1.5.0", "1.4.0", true},
		{"v1.3.0", "1.4.0", false},
		{"v1.4.0", "1.4.0", false},
		{"v2.0.0", "1.99.99", true},
		{"v1.4.1", "1.4.0", true},
		{"v1.4.10", "1.4.9", true}, // numeric, not lexical
		{"v1.10.0", "1.9.0", true},
	}

	for _, tc := range cases {
		release, err := Parse(tc.release)
		require.NoError(t, err)
		current, err := Parse(tc.current)
		require.NoError(t, err)
		assert.Equal(t, tc.newer, release.IsNewerThan(current), "%s vs %s", tc.release, tc.current)
	}
}

func TestCompare_Prerelease(t *testing.T) {
	release, err := Parse("1.5.0")
	require.NoError(t, err)
	rc, err := Parse("1.5.0-rc.1")
	require.NoError(t, err)

	assert.True(t, release.IsNewerThan(rc))
	assert.False(t, rc.IsNewerThan(release))
}
