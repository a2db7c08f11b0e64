package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"], "serve command should be registered")
	assert.True(t, names["discover"], "discover command should be registered")
	assert.Equal(t, Version, rootCmd.Version)
}

func TestDiscoverCommandArgs(t *testing.T) {
	discover := newDiscoverCmd()
	require.NotNil(t, discover.Args)

	assert.Error(t, discover.Args(discover, nil), "discover requires exactly one input")
	assert.Error(t, discover.Args(discover, []string{"a", "b"}))
	assert.NoError(t, discover.Args(discover, []string{"#housemusic"}))
}

func TestFormatCount(t *testing.T) {
	cases := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1500, "1.5K"},
		{980_000, "980.0K"},
		{1_200_000, "1.2M"},
		{2_000_000_000, "2.0B"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, formatCount(tc.n))
	}
}
