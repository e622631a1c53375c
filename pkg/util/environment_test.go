package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvironmentVariables(t *testing.T) {
	t.Setenv("REDONGO_QUEUE", "records")
	t.Setenv("OTHER_QUEUE", "ignored")

	env := GetEnvironmentVariables()
	assert.Equal(t, "records", env["REDONGO_QUEUE"])
	assert.NotContains(t, env, "OTHER_QUEUE")
}

func TestEnvironmentInt(t *testing.T) {
	target := 5
	require.NoError(t, EnvironmentInt(map[string]string{}, "REDONGO_N", &target))
	assert.Equal(t, 5, target)

	require.NoError(t, EnvironmentInt(map[string]string{"REDONGO_N": "12"}, "REDONGO_N", &target))
	assert.Equal(t, 12, target)

	err := EnvironmentInt(map[string]string{"REDONGO_N": "twelve"}, "REDONGO_N", &target)
	assert.ErrorContains(t, err, "REDONGO_N")
	assert.Equal(t, 12, target)
}

func TestEnvironmentDuration(t *testing.T) {
	target := time.Second
	require.NoError(t, EnvironmentDuration(map[string]string{"REDONGO_D": "250ms"}, "REDONGO_D", &target))
	assert.Equal(t, 250*time.Millisecond, target)

	assert.Error(t, EnvironmentDuration(map[string]string{"REDONGO_D": "soon"}, "REDONGO_D", &target))
}

func TestTrimString(t *testing.T) {
	assert.Equal(t, "abc", TrimString("abc", 5))
	assert.Equal(t, "ab", TrimString("abcdef", 2))
}

func TestRenderTable(t *testing.T) {
	output := RenderTable([]string{"Name", "Count"}, [][]string{{"metrics", "12"}, {"short"}}, 1)

	assert.Contains(t, output, "metrics")
	assert.Contains(t, output, "12")
	assert.Contains(t, output, "short")
	assert.Empty(t, RenderTable(nil, nil))
}
