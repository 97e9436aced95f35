package process

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvironmentOverlaysParent(t *testing.T) {
	t.Setenv("DEEPFORGE_TEST_PARENT", "parent")
	t.Setenv("DEEPFORGE_TEST_OVERRIDE", "old")

	env := NewEnvironment()
	env.Set("DEEPFORGE_TEST_OVERRIDE", "new")
	env.Set("DEEPFORGE_TEST_ADDED", "x=y")

	merged := env.Environ()
	assert.Contains(t, merged, "DEEPFORGE_TEST_PARENT=parent")
	assert.Contains(t, merged, "DEEPFORGE_TEST_OVERRIDE=new")
	assert.Contains(t, merged, "DEEPFORGE_TEST_ADDED=x=y")
	assert.NotContains(t, merged, "DEEPFORGE_TEST_OVERRIDE=old")

	// the worker's own environment stays untouched
	assert.Equal(t, "old", os.Getenv("DEEPFORGE_TEST_OVERRIDE"))
	_, set := os.LookupEnv("DEEPFORGE_TEST_ADDED")
	assert.False(t, set)

	assert.Contains(t, env.Environ(), "DEEPFORGE_TEST_ADDED=x=y")
}
