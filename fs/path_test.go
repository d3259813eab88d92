package fs

import (
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	for input, want := range map[string]string{
		"/":        "/",
		"//":       "/",
		"/a":       "/a",
		"/a/":      "/a",
		"/a/b///":  "/a/b",
		"/a.b/c-d": "/a.b/c-d",
	} {
		got, err := Canonicalize(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}

	_, err := Canonicalize("/" + strings.Repeat("x", MaxPathLength))
	assert.ErrorIs(t, err, syscall.ENAMETOOLONG)
}

func TestParentAndBase(t *testing.T) {
	assert.Equal(t, "/", ParentPath("/"))
	assert.Equal(t, "/", ParentPath("/a"))
	assert.Equal(t, "/a", ParentPath("/a/b"))
	assert.Equal(t, "/a/b", ParentPath("/a/b/c"))

	assert.Equal(t, "/", BaseName("/"))
	assert.Equal(t, "a", BaseName("/a"))
	assert.Equal(t, "c", BaseName("/a/b/c"))

	assert.Equal(t, "/a", JoinPath("/", "a"))
	assert.Equal(t, "/a/b", JoinPath("/a", "b"))
}

func TestIsDirectChild(t *testing.T) {
	assert.True(t, isDirectChild("/", "/a"))
	assert.True(t, isDirectChild("/a", "/a/b"))

	assert.False(t, isDirectChild("/", "/"))
	assert.False(t, isDirectChild("/a", "/a"))
	assert.False(t, isDirectChild("/", "/a/b"))
	assert.False(t, isDirectChild("/a", "/a/b/c"))
	// Sibling with a common name prefix is not a child.
	assert.False(t, isDirectChild("/a", "/ab"))
	assert.False(t, isDirectChild("/a", "/ab/c"))
}
