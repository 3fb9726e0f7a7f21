// File: internal/vfs/path_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":            "/",
		"/":           "/",
		"a":           "/a",
		"a/b/../c":    "/a/c",
		"/a//b/":      "/a/b",
		"./x":         "/x",
		"/a/./b":      "/a/b",
		"/../escape":  "/escape",
	}
	for in, want := range cases {
		require.Equal(t, want, normalize(in), "normalize(%q)", in)
	}
}

func TestJoin(t *testing.T) {
	require.Equal(t, "/a/b", join("/a", "b"))
	require.Equal(t, "/b", join("/", "b"))
	require.Equal(t, "/a", join("/a", ""))
	require.Equal(t, "/abs", join("/a", "/abs"))
	require.Equal(t, "/a/c", join("/a", "b/../c"))
}

func TestBaseName(t *testing.T) {
	require.Equal(t, "a.txt", baseName("/dir/a.txt"))
	require.Equal(t, "", baseName("/"))
	require.Equal(t, "dir", baseName("/dir"))
}
