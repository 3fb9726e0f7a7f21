// File: internal/vfs/registry_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package vfs_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/isod-run/isod/internal/vfs"
)

func TestRegistryAllocMonotonic(t *testing.T) {
	reg := vfs.NewRegistry()
	h1 := reg.Alloc(vfs.KindDirectory, "/mnt", "/", nil)
	h2 := reg.Alloc(vfs.KindFile, "/mnt", "/a.txt", nil)
	require.Less(t, h1.ID, h2.ID)

	got, ok := reg.Get(h1.ID)
	require.True(t, ok)
	require.Same(t, h1, got)
	require.Equal(t, 2, reg.Len())
}

func TestRegistryReleaseNeverReusesIDs(t *testing.T) {
	reg := vfs.NewRegistry()
	h1 := reg.Alloc(vfs.KindWritable, "/mnt", "/a.txt", nil)
	reg.Release(h1.ID)
	_, ok := reg.Get(h1.ID)
	require.False(t, ok)

	h2 := reg.Alloc(vfs.KindWritable, "/mnt", "/a.txt", nil)
	require.Greater(t, h2.ID, h1.ID)
}

// Handle identity is stable: equality is (mount, path), not object
// identity or id.
func TestSameEntry(t *testing.T) {
	reg := vfs.NewRegistry()
	a := reg.Alloc(vfs.KindFile, "/mnt", "/dir/a.txt", nil)
	b := reg.Alloc(vfs.KindFile, "/mnt", "/dir/a.txt", nil)
	c := reg.Alloc(vfs.KindFile, "/mnt", "/dir/b.txt", nil)
	d := reg.Alloc(vfs.KindFile, "/other", "/dir/a.txt", nil)

	require.True(t, a.SameEntry(b))
	require.True(t, b.SameEntry(a))
	require.False(t, a.SameEntry(c))
	require.False(t, a.SameEntry(d))
	require.False(t, a.SameEntry(nil))
}

func TestKindString(t *testing.T) {
	require.Equal(t, "directory", vfs.KindDirectory.String())
	require.Equal(t, "file", vfs.KindFile.String())
	require.Equal(t, "writable", vfs.KindWritable.String())
}
