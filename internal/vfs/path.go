// File: internal/vfs/path.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package vfs

import (
	"path"
	"strings"
)

// normalize renders a virtual path as a clean POSIX-absolute path, the
// representation handle identity equality is defined over.
func normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "/"
	}
	return cleaned
}

// join resolves name against root the same way getFileHandle/
// getDirectoryHandle resolve a child name against a directory handle's path.
func join(root, name string) string {
	if name == "" {
		return root
	}
	if strings.HasPrefix(name, "/") {
		return normalize(name)
	}
	if root == "/" {
		return normalize("/" + name)
	}
	return normalize(root + "/" + name)
}

// baseName returns the final path component, for a handle's guest-visible
// `name` field.
func baseName(p string) string {
	b := path.Base(p)
	if b == "." || b == "/" {
		return ""
	}
	return b
}
