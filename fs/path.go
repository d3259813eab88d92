package fs

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/nufs-fs/nufs"
)

// Canonicalize normalizes a path for storage and comparison: trailing '/'
// characters are trimmed except when the whole path is "/". Paths longer
// than MaxPathLength bytes are rejected with ENAMETOOLONG.
func Canonicalize(path string) (string, error) {
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	if len(path) > MaxPathLength {
		return "", nufs.NewDriverErrorWithMessage(
			syscall.ENAMETOOLONG, fmt.Sprintf("path is %d bytes", len(path)))
	}
	return path, nil
}

// ParentPath returns the canonical path of the directory containing `path`.
// The parent of "/" is "/".
func ParentPath(path string) string {
	if path == "/" {
		return "/"
	}
	slash := strings.LastIndexByte(path, '/')
	if slash <= 0 {
		return "/"
	}
	return path[:slash]
}

// BaseName returns the final path segment; "/" for the root itself.
func BaseName(path string) string {
	if path == "/" {
		return "/"
	}
	return path[strings.LastIndexByte(path, '/')+1:]
}

// JoinPath appends a child name to a canonical directory path.
func JoinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

// lookup scans the inhabited slots for an exact path match and returns the
// slot index, or -1 if the path is not present. The caller holds the lock.
func (fsys *Filesystem) lookup(path string) int {
	for i := 0; i < fsys.count; i++ {
		if fsys.inodes[i].Path == path {
			return i
		}
	}
	return -1
}

// isDirectChild reports whether `path` names an immediate child of the
// canonical directory path `dir`: it extends `dir` by exactly one segment.
func isDirectChild(dir, path string) bool {
	prefix := dir
	if dir != "/" {
		prefix = dir + "/"
	}
	if len(path) <= len(prefix) || !strings.HasPrefix(path, prefix) {
		return false
	}
	return !strings.ContainsRune(path[len(prefix):], '/')
}

// childrenOf yields the basenames of the direct children of `dir`, in table
// order. The caller holds the lock.
func (fsys *Filesystem) childrenOf(dir string) []string {
	var names []string
	for i := 0; i < fsys.count; i++ {
		if isDirectChild(dir, fsys.inodes[i].Path) {
			names = append(names, BaseName(fsys.inodes[i].Path))
		}
	}
	return names
}

// hasChildren reports whether any inode lives directly under `dir`.
func (fsys *Filesystem) hasChildren(dir string) bool {
	for i := 0; i < fsys.count; i++ {
		if isDirectChild(dir, fsys.inodes[i].Path) {
			return true
		}
	}
	return false
}
