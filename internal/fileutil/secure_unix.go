//go:build !windows

// Package fileutil creates the files and directories that hold archived
// mail content (uploads, export artifacts, the data home) with owner-only
// access. On Unix the helpers are plain os.* calls with restrictive modes;
// on Windows, owner-only modes (perm & 0077 == 0) additionally set a DACL
// restricting access to the current user.
package fileutil

import "os"

// SecureMkdirAll creates a directory path and all missing parents.
func SecureMkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// SecureOpenFile opens the named file with the given flag and permissions.
func SecureOpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}
