//go:build windows

package fileutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

func isOwnerOnly(perm os.FileMode) bool {
	return perm&0077 == 0
}

// restrictToCurrentUser sets a DACL on path that grants GENERIC_ALL only
// to the current user and blocks inherited ACEs. Directories get
// CONTAINER_INHERIT_ACE | OBJECT_INHERIT_ACE so new children inherit the
// restriction. The file already carries the requested Unix mode, so
// callers treat DACL failures as non-fatal.
func restrictToCurrentUser(path string) error {
	token := windows.GetCurrentProcessToken()

	user, err := token.GetTokenUser()
	if err != nil {
		return fmt.Errorf("get current user SID for %s: %w", path, err)
	}

	var inherit uint32 = windows.NO_INHERITANCE
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		inherit = windows.CONTAINER_INHERIT_ACE | windows.OBJECT_INHERIT_ACE
	}

	ea := []windows.EXPLICIT_ACCESS{
		{
			AccessPermissions: windows.GENERIC_ALL,
			AccessMode:        windows.SET_ACCESS,
			Inheritance:       inherit,
			Trustee: windows.TRUSTEE{
				TrusteeForm:  windows.TRUSTEE_IS_SID,
				TrusteeType:  windows.TRUSTEE_IS_USER,
				TrusteeValue: windows.TrusteeValueFromSID(user.User.Sid),
			},
		},
	}

	acl, err := windows.ACLFromEntries(ea, nil)
	if err != nil {
		return fmt.Errorf("build ACL for %s: %w", path, err)
	}

	secInfo := windows.DACL_SECURITY_INFORMATION | windows.PROTECTED_DACL_SECURITY_INFORMATION
	err = windows.SetNamedSecurityInfo(
		path,
		windows.SE_FILE_OBJECT,
		windows.SECURITY_INFORMATION(secInfo),
		nil,
		nil,
		acl,
		nil,
	)
	if err != nil {
		return fmt.Errorf("set DACL on %s: %w", path, err)
	}
	return nil
}

// SecureMkdirAll creates a directory path and all missing parents. For
// owner-only modes the DACL is applied to every directory that was newly
// created, not just the leaf.
func SecureMkdirAll(path string, perm os.FileMode) error {
	var toSecure []string
	if isOwnerOnly(perm) {
		p := filepath.Clean(path)
		for p != "" && p != "." && p != string(filepath.Separator) {
			if _, err := os.Stat(p); err == nil {
				break
			}
			toSecure = append(toSecure, p)
			parent := filepath.Dir(p)
			if parent == p {
				break
			}
			p = parent
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}

	for _, dir := range toSecure {
		if err := restrictToCurrentUser(dir); err != nil {
			slog.Warn("best-effort DACL failed", "path", dir, "error", err)
		}
	}
	return nil
}

// SecureOpenFile opens the named file with the given flag and permissions.
// For owner-only modes with O_CREATE, the DACL is applied after the open.
// There is a brief window between creation and DACL application because
// SetNamedSecurityInfo works by path; acceptable since callers write to
// directories that are themselves owner-only.
func SecureOpenFile(path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	if isOwnerOnly(perm) && flag&os.O_CREATE != 0 {
		if err := restrictToCurrentUser(path); err != nil {
			slog.Warn("best-effort DACL failed", "path", path, "error", err)
		}
	}
	return f, nil
}
