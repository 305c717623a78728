package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	permOwnerRead  = 0o400
	permGroupRead  = 0o040
	permGroupWrite = 0o020
	permGroupExec  = 0o010
	permOtherMask  = 0o007
)

// CheckPrivateFile validates permissions of a file that may hold credentials
// (the daemon config, an age identity, a plaintext bundle).
//
// It returns a warning when the file is group-readable and an error when the
// file is accessible by others or group-writable/executable.
func CheckPrivateFile(label, path string) (string, error) {
	if strings.TrimSpace(label) == "" {
		label = "file"
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%s path is required", label)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s %s: %w", label, path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s %s must be a regular file", label, path)
	}
	perms := info.Mode().Perm()
	switch {
	case perms&permOwnerRead == 0:
		return "", fmt.Errorf("%s %s must be readable by owner (mode %04o)", label, path, perms)
	case perms&permOtherMask != 0:
		return "", fmt.Errorf("%s %s must not be accessible by others (mode %04o)", label, path, perms)
	case perms&(permGroupWrite|permGroupExec) != 0:
		return "", fmt.Errorf("%s %s must not be group-writable or executable (mode %04o)", label, path, perms)
	case perms&permGroupRead != 0:
		return fmt.Sprintf("%s %s is group-readable (mode %04o); consider chmod 0600", label, path, perms), nil
	}
	return "", nil
}
